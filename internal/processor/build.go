package processor

import (
	"github.com/adverant/nexus/scanocr-worker/internal/clients"
	"github.com/adverant/nexus/scanocr-worker/internal/config"
	"github.com/adverant/nexus/scanocr-worker/internal/imaging"
	"github.com/adverant/nexus/scanocr-worker/internal/logging"
	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
)

// NewFromConfig builds the preparer, every provider adapter and the processor from worker configuration.
// Adapters without credentials are still registered so they report as unconfigured.
func NewFromConfig(cfg *config.Config, metrics *Metrics) (*RecognitionProcessor, error) {
	preparer := imaging.NewPreparer(imaging.PreparerConfig{
		TargetWidth:     cfg.TargetWidth,
		Quality:         cfg.Quality,
		FallbackQuality: cfg.FallbackQuality,
		SoftLimit:       cfg.SoftLimit,
		TempDir:         cfg.TempDir,
	}, logging.NewLogger("ImagePreparer"))

	providers := []clients.Provider{
		clients.NewOCRSpaceClient(clients.OCRSpaceConfig{
			APIKey:   cfg.OCRSpaceAPIKey,
			URL:      cfg.OCRSpaceURL,
			MaxBytes: cfg.OCRSpaceMaxBytes,
			Engine:   cfg.OCRSpaceEngine,
		}),
		clients.NewVisionClient(clients.VisionConfig{
			APIKey:    cfg.VisionAPIKey,
			BaseURL:   cfg.VisionURL,
			Model:     cfg.VisionModel,
			MaxTokens: cfg.VisionMaxTokens,
		}),
		clients.NewTesseractClient(clients.TesseractConfig{
			Enabled: cfg.TesseractEnabled,
		}),
	}

	return NewRecognitionProcessor(&ProcessorConfig{
		Providers: providers,
		Preparer:  preparer,
		Defaults: ocr.RequestDefaults{
			Language: cfg.DefaultLanguage,
			Provider: cfg.DefaultProvider,
			Timeout:  cfg.Timeout,
		},
		BatchDelay:     cfg.BatchDelay,
		StructuredText: cfg.StructuredText,
		Metrics:        metrics,
		Logger:         logging.NewLogger("RecognitionProcessor"),
	})
}
