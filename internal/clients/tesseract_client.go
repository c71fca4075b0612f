/**
 * Tesseract Client - local, offline recognition
 *
 * Free and credential-less, but slower and weaker on photos than the remote
 * providers. Opt-in through TESSERACT_ENABLED.
 */

package clients

import (
	"context"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/scanocr-worker/internal/errors"
	"github.com/adverant/nexus/scanocr-worker/internal/logging"
	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
)

// TesseractConfig holds local engine settings
type TesseractConfig struct {
	Enabled bool
}

// TesseractClient runs OCR through libtesseract
type TesseractClient struct {
	config TesseractConfig
	logger *logging.Logger

	// swapped in tests; production uses gosseract
	run func(data []byte, language string) (string, error)
}

// NewTesseractClient creates a new local engine client
func NewTesseractClient(cfg TesseractConfig) *TesseractClient {
	return &TesseractClient{
		config: cfg,
		logger: logging.NewLogger("TesseractClient"),
		run:    runGosseract,
	}
}

func (t *TesseractClient) ID() ocr.ProviderID {
	return ocr.ProviderTesseract
}

func (t *TesseractClient) Capability() ocr.ProviderCapability {
	return ocr.ProviderCapability{Configured: t.config.Enabled}
}

// Recognize performs OCR using Tesseract. The cgo call cannot be interrupted,
// so on deadline the result is abandoned and the goroutine finishes on its own.
func (t *TesseractClient) Recognize(ctx context.Context, img *ocr.EncodedImage, language string, isDocument bool) (string, error) {
	if img == nil || len(img.Data) == 0 {
		return "", errors.NewProviderError(string(t.ID()), "EMPTY_PAYLOAD", "no image data to process", nil)
	}

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	started := time.Now()

	go func() {
		text, err := t.run(img.Data, tesseractLanguage(language))
		done <- outcome{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return "", errors.NewTimeoutError(string(t.ID()), time.Since(started).Round(time.Millisecond), ctx.Err())
		}
		return "", errors.NewUnknownError(string(t.ID()), ctx.Err())
	case res := <-done:
		if res.err != nil {
			return "", errors.NewProviderError(string(t.ID()), "TESSERACT_FAILED", "tesseract OCR failed", res.err)
		}
		t.logger.Debug("Tesseract recognition complete",
			"chars", len(res.text),
			"duration_ms", time.Since(started).Milliseconds())
		return res.text, nil
	}
}

func runGosseract(data []byte, language string) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(strings.Split(language, "+")...); err != nil {
		return "", err
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return "", err
	}
	return client.Text()
}

// tesseractLanguage maps the hint onto traineddata names; tesseract has no auto-detect
func tesseractLanguage(language string) string {
	if language == "" || language == "auto" {
		return "eng"
	}
	return language
}
