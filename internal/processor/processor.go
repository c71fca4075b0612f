/**
 * Recognition Processor for the scanocr worker
 *
 * Orchestrates a single recognition:
 * - prepare the image (resize, compress, encode)
 * - select a provider by capability, size and document-likeness
 * - invoke it under a timeout, falling back once to an alternate
 * - normalize the text and build the result
 *
 * Holds only construction-time state, so one processor serves concurrent callers.
 */

package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/scanocr-worker/internal/clients"
	"github.com/adverant/nexus/scanocr-worker/internal/errors"
	"github.com/adverant/nexus/scanocr-worker/internal/logging"
	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
	"github.com/adverant/nexus/scanocr-worker/internal/textnorm"
)

// Stage of a single recognition, logged at each transition
type Stage string

const (
	StagePreparing   Stage = "preparing"
	StageSelecting   Stage = "selecting"
	StageInvoking    Stage = "invoking"
	StageFallingBack Stage = "falling_back"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// documentKeywords mark a filename as document-like
var documentKeywords = []string{"doc", "scan", "receipt", "invoice", "letter", "page", "form", "contract", "statement"}

// alternates lists, per provider, where to go when it cannot serve a request
var alternates = map[ocr.ProviderID][]ocr.ProviderID{
	ocr.ProviderBounded:   {ocr.ProviderVision, ocr.ProviderTesseract},
	ocr.ProviderVision:    {ocr.ProviderBounded, ocr.ProviderTesseract},
	ocr.ProviderTesseract: {ocr.ProviderVision, ocr.ProviderBounded},
}

// ImagePreparer produces the payload sent to providers
type ImagePreparer interface {
	Prepare(ctx context.Context, imageRef string, softLimit int64) (*ocr.EncodedImage, error)
}

// Recognizer is the core entry point used by the API, the queue and the CLI
type Recognizer interface {
	Recognize(ctx context.Context, req ocr.RecognitionRequest) (*ocr.RecognitionResult, error)
	RecognizeBatch(ctx context.Context, reqs []ocr.RecognitionRequest) []BatchItem
	Providers() []ProviderInfo
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Providers      []clients.Provider
	Preparer       ImagePreparer
	Defaults       ocr.RequestDefaults
	BatchDelay     time.Duration
	StructuredText bool
	Metrics        *Metrics
	Logger         *logging.Logger
}

// ProviderInfo describes a registered provider
type ProviderInfo struct {
	ID         ocr.ProviderID         `json:"id"`
	Capability ocr.ProviderCapability `json:"capability"`
}

// BatchItem pairs a batch result with its error. Failed items carry the ProviderFailed sentinel.
type BatchItem struct {
	Result *ocr.RecognitionResult
	Err    error
}

// RecognitionProcessor runs recognitions
type RecognitionProcessor struct {
	providers  map[ocr.ProviderID]clients.Provider
	preparer   ImagePreparer
	defaults   ocr.RequestDefaults
	batchDelay time.Duration
	structured bool
	metrics    *Metrics
	logger     *logging.Logger

	now   func() time.Time
	newID func() string
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRecognitionProcessor creates a new recognition processor
func NewRecognitionProcessor(cfg *ProcessorConfig) (*RecognitionProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Preparer == nil {
		return nil, fmt.Errorf("image preparer is required")
	}

	providers := make(map[ocr.ProviderID]clients.Provider, len(cfg.Providers))
	configured := 0
	for _, prov := range cfg.Providers {
		if prov == nil {
			continue
		}
		if _, dup := providers[prov.ID()]; dup {
			return nil, fmt.Errorf("provider %s registered twice", prov.ID())
		}
		providers[prov.ID()] = prov
		if prov.Capability().Configured {
			configured++
		}
	}
	if configured == 0 {
		return nil, errors.NewConfigurationError("no recognition provider is configured")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("RecognitionProcessor")
	}

	return &RecognitionProcessor{
		providers:  providers,
		preparer:   cfg.Preparer,
		defaults:   cfg.Defaults,
		batchDelay: cfg.BatchDelay,
		structured: cfg.StructuredText,
		metrics:    cfg.Metrics,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
		sleep:      sleepContext,
	}, nil
}

// Recognize runs one recognition through the full pipeline
func (p *RecognitionProcessor) Recognize(ctx context.Context, req ocr.RecognitionRequest) (*ocr.RecognitionResult, error) {
	req = req.WithDefaults(p.defaults)
	log := p.logger.With("image_ref", req.ImageRef)

	// Step 1: Prepare
	log.Debug("Recognition stage", "stage", StagePreparing, "soft_limit", req.MaxBytes)
	img, err := p.preparer.Prepare(ctx, req.ImageRef, req.MaxBytes)
	if err != nil {
		if errors.As(err) == nil {
			if ctx.Err() != nil {
				err = errors.NewUnknownError("", err)
			} else {
				err = errors.NewImagePreparationError(req.ImageRef, err)
			}
		}
		log.Error("Recognition stage", "stage", StageFailed, "error", err)
		p.metrics.observeRecognition(req.Provider, string(errors.CodeOf(err)))
		return nil, err
	}

	size := img.Size
	if size <= 0 {
		size = int64(len(img.Data))
	}
	p.metrics.observePayload(size)

	// Step 2: Select
	isDocument := p.isDocumentLike(req, img)
	log.Debug("Recognition stage", "stage", StageSelecting,
		"requested", req.Provider, "payload_bytes", size, "document", isDocument)

	primary, err := p.selectProvider(req.Provider, size, isDocument, log)
	if err != nil {
		p.discard(img, log)
		log.Error("Recognition stage", "stage", StageFailed, "error", err)
		p.metrics.observeRecognition(req.Provider, string(errors.CodeOf(err)))
		return nil, err
	}

	// Step 3: Invoke, with at most one fallback
	used := primary
	text, err := p.invoke(ctx, primary, img, req, isDocument, log)
	if err != nil {
		alt := p.firstViable(alternates[primary], size)
		if !errors.IsFallbackEligible(err) || ctx.Err() != nil || alt == "" {
			p.discard(img, log)
			log.Error("Recognition stage", "stage", StageFailed, "provider", primary, "error", err)
			p.metrics.observeRecognition(primary, string(errors.CodeOf(err)))
			return nil, err
		}

		log.Warn("Recognition stage", "stage", StageFallingBack,
			"from", primary, "to", alt, "error", err)
		p.metrics.observeFallback(primary, alt)

		altText, altErr := p.invoke(ctx, alt, img, req, isDocument, log)
		if altErr != nil {
			// the primary's failure is the one the caller acts on
			p.discard(img, log)
			log.Error("Recognition stage", "stage", StageFailed,
				"provider", primary, "error", err,
				"alternate", alt, "alternate_error", altErr)
			p.metrics.observeRecognition(primary, string(errors.CodeOf(err)))
			return nil, err
		}
		text, used = altText, alt
	}

	// Step 4: Normalize and finalize
	result := &ocr.RecognitionResult{
		ID:             p.newID(),
		ImageRef:       req.ImageRef,
		RecognizedText: p.normalize(used, text),
		CreatedAt:      p.now(),
		Provider:       used,
		PayloadBytes:   size,
		Language:       req.Language,
		PreparedRef:    img.Path,
		DocumentHint:   isDocument,
	}

	log.Info("Recognition stage", "stage", StageDone,
		"provider", used, "result_id", result.ID, "chars", len(result.RecognizedText))
	p.metrics.observeRecognition(used, "success")

	return result, nil
}

// discard removes the prepared artifact of a recognition that produced no result
func (p *RecognitionProcessor) discard(img *ocr.EncodedImage, log *logging.Logger) {
	if img.Path == "" {
		return
	}
	if err := os.Remove(img.Path); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to remove prepared image", "path", img.Path, "error", err)
	}
}

// RecognizeBatch processes requests strictly one after another with a pause in between.
// Each request gets an item, in order. After cancellation the rest fail with the context error.
func (p *RecognitionProcessor) RecognizeBatch(ctx context.Context, reqs []ocr.RecognitionRequest) []BatchItem {
	items := make([]BatchItem, len(reqs))

	for i, req := range reqs {
		if i > 0 && p.batchDelay > 0 {
			if err := p.sleep(ctx, p.batchDelay); err != nil {
				p.failRemaining(items, reqs, i, err)
				break
			}
		}
		if err := ctx.Err(); err != nil {
			p.failRemaining(items, reqs, i, err)
			break
		}

		result, err := p.Recognize(ctx, req)
		if err != nil {
			items[i] = BatchItem{Result: p.failedResult(req), Err: err}
			continue
		}
		items[i] = BatchItem{Result: result}
	}

	return items
}

// Providers lists registered providers and their capabilities
func (p *RecognitionProcessor) Providers() []ProviderInfo {
	infos := make([]ProviderInfo, 0, len(p.providers))
	for _, id := range ocr.KnownProviders {
		if prov, ok := p.providers[id]; ok {
			infos = append(infos, ProviderInfo{ID: id, Capability: prov.Capability()})
		}
	}
	return infos
}

// CheckProviders runs health checks on configured providers that support them.
// Failures are reported, never fatal.
func (p *RecognitionProcessor) CheckProviders(ctx context.Context) map[ocr.ProviderID]error {
	results := make(map[ocr.ProviderID]error)

	for _, id := range ocr.KnownProviders {
		prov, ok := p.providers[id]
		if !ok || !prov.Capability().Configured {
			continue
		}
		checker, ok := prov.(clients.HealthChecker)
		if !ok {
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := checker.HealthCheck(checkCtx)
		cancel()

		results[id] = err
		if err != nil {
			p.logger.Warn("Provider health check failed, it will still be tried",
				"provider", id, "error", err)
		} else {
			p.logger.Info("Provider connection verified", "provider", id)
		}
	}

	return results
}

func (p *RecognitionProcessor) selectProvider(requested ocr.ProviderID, size int64, isDocument bool, log *logging.Logger) (ocr.ProviderID, error) {
	if requested != ocr.ProviderAuto {
		prov, ok := p.providers[requested]
		if !ok || !prov.Capability().Configured {
			return "", errors.NewConfigurationError(fmt.Sprintf("provider %s is not configured", requested))
		}
		if prov.Capability().Accepts(size) {
			return requested, nil
		}

		alt := p.firstViable(alternates[requested], size)
		if alt == "" {
			return "", errors.NewConfigurationError(fmt.Sprintf(
				"image of %d bytes exceeds the %s limit of %d bytes and no alternate provider is configured",
				size, requested, prov.Capability().MaxBytes))
		}
		log.Info("Payload exceeds provider limit, switching before invoke",
			"requested", requested, "selected", alt, "payload_bytes", size)
		return alt, nil
	}

	preferred := ocr.ProviderBounded
	if isDocument || !p.capability(ocr.ProviderBounded).Accepts(size) {
		preferred = ocr.ProviderVision
	}
	if p.capability(preferred).Viable(size) {
		return preferred, nil
	}

	if alt := p.firstViable(alternates[preferred], size); alt != "" {
		return alt, nil
	}
	return "", errors.NewConfigurationError(fmt.Sprintf(
		"no configured provider accepts an image of %d bytes", size))
}

func (p *RecognitionProcessor) invoke(ctx context.Context, id ocr.ProviderID, img *ocr.EncodedImage, req ocr.RecognitionRequest, isDocument bool, log *logging.Logger) (string, error) {
	log.Debug("Recognition stage", "stage", StageInvoking, "provider", id, "timeout", req.Timeout.String())

	callCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	started := p.now()
	text, err := p.providers[id].Recognize(callCtx, img, req.Language, isDocument)
	p.metrics.observeDuration(id, p.now().Sub(started))

	if err == nil {
		return text, nil
	}
	if errors.As(err) != nil {
		return "", err
	}
	if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return "", errors.NewTimeoutError(string(id), req.Timeout, err)
	}
	return "", errors.NewUnknownError(string(id), err)
}

func (p *RecognitionProcessor) normalize(id ocr.ProviderID, text string) string {
	if p.structured && p.capability(id).PrefersDocuments {
		return textnorm.NormalizeStructured(text)
	}
	return textnorm.Normalize(text)
}

// isDocumentLike applies the hint, then the filename, then the source media type
func (p *RecognitionProcessor) isDocumentLike(req ocr.RecognitionRequest, img *ocr.EncodedImage) bool {
	if req.DocumentHint != nil {
		return *req.DocumentHint
	}

	name := req.Filename
	if name == "" {
		name = filepath.Base(req.ImageRef)
	}
	name = strings.ToLower(name)
	for _, kw := range documentKeywords {
		if strings.Contains(name, kw) {
			return true
		}
	}

	switch img.SourceType {
	case "image/tiff", "application/pdf":
		return true
	}
	return false
}

func (p *RecognitionProcessor) capability(id ocr.ProviderID) ocr.ProviderCapability {
	if prov, ok := p.providers[id]; ok {
		return prov.Capability()
	}
	return ocr.ProviderCapability{}
}

func (p *RecognitionProcessor) firstViable(candidates []ocr.ProviderID, size int64) ocr.ProviderID {
	for _, id := range candidates {
		if p.capability(id).Viable(size) {
			return id
		}
	}
	return ""
}

func (p *RecognitionProcessor) failedResult(req ocr.RecognitionRequest) *ocr.RecognitionResult {
	req = req.WithDefaults(p.defaults)
	return &ocr.RecognitionResult{
		ID:        p.newID(),
		ImageRef:  req.ImageRef,
		CreatedAt: p.now(),
		Provider:  ocr.ProviderFailed,
		Language:  req.Language,
	}
}

func (p *RecognitionProcessor) failRemaining(items []BatchItem, reqs []ocr.RecognitionRequest, from int, cause error) {
	for j := from; j < len(reqs); j++ {
		items[j] = BatchItem{Result: p.failedResult(reqs[j]), Err: errors.NewUnknownError("", cause)}
	}
	p.logger.Warn("Batch cancelled", "remaining", len(reqs)-from, "error", cause)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
