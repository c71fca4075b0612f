/**
 * OCR Types - Shared data structures for recognition
 *
 * Common types used by the image preparer, provider adapters,
 * the recognition orchestrator and the result store.
 */

package ocr

import (
	"strings"
	"time"
)

// ProviderID identifies a recognition provider adapter
type ProviderID string

const (
	// ProviderBounded is the size-bounded text extraction provider (OCR.space shaped)
	ProviderBounded ProviderID = "bounded"
	// ProviderVision is the multimodal chat completion provider
	ProviderVision ProviderID = "vision"
	// ProviderTesseract is the local tesseract engine
	ProviderTesseract ProviderID = "tesseract"

	// ProviderFailed marks a result for which every attempt failed
	ProviderFailed ProviderID = "error"

	// ProviderAuto lets the orchestrator choose. It is a selection mode, not a provider.
	ProviderAuto ProviderID = "auto"
)

// KnownProviders lists every concrete provider in preference order
var KnownProviders = []ProviderID{ProviderBounded, ProviderVision, ProviderTesseract}

// ParseProviderID maps user input to a ProviderID. Empty input yields "".
func ParseProviderID(s string) (ProviderID, bool) {
	switch ProviderID(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return "", true
	case ProviderAuto:
		return ProviderAuto, true
	case ProviderBounded, "ocrspace", "ocr.space":
		return ProviderBounded, true
	case ProviderVision, "openai":
		return ProviderVision, true
	case ProviderTesseract, "local":
		return ProviderTesseract, true
	}
	return "", false
}

// ProviderCapability is static per-provider metadata used only for selection
type ProviderCapability struct {
	MaxBytes         int64 // 0 = unbounded
	PrefersDocuments bool  // favors structured documents over casual photos
	Configured       bool  // credentials present / engine enabled
}

// Accepts reports whether a payload of size bytes fits the provider ceiling
func (c ProviderCapability) Accepts(size int64) bool {
	return c.MaxBytes <= 0 || size <= c.MaxBytes
}

// Viable reports whether the provider can be selected for a payload of size bytes
func (c ProviderCapability) Viable(size int64) bool {
	return c.Configured && c.Accepts(size)
}

// RecognitionRequest is the input to the orchestrator. Treat it as immutable.
type RecognitionRequest struct {
	ImageRef     string        // path to the source image
	Filename     string        // optional display name, used by the document heuristic
	Language     string        // language hint, "auto" allowed
	Provider     ProviderID    // explicit provider, "auto" or "" for configured default
	DocumentHint *bool         // nil = detect
	MaxBytes     int64         // soft payload ceiling for the preparer (0 = preparer default)
	Timeout      time.Duration // per provider call (0 = configured default)
}

// RequestDefaults supplies values for unset request fields
type RequestDefaults struct {
	Language string
	Provider ProviderID
	Timeout  time.Duration
}

// WithDefaults returns a copy of the request with unset fields filled in
func (r RecognitionRequest) WithDefaults(d RequestDefaults) RecognitionRequest {
	out := r
	if strings.TrimSpace(out.Language) == "" {
		out.Language = d.Language
	}
	if out.Language == "" {
		out.Language = "eng"
	}
	if out.Provider == "" {
		out.Provider = d.Provider
	}
	if out.Provider == "" {
		out.Provider = ProviderAuto
	}
	if out.Timeout <= 0 {
		out.Timeout = d.Timeout
	}
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Second
	}
	if out.DocumentHint != nil {
		hint := *out.DocumentHint
		out.DocumentHint = &hint
	}
	return out
}

// EncodedImage is the transport-ready payload produced by the image preparer.
// It is owned by the call that produced it and never mutated.
type EncodedImage struct {
	Data       []byte
	MediaType  string
	SourceType string // sniffed type of the source bytes, before re-encoding
	Size       int64
	Width      int
	Height     int
	Path       string // temp artifact written by the preparer, may be empty
	Original   bool   // true when the preparer fell back to the source bytes
}

// RecognitionResult is the output of the orchestrator and the unit persisted by the result store
type RecognitionResult struct {
	ID             string     `json:"id"`
	ImageRef       string     `json:"imageRef"`
	RecognizedText string     `json:"recognizedText"`
	CreatedAt      time.Time  `json:"createdAt"`
	Provider       ProviderID `json:"provider"`
	PayloadBytes   int64      `json:"payloadBytes"`
	Language       string     `json:"language"`
	PreparedRef    string     `json:"preparedRef,omitempty"`
	DocumentHint   bool       `json:"documentHint"`
}

// Failed reports whether the result is the total-failure sentinel
func (r *RecognitionResult) Failed() bool {
	return r != nil && r.Provider == ProviderFailed
}
