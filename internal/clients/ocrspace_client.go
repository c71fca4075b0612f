/**
 * OCR.space Client - size-bounded text extraction
 *
 * Sends the prepared image as a base64 data URI in a multipart form.
 * The free tier rejects payloads above 1MB, so the ceiling is enforced
 * before any bytes leave the process.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/scanocr-worker/internal/errors"
	"github.com/adverant/nexus/scanocr-worker/internal/logging"
	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
)

// OCRSpaceConfig holds bounded provider settings
type OCRSpaceConfig struct {
	APIKey   string
	URL      string
	MaxBytes int64 // payload ceiling, default 1 MiB
	Engine   int   // OCREngine form value, default 2
}

// OCRSpaceClient handles communication with the OCR.space parse endpoint
type OCRSpaceClient struct {
	config     OCRSpaceConfig
	httpClient *http.Client
	logger     *logging.Logger
}

// OCRSpaceResponse represents the parse/image response body
type OCRSpaceResponse struct {
	ParsedResults []struct {
		ParsedText        string      `json:"ParsedText"`
		FileParseExitCode int         `json:"FileParseExitCode"`
		ErrorMessage      string      `json:"ErrorMessage"`
		ErrorDetails      string      `json:"ErrorDetails"`
		TextOverlay       interface{} `json:"TextOverlay,omitempty"`
	} `json:"ParsedResults"`
	OCRExitCode           int             `json:"OCRExitCode"`
	IsErroredOnProcessing bool            `json:"IsErroredOnProcessing"`
	ErrorMessage          json.RawMessage `json:"ErrorMessage,omitempty"` // string or []string
	ErrorDetails          string          `json:"ErrorDetails,omitempty"`
}

// NewOCRSpaceClient creates a new bounded provider client
func NewOCRSpaceClient(cfg OCRSpaceConfig) *OCRSpaceClient {
	if cfg.URL == "" {
		cfg.URL = "https://api.ocr.space/parse/image"
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 1 << 20
	}
	if cfg.Engine == 0 {
		cfg.Engine = 2
	}

	return &OCRSpaceClient{
		config: cfg,
		// deadlines come from the request context
		httpClient: &http.Client{},
		logger:     logging.NewLogger("OCRSpaceClient"),
	}
}

func (c *OCRSpaceClient) ID() ocr.ProviderID {
	return ocr.ProviderBounded
}

func (c *OCRSpaceClient) Capability() ocr.ProviderCapability {
	return ocr.ProviderCapability{
		MaxBytes:   c.config.MaxBytes,
		Configured: c.config.APIKey != "",
	}
}

// Recognize extracts text from the payload
func (c *OCRSpaceClient) Recognize(ctx context.Context, img *ocr.EncodedImage, language string, isDocument bool) (string, error) {
	if img == nil || len(img.Data) == 0 {
		return "", errors.NewProviderError(string(c.ID()), "EMPTY_PAYLOAD", "no image data to send", nil)
	}
	if int64(len(img.Data)) > c.config.MaxBytes {
		return "", errors.NewProviderError(string(c.ID()), "PAYLOAD_TOO_LARGE",
			fmt.Sprintf("payload of %d bytes exceeds the %d byte limit", len(img.Data), c.config.MaxBytes), nil)
	}

	body, contentType, err := c.buildForm(img, language, isDocument)
	if err != nil {
		return "", errors.NewUnknownError(string(c.ID()), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, body)
	if err != nil {
		return "", errors.NewUnknownError(string(c.ID()), fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("apikey", c.config.APIKey)

	c.logger.Debug("Sending OCR.space request",
		"bytes", len(img.Data),
		"language", language,
		"engine", c.config.Engine,
		"is_table", isDocument)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError(ctx, c.ID(), started, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(c.ID(), resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(ctx, c.ID(), started, err)
	}

	var parsed OCRSpaceResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", errors.NewProviderError(string(c.ID()), "MALFORMED_RESPONSE", "failed to decode response", err)
	}

	if parsed.IsErroredOnProcessing {
		return "", errors.NewProviderError(string(c.ID()),
			fmt.Sprintf("OCR_EXIT_%d", parsed.OCRExitCode),
			joinErrorMessage(parsed.ErrorMessage, parsed.ErrorDetails),
			nil)
	}

	texts := make([]string, 0, len(parsed.ParsedResults))
	for _, r := range parsed.ParsedResults {
		texts = append(texts, r.ParsedText)
	}

	c.logger.Debug("OCR.space request complete",
		"regions", len(parsed.ParsedResults),
		"duration_ms", time.Since(started).Milliseconds())

	return strings.Join(texts, "\n"), nil
}

func (c *OCRSpaceClient) buildForm(img *ocr.EncodedImage, language string, isDocument bool) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	fields := []struct{ key, value string }{
		{"base64Image", ocr.DataURI(img.Data)},
		{"language", ocrSpaceLanguage(language)},
		{"OCREngine", strconv.Itoa(c.config.Engine)},
		{"scale", "true"},
		{"detectOrientation", "true"},
		{"isTable", strconv.FormatBool(isDocument)},
	}
	for _, f := range fields {
		if err := writer.WriteField(f.key, f.value); err != nil {
			return nil, "", fmt.Errorf("failed to write %s field: %w", f.key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}

// ocrSpaceLanguage maps the hint onto the provider's language codes. Engine 2 auto-detects with "auto".
func ocrSpaceLanguage(language string) string {
	if language == "" {
		return "eng"
	}
	return language
}

// joinErrorMessage flattens ErrorMessage, which the API returns as either a string or a list
func joinErrorMessage(raw json.RawMessage, details string) string {
	msg := ""
	if len(raw) > 0 {
		var list []string
		var single string
		if err := json.Unmarshal(raw, &list); err == nil {
			msg = strings.Join(list, "; ")
		} else if err := json.Unmarshal(raw, &single); err == nil {
			msg = single
		}
	}
	if details != "" {
		if msg != "" {
			msg += ": "
		}
		msg += details
	}
	if msg == "" {
		msg = "provider reported a processing error"
	}
	return msg
}
