/**
 * Vision Client - multimodal chat completion text extraction
 *
 * Talks to an OpenAI-compatible /chat/completions endpoint. The image travels
 * inline as a data URI, so there is no payload ceiling on this side.
 * Document-like images get a prompt that asks for the layout to be kept.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/scanocr-worker/internal/errors"
	"github.com/adverant/nexus/scanocr-worker/internal/logging"
	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
)

const (
	documentPrompt = "You are an OCR engine. Transcribe all text in the image exactly as written. " +
		"Preserve the document structure: keep headings on their own lines, keep list items as lists, " +
		"and render tables with one row per line and columns separated by tabs. " +
		"Do not summarize, translate or add commentary. Output only the transcribed text."

	photoPrompt = "You are an OCR engine. Extract all readable text from the photo. " +
		"Output only the text, in natural reading order, without commentary. " +
		"If there is no readable text, output nothing."
)

// VisionConfig holds vision provider settings
type VisionConfig struct {
	APIKey    string
	BaseURL   string // e.g. https://api.openai.com/v1
	Model     string
	MaxTokens int
}

// VisionClient handles communication with the chat completions API
type VisionClient struct {
	config     VisionConfig
	httpClient *http.Client
	logger     *logging.Logger
}

// ChatCompletionRequest is the subset of the chat completions request we send
type ChatCompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

// ChatMessage holds either plain string content or a list of content parts
type ChatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// ContentPart is one element of a multimodal user message
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries the inline image
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ChatCompletionResponse represents the response body
type ChatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string      `json:"message"`
	Type    string      `json:"type"`
	Code    interface{} `json:"code"` // string or number depending on the backend
}

// NewVisionClient creates a new vision provider client
func NewVisionClient(cfg VisionConfig) *VisionClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	return &VisionClient{
		config:     cfg,
		httpClient: &http.Client{},
		logger:     logging.NewLogger("VisionClient"),
	}
}

func (c *VisionClient) ID() ocr.ProviderID {
	return ocr.ProviderVision
}

func (c *VisionClient) Capability() ocr.ProviderCapability {
	return ocr.ProviderCapability{
		PrefersDocuments: true,
		Configured:       c.config.APIKey != "",
	}
}

// Recognize extracts text from the payload
func (c *VisionClient) Recognize(ctx context.Context, img *ocr.EncodedImage, language string, isDocument bool) (string, error) {
	if img == nil || len(img.Data) == 0 {
		return "", errors.NewProviderError(string(c.ID()), "EMPTY_PAYLOAD", "no image data to send", nil)
	}

	payload, err := json.Marshal(c.buildRequest(img, language, isDocument))
	if err != nil {
		return "", errors.NewUnknownError(string(c.ID()), fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", errors.NewUnknownError(string(c.ID()), fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	c.logger.Debug("Sending vision request",
		"model", c.config.Model,
		"bytes", len(img.Data),
		"document", isDocument,
		"language", language)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError(ctx, c.ID(), started, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(ctx, c.ID(), started, err)
	}

	var parsed ChatCompletionResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code := fmt.Sprintf("HTTP_%d", resp.StatusCode)
		msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
		if decodeErr == nil && parsed.Error != nil {
			if parsed.Error.Code != nil {
				code = fmt.Sprintf("%v", parsed.Error.Code)
			}
			msg = parsed.Error.Message
		}
		return "", errors.NewProviderError(string(c.ID()), code, msg, nil)
	}

	if decodeErr != nil {
		return "", errors.NewProviderError(string(c.ID()), "MALFORMED_RESPONSE", "failed to decode response", decodeErr)
	}
	if parsed.Error != nil {
		return "", errors.NewProviderError(string(c.ID()), fmt.Sprintf("%v", parsed.Error.Code), parsed.Error.Message, nil)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.NewProviderError(string(c.ID()), "EMPTY_RESPONSE", "response contained no choices", nil)
	}

	c.logger.Debug("Vision request complete",
		"model", parsed.Model,
		"tokens", parsed.Usage.TotalTokens,
		"duration_ms", time.Since(started).Milliseconds())

	return stripCodeFence(parsed.Choices[0].Message.Content), nil
}

// HealthCheck verifies the API key by listing models
func (c *VisionClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vision health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("vision health check returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

func (c *VisionClient) buildRequest(img *ocr.EncodedImage, language string, isDocument bool) *ChatCompletionRequest {
	system := photoPrompt
	instruction := "Extract the text from this image."
	if isDocument {
		system = documentPrompt
		instruction = "Transcribe this document."
	}
	if language != "" && language != "auto" {
		instruction += fmt.Sprintf(" The text is expected to be in language %q.", language)
	}

	return &ChatCompletionRequest{
		Model:     c.config.Model,
		MaxTokens: c.config.MaxTokens,
		Messages: []ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: []ContentPart{
				{Type: "text", Text: instruction},
				{Type: "image_url", ImageURL: &ImageURL{URL: ocr.DataURI(img.Data), Detail: "high"}},
			}},
		},
	}
}

// stripCodeFence removes a surrounding ``` block, which chat models like to add
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") || !strings.HasSuffix(trimmed, "```") || len(trimmed) < 6 {
		return s
	}
	inner := strings.TrimSuffix(trimmed[3:], "```")
	nl := strings.IndexByte(inner, '\n')
	if nl < 0 {
		return strings.TrimSpace(inner)
	}
	// drop the language tag on the opening fence line
	if tag := strings.TrimSpace(inner[:nl]); !strings.ContainsAny(tag, " \t") {
		inner = inner[nl+1:]
	}
	return inner
}
