package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/scanocr-worker/internal/errors"
	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

func testImage(data []byte) *ocr.EncodedImage {
	return &ocr.EncodedImage{Data: data, Size: int64(len(data)), MediaType: ocr.MediaTypeOrDefault(data)}
}

func TestOCRSpaceRecognize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("apikey"))
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.True(t, strings.HasPrefix(r.FormValue("base64Image"), "data:image/png;base64,"))
		assert.Equal(t, "ger", r.FormValue("language"))
		assert.Equal(t, "2", r.FormValue("OCREngine"))
		assert.Equal(t, "true", r.FormValue("scale"))
		assert.Equal(t, "true", r.FormValue("detectOrientation"))
		assert.Equal(t, "true", r.FormValue("isTable"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ParsedResults":[{"ParsedText":"Hello\r\n","FileParseExitCode":1},{"ParsedText":"World","FileParseExitCode":1}],"OCRExitCode":1,"IsErroredOnProcessing":false}`)
	}))
	defer server.Close()

	client := NewOCRSpaceClient(OCRSpaceConfig{APIKey: "secret", URL: server.URL})
	text, err := client.Recognize(context.Background(), testImage(pngHeader), "ger", true)
	require.NoError(t, err)
	assert.Equal(t, "Hello\r\n\nWorld", text)
}

func TestOCRSpaceProcessingError(t *testing.T) {
	testCases := []struct {
		name    string
		body    string
		code    string
		message string
	}{
		{"list message", `{"OCRExitCode":3,"IsErroredOnProcessing":true,"ErrorMessage":["File failed validation","E301"]}`, "OCR_EXIT_3", "File failed validation; E301"},
		{"string message", `{"OCRExitCode":4,"IsErroredOnProcessing":true,"ErrorMessage":"Timed out waiting for results"}`, "OCR_EXIT_4", "Timed out waiting for results"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tc.body)
			}))
			defer server.Close()

			client := NewOCRSpaceClient(OCRSpaceConfig{APIKey: "k", URL: server.URL})
			_, err := client.Recognize(context.Background(), testImage(pngHeader), "eng", false)

			re := errors.As(err)
			require.NotNil(t, re)
			assert.Equal(t, errors.ErrorProvider, re.Code)
			assert.Equal(t, tc.code, re.ProviderCode)
			assert.Equal(t, tc.message, re.Message)
			assert.Equal(t, "bounded", re.Provider)
		})
	}
}

func TestOCRSpaceHTTPAndMalformed(t *testing.T) {
	status := http.StatusServiceUnavailable
	body := "down"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	client := NewOCRSpaceClient(OCRSpaceConfig{APIKey: "k", URL: server.URL})

	_, err := client.Recognize(context.Background(), testImage(pngHeader), "eng", false)
	assert.Equal(t, "HTTP_503", errors.As(err).ProviderCode)

	status, body = http.StatusOK, "<html>"
	_, err = client.Recognize(context.Background(), testImage(pngHeader), "eng", false)
	assert.Equal(t, "MALFORMED_RESPONSE", errors.As(err).ProviderCode)
}

func TestOCRSpaceRejectsOversizedPayload(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	client := NewOCRSpaceClient(OCRSpaceConfig{APIKey: "k", URL: server.URL, MaxBytes: 16})
	assert.Equal(t, int64(16), client.Capability().MaxBytes)

	_, err := client.Recognize(context.Background(), testImage(make([]byte, 17)), "eng", false)
	require.Error(t, err)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", errors.As(err).ProviderCode)
	assert.False(t, called)
}

func TestOCRSpaceTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewOCRSpaceClient(OCRSpaceConfig{APIKey: "k", URL: server.URL})
	_, err := client.Recognize(ctx, testImage(pngHeader), "eng", false)
	assert.Equal(t, errors.ErrorTimeout, errors.CodeOf(err))
	assert.True(t, errors.IsFallbackEligible(err))
}

func TestVisionRecognize(t *testing.T) {
	var captured ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var raw map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &raw))
		captured.Model = raw["model"].(string)
		captured.Messages = make([]ChatMessage, 0)
		for _, m := range raw["messages"].([]interface{}) {
			msg := m.(map[string]interface{})
			captured.Messages = append(captured.Messages, ChatMessage{Role: msg["role"].(string), Content: msg["content"]})
		}

		fmt.Fprint(w, `{"model":"gpt-4o-mini","choices":[{"message":{"content":"`+"```text\\nTitle\\n\\n- a\\n```"+`"}}]}`)
	}))
	defer server.Close()

	client := NewVisionClient(VisionConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1/"})
	text, err := client.Recognize(context.Background(), testImage(pngHeader), "fra", true)
	require.NoError(t, err)
	assert.Equal(t, "Title\n\n- a\n", text)

	assert.Equal(t, "gpt-4o-mini", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, documentPrompt, captured.Messages[0].Content)

	parts := captured.Messages[1].Content.([]interface{})
	require.Len(t, parts, 2)
	assert.Contains(t, parts[0].(map[string]interface{})["text"], `"fra"`)
	image := parts[1].(map[string]interface{})["image_url"].(map[string]interface{})
	assert.True(t, strings.HasPrefix(image["url"].(string), "data:image/png;base64,"))
	assert.Equal(t, "high", image["detail"])
}

func TestVisionPhotoPromptWithoutLanguageHint(t *testing.T) {
	client := NewVisionClient(VisionConfig{APIKey: "k"})
	req := client.buildRequest(testImage(pngHeader), "auto", false)

	assert.Equal(t, photoPrompt, req.Messages[0].Content)
	parts := req.Messages[1].Content.([]ContentPart)
	assert.NotContains(t, parts[0].Text, "language")
}

func TestVisionErrors(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		body   string
		code   string
	}{
		{"empty choices", 200, `{"choices":[]}`, "EMPTY_RESPONSE"},
		{"malformed", 200, `not json`, "MALFORMED_RESPONSE"},
		{"api error", 401, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`, "invalid_api_key"},
		{"bare status", 502, `bad gateway`, "HTTP_502"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer server.Close()

			client := NewVisionClient(VisionConfig{APIKey: "k", BaseURL: server.URL})
			_, err := client.Recognize(context.Background(), testImage(pngHeader), "eng", false)
			re := errors.As(err)
			require.NotNil(t, re)
			assert.Equal(t, errors.ErrorProvider, re.Code)
			assert.Equal(t, tc.code, re.ProviderCode)
		})
	}
}

func TestVisionHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/models", r.URL.Path)
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer server.Close()

	assert.NoError(t, NewVisionClient(VisionConfig{APIKey: "good", BaseURL: server.URL}).HealthCheck(context.Background()))
	assert.Error(t, NewVisionClient(VisionConfig{APIKey: "bad", BaseURL: server.URL}).HealthCheck(context.Background()))
}

func TestVisionCapability(t *testing.T) {
	c := NewVisionClient(VisionConfig{APIKey: "k"}).Capability()
	assert.True(t, c.PrefersDocuments)
	assert.True(t, c.Configured)
	assert.Equal(t, int64(0), c.MaxBytes)
	assert.True(t, c.Viable(50<<20))
}

func TestStripCodeFence(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{"bare fence", "```\nhello\n```", "hello\n"},
		{"language tag", "```text\nhello\n```", "hello\n"},
		{"single line", "```Total: 42.00```", "Total: 42.00"},
		{"single line padded", "``` Total ```", "Total"},
		{"first line is content", "```Total: 42.00\nTax: 4.20\n```", "Total: 42.00\nTax: 4.20\n"},
		{"plain", "plain", "plain"},
		{"inline fence", "a ``` b", "a ``` b"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, stripCodeFence(tc.in))
		})
	}
}

func TestTesseractLanguageAndTimeout(t *testing.T) {
	client := NewTesseractClient(TesseractConfig{Enabled: true})

	var gotLang string
	client.run = func(data []byte, language string) (string, error) {
		gotLang = language
		return "local text", nil
	}
	text, err := client.Recognize(context.Background(), testImage(pngHeader), "auto", false)
	require.NoError(t, err)
	assert.Equal(t, "local text", text)
	assert.Equal(t, "eng", gotLang)

	block := make(chan struct{})
	defer close(block)
	client.run = func(data []byte, language string) (string, error) {
		<-block
		return "too late", nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Recognize(ctx, testImage(pngHeader), "eng", false)
	assert.Equal(t, errors.ErrorTimeout, errors.CodeOf(err))

	client.run = func(data []byte, language string) (string, error) {
		return "", fmt.Errorf("Failed loading language 'xyz'")
	}
	_, err = client.Recognize(context.Background(), testImage(pngHeader), "xyz", false)
	assert.Equal(t, "TESSERACT_FAILED", errors.As(err).ProviderCode)

	assert.False(t, NewTesseractClient(TesseractConfig{}).Capability().Configured)
}
