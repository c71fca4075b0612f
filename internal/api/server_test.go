package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/scanocr-worker/internal/errors"
	"github.com/adverant/nexus/scanocr-worker/internal/logging"
	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
	"github.com/adverant/nexus/scanocr-worker/internal/processor"
	"github.com/adverant/nexus/scanocr-worker/internal/queue"
	"github.com/adverant/nexus/scanocr-worker/internal/storage"
)

type fakeRecognizer struct {
	mu        sync.Mutex
	requests  []ocr.RecognitionRequest
	uploads   []string
	errByName map[string]error
}

func (f *fakeRecognizer) record(req ocr.RecognitionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	data, _ := os.ReadFile(req.ImageRef)
	f.uploads = append(f.uploads, string(data))
	return f.errByName[req.Filename]
}

func (f *fakeRecognizer) result(req ocr.RecognitionRequest) *ocr.RecognitionResult {
	return &ocr.RecognitionResult{
		ID:             "id-" + req.Filename,
		ImageRef:       req.ImageRef,
		RecognizedText: "Hello\nWorld",
		CreatedAt:      time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC),
		Provider:       ocr.ProviderBounded,
		Language:       "eng",
	}
}

func (f *fakeRecognizer) Recognize(ctx context.Context, req ocr.RecognitionRequest) (*ocr.RecognitionResult, error) {
	if err := f.record(req); err != nil {
		return nil, err
	}
	return f.result(req), nil
}

func (f *fakeRecognizer) RecognizeBatch(ctx context.Context, reqs []ocr.RecognitionRequest) []processor.BatchItem {
	items := make([]processor.BatchItem, len(reqs))
	for i, req := range reqs {
		if err := f.record(req); err != nil {
			items[i] = processor.BatchItem{
				Result: &ocr.RecognitionResult{ID: "failed", ImageRef: req.ImageRef, Provider: ocr.ProviderFailed},
				Err:    err,
			}
			continue
		}
		items[i] = processor.BatchItem{Result: f.result(req)}
	}
	return items
}

func (f *fakeRecognizer) Providers() []processor.ProviderInfo {
	return []processor.ProviderInfo{{ID: ocr.ProviderBounded, Capability: ocr.ProviderCapability{MaxBytes: 1024, Configured: true}}}
}

type memResults struct {
	items map[string]*ocr.RecognitionResult
	order []string
}

func newMemResults() *memResults {
	return &memResults{items: map[string]*ocr.RecognitionResult{}}
}

func (m *memResults) Save(ctx context.Context, r *ocr.RecognitionResult) (*ocr.RecognitionResult, error) {
	stored := *r
	stored.ImageRef = "/artifacts/" + r.ID + ".jpg"
	if _, ok := m.items[r.ID]; !ok {
		m.order = append(m.order, r.ID)
	}
	m.items[r.ID] = &stored
	return &stored, nil
}

func (m *memResults) ListAll(ctx context.Context) ([]*ocr.RecognitionResult, error) {
	out := []*ocr.RecognitionResult{}
	for _, id := range m.order {
		if r, ok := m.items[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memResults) GetByID(ctx context.Context, id string) (*ocr.RecognitionResult, error) {
	if r, ok := m.items[id]; ok {
		return r, nil
	}
	return nil, storage.ErrNotFound
}

func (m *memResults) DeleteByID(ctx context.Context, id string) error {
	if _, ok := m.items[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *memResults) Clear(ctx context.Context) error {
	m.items = map[string]*ocr.RecognitionResult{}
	m.order = nil
	return nil
}

type fakeQueue struct {
	jobs []*queue.Job
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *queue.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Status(ctx context.Context, jobID string) (*queue.JobStatus, error) {
	for _, j := range q.jobs {
		if j.ID == jobID {
			return &queue.JobStatus{JobID: jobID, State: queue.StatusQueued}, nil
		}
	}
	return nil, queue.ErrJobNotFound
}

func (q *fakeQueue) Stats(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{"waiting": int64(len(q.jobs))}, nil
}

type fixture struct {
	server *Server
	rec    *fakeRecognizer
	store  *memResults
	queue  *fakeQueue
	tmp    string
}

func newFixture(t *testing.T, withQueue bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		rec:   &fakeRecognizer{errByName: map[string]error{}},
		store: newMemResults(),
		tmp:   t.TempDir(),
	}
	cfg := &Config{
		Recognizer: f.rec,
		Results:    f.store,
		Registry:   prometheus.NewRegistry(),
		TempDir:    f.tmp,
		Logger:     logging.NewNop(),
	}
	if withQueue {
		f.queue = &fakeQueue{}
		cfg.Queue = f.queue
	}
	f.server = NewServer(cfg)
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func multipartRequest(t *testing.T, path, field string, files map[string]string, fields map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for name, content := range files {
		part, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestRecognizeUpload(t *testing.T) {
	f := newFixture(t, false)

	req := multipartRequest(t, EndPointRecognize, "image",
		map[string]string{"receipt.PNG": "png-bytes"},
		map[string]string{"provider": "vision", "language": "deu", "document": "true", "timeout_ms": "1500"})
	w := f.do(req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "Hello\nWorld", body["recognizedText"])
	assert.Equal(t, "bounded", body["provider"])

	require.Len(t, f.rec.requests, 1)
	got := f.rec.requests[0]
	assert.Equal(t, "receipt.PNG", got.Filename)
	assert.Equal(t, ocr.ProviderVision, got.Provider)
	assert.Equal(t, "deu", got.Language)
	assert.Equal(t, 1500*time.Millisecond, got.Timeout)
	require.NotNil(t, got.DocumentHint)
	assert.True(t, *got.DocumentHint)
	assert.True(t, strings.HasSuffix(got.ImageRef, ".png"))
	assert.Equal(t, "png-bytes", f.rec.uploads[0])

	assert.NoFileExists(t, got.ImageRef, "staged upload is removed")
	assert.Empty(t, f.store.items, "results are not saved unless requested")
}

func TestRecognizeSavesWhenRequested(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(multipartRequest(t, EndPointRecognize, "image",
		map[string]string{"a.jpg": "x"}, map[string]string{"save": "true"}))
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "/artifacts/id-a.jpg.jpg", body["imageRef"])
	assert.Contains(t, f.store.items, "id-a.jpg")
}

func TestRecognizeRejectsBadInput(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(multipartRequest(t, EndPointRecognize, "other", map[string]string{"a.jpg": "x"}, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(multipartRequest(t, EndPointRecognize, "image", map[string]string{"a.jpg": "x"}, map[string]string{"provider": "fax"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(multipartRequest(t, EndPointRecognize, "image", map[string]string{"a.jpg": "x"}, map[string]string{"timeout_ms": "-5"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, f.rec.requests)
}

func TestRecognizeErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{errors.NewImagePreparationError("a.jpg", nil), http.StatusUnprocessableEntity, "IMAGE_PREPARATION_FAILED"},
		{errors.NewConfigurationError("no providers"), http.StatusServiceUnavailable, "CONFIGURATION_ERROR"},
		{errors.NewProviderError("bounded", "HTTP_500", "boom", nil), http.StatusBadGateway, "PROVIDER_ERROR"},
		{errors.NewTimeoutError("vision", time.Second, nil), http.StatusGatewayTimeout, "TIMEOUT"},
		{errors.NewUnknownError("", nil), http.StatusInternalServerError, "UNKNOWN"},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			f := newFixture(t, false)
			f.rec.errByName["a.jpg"] = tc.err

			w := f.do(multipartRequest(t, EndPointRecognize, "image", map[string]string{"a.jpg": "x"}, nil))
			assert.Equal(t, tc.status, w.Code)

			body := decode(t, w)
			assert.Equal(t, tc.code, body["error_code"])
			assert.Contains(t, body, "retryable")
		})
	}
}

func TestRecognizeBatch(t *testing.T) {
	f := newFixture(t, false)
	f.rec.errByName["bad.jpg"] = errors.NewProviderError("bounded", "HTTP_500", "boom", nil)

	w := f.do(multipartRequest(t, EndPointRecognizeBatch, "images",
		map[string]string{"good.jpg": "g", "bad.jpg": "b"}, map[string]string{"save": "1"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Items []struct {
			Filename string                 `json:"filename"`
			Result   map[string]interface{} `json:"result"`
			Error    map[string]interface{} `json:"error"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Items, 2)

	for _, item := range body.Items {
		switch item.Filename {
		case "good.jpg":
			assert.Nil(t, item.Error)
			assert.Equal(t, "bounded", item.Result["provider"])
		case "bad.jpg":
			assert.Equal(t, "error", item.Result["provider"])
			assert.Equal(t, "PROVIDER_ERROR", item.Error["error_code"])
		default:
			t.Fatalf("unexpected item %q", item.Filename)
		}
	}
	assert.Len(t, f.store.items, 1, "only successful items are saved")
}

func TestResultsEndpoints(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, _ = f.store.Save(ctx, &ocr.RecognitionResult{ID: "r1", Provider: ocr.ProviderBounded})
	_, _ = f.store.Save(ctx, &ocr.RecognitionResult{ID: "r2", Provider: ocr.ProviderVision})

	w := f.do(httptest.NewRequest(http.MethodGet, EndPointResults, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/results/r2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "vision", decode(t, w)["provider"])

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/results/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(httptest.NewRequest(http.MethodDelete, "/api/results/r1", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(httptest.NewRequest(http.MethodDelete, "/api/results/r1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(httptest.NewRequest(http.MethodDelete, EndPointResults, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, f.store.items)
}

func TestJobsRequireQueue(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(multipartRequest(t, EndPointJobs, "image", map[string]string{"a.jpg": "x"}, nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "CONFIGURATION_ERROR", decode(t, w)["error_code"])
}

func TestSubmitJobs(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(multipartRequest(t, EndPointJobs, "image",
		map[string]string{"scan.jpg": "jpeg-bytes"}, map[string]string{"provider": "tesseract", "document": "false"}))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	jobID := decode(t, w)["jobId"].(string)

	require.Len(t, f.queue.jobs, 1)
	job := f.queue.jobs[0]
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, []byte("jpeg-bytes"), job.Payload.ImageData)
	assert.Equal(t, "scan.jpg", job.Payload.Filename)
	assert.Equal(t, "tesseract", job.Payload.Provider)
	require.NotNil(t, job.Payload.DocumentHint)
	assert.False(t, *job.Payload.DocumentHint)

	req := httptest.NewRequest(http.MethodPost, EndPointJobs, strings.NewReader(`{"imagePath":"/data/in.jpg","language":"fra"}`))
	req.Header.Set("Content-Type", "application/json")
	w = f.do(req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, f.queue.jobs, 2)
	assert.Equal(t, "/data/in.jpg", f.queue.jobs[1].Payload.ImagePath)

	req = httptest.NewRequest(http.MethodPost, EndPointJobs, strings.NewReader(`{"language":"fra"}`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "queued", decode(t, w)["state"])

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthProvidersAndMetrics(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(httptest.NewRequest(http.MethodGet, EndPointHealth, nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "queue")

	w = f.do(httptest.NewRequest(http.MethodGet, EndPointProviders, nil))
	require.Equal(t, http.StatusOK, w.Code)
	providers := decode(t, w)["providers"].([]interface{})
	require.Len(t, providers, 1)
	assert.Equal(t, "bounded", providers[0].(map[string]interface{})["id"])

	w = f.do(httptest.NewRequest(http.MethodGet, EndPointMetrics, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "scanocr_http_requests_total")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
