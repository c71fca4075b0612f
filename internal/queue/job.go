/**
 * Recognition jobs
 *
 * Wire format shared by the redis list consumer, the asynq consumer and the
 * HTTP enqueue endpoint, plus the runner that turns a job into a stored result.
 */

package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/scanocr-worker/internal/errors"
	"github.com/adverant/nexus/scanocr-worker/internal/logging"
	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
)

// TaskTypeRecognize is the asynq task type and the redis job type
const TaskTypeRecognize = "recognize-image"

// Job represents a job from the queue
type Job struct {
	ID        string     `json:"id"`
	Type      string     `json:"type,omitempty"`
	Payload   JobPayload `json:"payload"`
	CreatedAt time.Time  `json:"createdAt"`
}

// JobPayload contains the recognition request. Exactly one of ImagePath or ImageData is set.
type JobPayload struct {
	JobID        string `json:"jobId"`
	ImagePath    string `json:"imagePath,omitempty"`
	ImageData    []byte `json:"imageBase64,omitempty"` // set by custom UnmarshalJSON
	Filename     string `json:"filename,omitempty"`
	Language     string `json:"language,omitempty"`
	Provider     string `json:"provider,omitempty"`
	DocumentHint *bool  `json:"documentHint,omitempty"`
	TimeoutMs    int64  `json:"timeoutMs,omitempty"`
}

// UnmarshalJSON accepts imageBase64 as a base64 string (optionally a data URI)
// or as a Node.js Buffer object ({"type":"Buffer","data":[...]})
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		ImageData interface{} `json:"imageBase64,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	p.ImageData = nil
	if aux.ImageData == nil {
		return nil
	}

	switch v := aux.ImageData.(type) {
	case string:
		if i := indexBase64Marker(v); i >= 0 {
			v = v[i:]
		}
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 imageBase64: %w", err)
		}
		p.ImageData = decoded

	case map[string]interface{}:
		bufferType, _ := v["type"].(string)
		if bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.ImageData = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.ImageData[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("imageBase64 must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// indexBase64Marker returns where the payload starts in a data URI, or -1
func indexBase64Marker(s string) int {
	const marker = ";base64,"
	if len(s) < 5 || s[:5] != "data:" {
		return -1
	}
	for i := 5; i+len(marker) <= len(s); i++ {
		if s[i:i+len(marker)] == marker {
			return i + len(marker)
		}
	}
	return -1
}

// NewJob builds a job with fresh ids
func NewJob(payload JobPayload) *Job {
	if payload.JobID == "" {
		payload.JobID = uuid.NewString()
	}
	return &Job{
		ID:        payload.JobID,
		Type:      TaskTypeRecognize,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Recognizer is the subset of the processor used by job runners
type Recognizer interface {
	Recognize(ctx context.Context, req ocr.RecognitionRequest) (*ocr.RecognitionResult, error)
}

// ResultSaver persists successful results
type ResultSaver interface {
	Save(ctx context.Context, result *ocr.RecognitionResult) (*ocr.RecognitionResult, error)
}

// Enqueuer submits jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, job *Job) error
}

// JobRunner turns a job into a recognition and, optionally, a stored result
type JobRunner struct {
	Recognizer  Recognizer
	Results     ResultSaver // nil disables persistence
	SaveResults bool
	TempDir     string
	Logger      *logging.Logger
}

// Run processes one job. Failures are returned as taxonomy errors and never retried.
func (r *JobRunner) Run(ctx context.Context, job *Job) (*ocr.RecognitionResult, error) {
	logger := r.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.With("job_id", job.Payload.JobID)

	req, cleanup, err := r.buildRequest(job)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	logger.Info("Processing recognition job", "filename", req.Filename, "provider", req.Provider)

	result, err := r.Recognizer.Recognize(ctx, req)
	if err != nil {
		return nil, err
	}

	if r.SaveResults && r.Results != nil {
		stored, err := r.Results.Save(ctx, result)
		if err != nil {
			logger.Warn("Failed to persist result", "result_id", result.ID, "error", err)
			return result, nil
		}
		result = stored
	}

	return result, nil
}

func (r *JobRunner) buildRequest(job *Job) (ocr.RecognitionRequest, func(), error) {
	noop := func() {}
	p := job.Payload

	provider, ok := ocr.ParseProviderID(p.Provider)
	if !ok {
		return ocr.RecognitionRequest{}, noop, errors.NewConfigurationError(fmt.Sprintf("unknown provider %q", p.Provider))
	}

	req := ocr.RecognitionRequest{
		ImageRef:     p.ImagePath,
		Filename:     p.Filename,
		Language:     p.Language,
		Provider:     provider,
		DocumentHint: p.DocumentHint,
		Timeout:      time.Duration(p.TimeoutMs) * time.Millisecond,
	}

	if len(p.ImageData) == 0 {
		if req.ImageRef == "" {
			return req, noop, errors.NewImagePreparationError(job.ID, fmt.Errorf("job carries neither imagePath nor imageBase64"))
		}
		return req, noop, nil
	}

	dir := r.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return req, noop, errors.NewImagePreparationError(job.ID, err)
	}
	path := filepath.Join(dir, "job-"+uuid.NewString()+ocr.ExtensionFor(ocr.MediaTypeOrDefault(p.ImageData)))
	if err := os.WriteFile(path, p.ImageData, 0o644); err != nil {
		return req, noop, errors.NewImagePreparationError(job.ID, err)
	}

	req.ImageRef = path
	return req, func() { os.Remove(path) }, nil
}
