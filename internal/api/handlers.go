package api

import (
	stderrors "errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/adverant/nexus/scanocr-worker/internal/errors"
	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
	"github.com/adverant/nexus/scanocr-worker/internal/queue"
	"github.com/adverant/nexus/scanocr-worker/internal/storage"
)

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrorImagePreparation:
		return http.StatusUnprocessableEntity
	case errors.ErrorConfiguration:
		return http.StatusServiceUnavailable
	case errors.ErrorProvider:
		return http.StatusBadGateway
	case errors.ErrorTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	if stderrors.Is(err, storage.ErrNotFound) || stderrors.Is(err, queue.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error_code": "NOT_FOUND", "message": err.Error()})
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, errors.ToMap(err))
}

func badRequest(c *gin.Context, format string, args ...interface{}) {
	c.JSON(http.StatusBadRequest, gin.H{"error_code": "BAD_REQUEST", "message": fmt.Sprintf(format, args...)})
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"service":   "scanocr-worker",
		"providers": s.config.Recognizer.Providers(),
	}
	if s.config.Queue != nil {
		if stats, err := s.config.Queue.Stats(c.Request.Context()); err == nil {
			body["queue"] = stats
		} else {
			body["queue_error"] = err.Error()
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) providers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.config.Recognizer.Providers()})
}

// requestOptions reads the optional form fields shared by the recognize endpoints
func requestOptions(c *gin.Context) (ocr.RecognitionRequest, error) {
	var req ocr.RecognitionRequest

	provider, ok := ocr.ParseProviderID(c.PostForm("provider"))
	if !ok {
		return req, fmt.Errorf("unknown provider %q", c.PostForm("provider"))
	}
	req.Provider = provider
	req.Language = strings.TrimSpace(c.PostForm("language"))

	if raw := c.PostForm("document"); raw != "" {
		hint, err := strconv.ParseBool(raw)
		if err != nil {
			return req, fmt.Errorf("document must be a boolean")
		}
		req.DocumentHint = &hint
	}
	if raw := c.PostForm("timeout_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			return req, fmt.Errorf("timeout_ms must be a positive integer")
		}
		req.Timeout = time.Duration(ms) * time.Millisecond
	}
	return req, nil
}

func (s *Server) saveRequested(c *gin.Context) bool {
	if raw := c.PostForm("save"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return s.config.SaveResults
}

// stageUpload writes an uploaded file into the scratch directory
func (s *Server) stageUpload(c *gin.Context, file *multipart.FileHeader) (string, error) {
	dir := s.config.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if ext == "" {
		ext = ".jpg"
	}
	path := filepath.Join(dir, "upload-"+uuid.NewString()+ext)
	if err := c.SaveUploadedFile(file, path); err != nil {
		return "", err
	}
	return path, nil
}

// persist saves a successful result when requested. Save failures are logged, not surfaced.
func (s *Server) persist(c *gin.Context, result *ocr.RecognitionResult, save bool) *ocr.RecognitionResult {
	if !save || s.config.Results == nil || result.Failed() {
		return result
	}
	stored, err := s.config.Results.Save(c.Request.Context(), result)
	if err != nil {
		s.logger.Warn("Failed to persist result", "result_id", result.ID, "error", err)
		return result
	}
	return stored
}

func (s *Server) recognize(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		badRequest(c, "image file is required")
		return
	}
	req, err := requestOptions(c)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}

	path, err := s.stageUpload(c, file)
	if err != nil {
		s.fail(c, errors.NewImagePreparationError(file.Filename, err))
		return
	}
	defer os.Remove(path)

	req.ImageRef = path
	req.Filename = file.Filename

	result, err := s.config.Recognizer.Recognize(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, s.persist(c, result, s.saveRequested(c)))
}

type batchItemResponse struct {
	Filename string                 `json:"filename"`
	Result   *ocr.RecognitionResult `json:"result"`
	Error    map[string]interface{} `json:"error,omitempty"`
}

func (s *Server) recognizeBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		badRequest(c, "multipart form is required")
		return
	}
	files := form.File["images"]
	if len(files) == 0 {
		badRequest(c, "at least one images file is required")
		return
	}
	opts, err := requestOptions(c)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}

	reqs := make([]ocr.RecognitionRequest, 0, len(files))
	for _, file := range files {
		path, err := s.stageUpload(c, file)
		if err != nil {
			s.fail(c, errors.NewImagePreparationError(file.Filename, err))
			return
		}
		defer os.Remove(path)

		req := opts
		req.ImageRef = path
		req.Filename = file.Filename
		reqs = append(reqs, req)
	}

	save := s.saveRequested(c)
	items := s.config.Recognizer.RecognizeBatch(c.Request.Context(), reqs)

	out := make([]batchItemResponse, len(items))
	for i, item := range items {
		out[i] = batchItemResponse{Filename: files[i].Filename, Result: item.Result}
		if item.Err != nil {
			out[i].Error = errors.ToMap(item.Err)
			continue
		}
		out[i].Result = s.persist(c, item.Result, save)
	}

	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (s *Server) submitJob(c *gin.Context) {
	if s.config.Queue == nil {
		s.fail(c, errors.NewConfigurationError("no job queue configured"))
		return
	}

	var payload queue.JobPayload
	if strings.HasPrefix(c.ContentType(), "application/json") {
		if err := c.ShouldBindJSON(&payload); err != nil {
			badRequest(c, "invalid job: %v", err)
			return
		}
		if payload.ImagePath == "" && len(payload.ImageData) == 0 {
			badRequest(c, "imagePath or imageBase64 is required")
			return
		}
	} else {
		file, err := c.FormFile("image")
		if err != nil {
			badRequest(c, "image file is required")
			return
		}
		data, err := readUpload(file)
		if err != nil {
			s.fail(c, errors.NewImagePreparationError(file.Filename, err))
			return
		}
		opts, err := requestOptions(c)
		if err != nil {
			badRequest(c, "%v", err)
			return
		}
		payload = queue.JobPayload{
			ImageData:    data,
			Filename:     file.Filename,
			Language:     opts.Language,
			Provider:     string(opts.Provider),
			DocumentHint: opts.DocumentHint,
			TimeoutMs:    opts.Timeout.Milliseconds(),
		}
	}

	if _, ok := ocr.ParseProviderID(payload.Provider); !ok {
		badRequest(c, "unknown provider %q", payload.Provider)
		return
	}

	job := queue.NewJob(payload)
	if err := s.config.Queue.Enqueue(c.Request.Context(), job); err != nil {
		s.logger.Error("Failed to enqueue job", "job_id", job.ID, "error", err)
		c.JSON(http.StatusServiceUnavailable, errors.ToMap(err))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "state": queue.StatusQueued})
}

func readUpload(file *multipart.FileHeader) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) jobStatus(c *gin.Context) {
	if s.config.Queue == nil {
		s.fail(c, errors.NewConfigurationError("no job queue configured"))
		return
	}
	status, err := s.config.Queue.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) requireResults(c *gin.Context) bool {
	if s.config.Results == nil {
		s.fail(c, errors.NewConfigurationError("no result store configured"))
		return false
	}
	return true
}

func (s *Server) listResults(c *gin.Context) {
	if !s.requireResults(c) {
		return
	}
	results, err := s.config.Results.ListAll(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

func (s *Server) getResult(c *gin.Context) {
	if !s.requireResults(c) {
		return
	}
	result, err := s.config.Results.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) deleteResult(c *gin.Context) {
	if !s.requireResults(c) {
		return
	}
	if err := s.config.Results.DeleteByID(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) clearResults(c *gin.Context) {
	if !s.requireResults(c) {
		return
	}
	if err := s.config.Results.Clear(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
