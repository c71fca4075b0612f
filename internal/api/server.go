/**
 * HTTP API for the scanocr worker
 *
 * Upload-and-recognize endpoints, result management, job submission and
 * the Prometheus scrape endpoint, served with gin.
 */

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adverant/nexus/scanocr-worker/internal/logging"
	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
	"github.com/adverant/nexus/scanocr-worker/internal/processor"
	"github.com/adverant/nexus/scanocr-worker/internal/queue"
)

const (
	EndPointHealth         = "/health"
	EndPointMetrics        = "/metrics"
	EndPointRecognize      = "/api/recognize"
	EndPointRecognizeBatch = "/api/recognize/batch"
	EndPointJobs           = "/api/jobs"
	EndPointJob            = "/api/jobs/:id"
	EndPointResults        = "/api/results"
	EndPointResult         = "/api/results/:id"
	EndPointProviders      = "/api/providers"
)

// ResultService is the result store surface the API needs. *storage.Manager implements it.
type ResultService interface {
	Save(ctx context.Context, result *ocr.RecognitionResult) (*ocr.RecognitionResult, error)
	ListAll(ctx context.Context) ([]*ocr.RecognitionResult, error)
	GetByID(ctx context.Context, id string) (*ocr.RecognitionResult, error)
	DeleteByID(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// JobQueue is the queue surface the API needs
type JobQueue interface {
	queue.Enqueuer
	Status(ctx context.Context, jobID string) (*queue.JobStatus, error)
	Stats(ctx context.Context) (map[string]int64, error)
}

// Config holds server dependencies
type Config struct {
	Recognizer     processor.Recognizer
	Results        ResultService // nil disables the results endpoints
	Queue          JobQueue      // nil disables job submission
	Registry       *prometheus.Registry
	TempDir        string
	SaveResults    bool  // default for the "save" form field
	MaxUploadBytes int64 // multipart memory ceiling
	Logger         *logging.Logger
}

// Server wires handlers onto a gin engine
type Server struct {
	engine  *gin.Engine
	handler http.Handler
	config  *Config
	logger  *logging.Logger
}

// NewServer builds the router
func NewServer(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("HTTPServer")
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))
	engine.MaxMultipartMemory = cfg.MaxUploadBytes

	s := &Server{engine: engine, config: cfg, logger: logger}
	s.routes()
	s.handler = instrument(cfg.Registry, engine)
	return s
}

func (s *Server) routes() {
	s.engine.GET(EndPointHealth, s.health)
	s.engine.GET(EndPointMetrics, gin.WrapH(promhttp.HandlerFor(s.config.Registry, promhttp.HandlerOpts{})))

	api := s.engine.Group("/")
	{
		api.POST(EndPointRecognize, s.recognize)
		api.POST(EndPointRecognizeBatch, s.recognizeBatch)
		api.GET(EndPointProviders, s.providers)

		api.POST(EndPointJobs, s.submitJob)
		api.GET(EndPointJob, s.jobStatus)

		api.GET(EndPointResults, s.listResults)
		api.DELETE(EndPointResults, s.clearResults)
		api.GET(EndPointResult, s.getResult)
		api.DELETE(EndPointResult, s.deleteResult)
	}
}

// Handler returns the instrumented root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// HTTPServer returns an http.Server bound to addr
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}
}
