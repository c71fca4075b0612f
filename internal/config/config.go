/**
 * Configuration for the scanocr worker
 *
 * Loads configuration from environment variables (optionally seeded from .env).
 * Read once at startup and passed by reference; adapters never read the environment.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
)

// Config holds worker configuration
type Config struct {
	// Bounded text-extraction provider (OCR.space)
	OCRSpaceAPIKey   string
	OCRSpaceURL      string
	OCRSpaceMaxBytes int64
	OCRSpaceEngine   int

	// Vision chat provider (OpenAI-compatible)
	VisionAPIKey    string
	VisionURL       string
	VisionModel     string
	VisionMaxTokens int

	// Local tesseract engine
	TesseractEnabled bool

	// Recognition defaults
	DefaultProvider ocr.ProviderID
	DefaultLanguage string
	Timeout         time.Duration
	BatchDelay      time.Duration
	StructuredText  bool

	// Image preparation
	TargetWidth     int
	Quality         int
	FallbackQuality int
	SoftLimit       int64

	// Filesystem
	TempDir     string
	ArtifactDir string

	// Result store
	StoreDriver string
	SQLitePath  string
	DatabaseURL string
	SaveResults bool

	// Queue
	RedisURL     string
	QueueBackend string
	QueueName    string

	// Service
	HTTPAddr string
	LogLevel string
	AppEnv   string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		OCRSpaceAPIKey:   getEnvOrDefault("OCRSPACE_API_KEY", ""),
		OCRSpaceURL:      getEnvOrDefault("OCRSPACE_URL", "https://api.ocr.space/parse/image"),
		OCRSpaceMaxBytes: getEnvAsInt64OrDefault("OCRSPACE_MAX_BYTES", 1048576), // free tier: 1MB
		OCRSpaceEngine:   getEnvAsIntOrDefault("OCRSPACE_ENGINE", 2),
		VisionAPIKey:     getEnvOrDefault("VISION_API_KEY", os.Getenv("OPENAI_API_KEY")),
		VisionURL:        strings.TrimRight(getEnvOrDefault("VISION_URL", "https://api.openai.com/v1"), "/"),
		VisionModel:      getEnvOrDefault("VISION_MODEL", "gpt-4o-mini"),
		VisionMaxTokens:  getEnvAsIntOrDefault("VISION_MAX_TOKENS", 4096),
		TesseractEnabled: getEnvAsBoolOrDefault("TESSERACT_ENABLED", false),
		DefaultLanguage:  getEnvOrDefault("OCR_DEFAULT_LANGUAGE", "eng"),
		Timeout:          time.Duration(getEnvAsIntOrDefault("OCR_TIMEOUT_MS", 30000)) * time.Millisecond,
		BatchDelay:       time.Duration(getEnvAsIntOrDefault("OCR_BATCH_DELAY_MS", 1000)) * time.Millisecond,
		StructuredText:   getEnvAsBoolOrDefault("STRUCTURED_TEXT", true),
		TargetWidth:      getEnvAsIntOrDefault("PREPARE_TARGET_WIDTH", 2048),
		Quality:          getEnvAsIntOrDefault("PREPARE_QUALITY", 95),
		FallbackQuality:  getEnvAsIntOrDefault("PREPARE_FALLBACK_QUALITY", 80),
		SoftLimit:        getEnvAsInt64OrDefault("PREPARE_SOFT_LIMIT", 1000000),
		TempDir:          getEnvOrDefault("TEMP_DIR", "/tmp/scanocr"),
		ArtifactDir:      getEnvOrDefault("ARTIFACT_DIR", "./data/images"),
		StoreDriver:      strings.ToLower(getEnvOrDefault("STORE_DRIVER", "sqlite")),
		SQLitePath:       getEnvOrDefault("SQLITE_PATH", "./data/scanocr.db"),
		DatabaseURL:      getEnvOrDefault("DATABASE_URL", ""),
		SaveResults:      getEnvAsBoolOrDefault("SAVE_RESULTS", true),
		RedisURL:         getEnvOrDefault("REDIS_URL", ""),
		QueueBackend:     strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", "redis")),
		QueueName:        getEnvOrDefault("QUEUE_NAME", "scanocr:jobs"),
		HTTPAddr:         getEnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:         getEnvOrDefault("LOG_LEVEL", "info"),
		AppEnv:           getEnvOrDefault("APP_ENV", "development"),
	}

	provider, ok := ocr.ParseProviderID(getEnvOrDefault("OCR_DEFAULT_PROVIDER", "auto"))
	if !ok {
		return nil, fmt.Errorf("configuration validation failed: unknown OCR_DEFAULT_PROVIDER %q", os.Getenv("OCR_DEFAULT_PROVIDER"))
	}
	if provider == "" {
		provider = ocr.ProviderAuto
	}
	cfg.DefaultProvider = provider

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// ProviderEnabled reports whether credentials (or the local engine) are present for id
func (c *Config) ProviderEnabled(id ocr.ProviderID) bool {
	switch id {
	case ocr.ProviderBounded:
		return c.OCRSpaceAPIKey != ""
	case ocr.ProviderVision:
		return c.VisionAPIKey != ""
	case ocr.ProviderTesseract:
		return c.TesseractEnabled
	}
	return false
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	enabled := 0
	for _, id := range ocr.KnownProviders {
		if c.ProviderEnabled(id) {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no recognition provider configured: set OCRSPACE_API_KEY, VISION_API_KEY or TESSERACT_ENABLED")
	}

	if c.DefaultProvider != ocr.ProviderAuto && !c.ProviderEnabled(c.DefaultProvider) {
		return fmt.Errorf("OCR_DEFAULT_PROVIDER %q is not configured", c.DefaultProvider)
	}

	if c.OCRSpaceMaxBytes < 1024 {
		return fmt.Errorf("OCRSPACE_MAX_BYTES must be at least 1KB, got %d", c.OCRSpaceMaxBytes)
	}

	if c.OCRSpaceEngine < 1 || c.OCRSpaceEngine > 3 {
		return fmt.Errorf("OCRSPACE_ENGINE must be 1, 2 or 3, got %d", c.OCRSpaceEngine)
	}

	if c.Timeout < time.Second || c.Timeout > 10*time.Minute {
		return fmt.Errorf("OCR_TIMEOUT_MS must be between 1s and 10m, got %v", c.Timeout)
	}

	if c.BatchDelay < 0 {
		return fmt.Errorf("OCR_BATCH_DELAY_MS must not be negative, got %v", c.BatchDelay)
	}

	if c.TargetWidth < 256 || c.TargetWidth > 8192 {
		return fmt.Errorf("PREPARE_TARGET_WIDTH must be between 256 and 8192, got %d", c.TargetWidth)
	}

	if c.Quality < 1 || c.Quality > 100 || c.FallbackQuality < 1 || c.FallbackQuality > 100 {
		return fmt.Errorf("PREPARE_QUALITY and PREPARE_FALLBACK_QUALITY must be between 1 and 100")
	}

	if c.FallbackQuality > c.Quality {
		return fmt.Errorf("PREPARE_FALLBACK_QUALITY (%d) must not exceed PREPARE_QUALITY (%d)", c.FallbackQuality, c.Quality)
	}

	switch c.StoreDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite store")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite or postgres, got %q", c.StoreDriver)
	}

	if c.QueueBackend != "redis" && c.QueueBackend != "asynq" {
		return fmt.Errorf("QUEUE_BACKEND must be redis or asynq, got %q", c.QueueBackend)
	}

	return nil
}

// QueueEnabled reports whether a job queue should be started
func (c *Config) QueueEnabled() bool {
	return c.RedisURL != ""
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
