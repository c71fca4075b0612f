/**
 * scanocr Worker - Main Entry Point
 *
 * Go worker for photo and document text recognition.
 *
 * Architecture:
 * - HTTP API (gin) for uploads, results and job submission
 * - optional Redis list or asynq consumer for queued jobs
 * - recognition pipeline: prepare, select provider, one fallback, normalize
 * - SQL result store (SQLite or PostgreSQL) with image artifacts on disk
 * - Prometheus metrics on /metrics
 */

package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/adverant/nexus/scanocr-worker/internal/api"
	"github.com/adverant/nexus/scanocr-worker/internal/config"
	"github.com/adverant/nexus/scanocr-worker/internal/logging"
	"github.com/adverant/nexus/scanocr-worker/internal/processor"
	"github.com/adverant/nexus/scanocr-worker/internal/queue"
	"github.com/adverant/nexus/scanocr-worker/internal/storage"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.NewLogger("Main").Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Configure(cfg.LogLevel, cfg.AppEnv, os.Stdout)
	logger := logging.NewLogger("Main")
	if envErr != nil {
		logger.Debug(".env not found, using system environment variables")
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	logger.Info("Opening result store", "driver", cfg.StoreDriver)
	store, err := storage.Open(ctx, cfg.StoreDriver, cfg.SQLitePath, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	results, err := storage.NewManager(store, cfg.ArtifactDir, cfg.TempDir, logging.NewLogger("StorageManager"))
	if err != nil {
		store.Close()
		return err
	}
	defer results.Close()

	proc, err := processor.NewFromConfig(cfg, processor.NewMetrics(registry))
	if err != nil {
		return err
	}
	for _, info := range proc.Providers() {
		logger.Info("Provider registered", "provider", info.ID, "configured", info.Capability.Configured, "max_bytes", info.Capability.MaxBytes)
	}
	proc.CheckProviders(ctx)

	var jobs queue.Queue
	if cfg.QueueEnabled() {
		jobs, err = startQueue(ctx, cfg, proc, results)
		if err != nil {
			return err
		}
	}

	apiCfg := &api.Config{
		Recognizer:  proc,
		Results:     results,
		Registry:    registry,
		TempDir:     cfg.TempDir,
		SaveResults: cfg.SaveResults,
		Logger:      logging.NewLogger("HTTPServer"),
	}
	if jobs != nil {
		apiCfg.Queue = jobs
	}
	srv := api.NewServer(apiCfg).HTTPServer(cfg.HTTPAddr)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("scanocr worker is ready", "default_provider", cfg.DefaultProvider, "queue", cfg.QueueEnabled())

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, initiating graceful shutdown")
	case err := <-serveErr:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Error stopping HTTP server", "error", err)
	}
	if jobs != nil {
		if err := jobs.Stop(shutdownCtx); err != nil {
			logger.Warn("Error stopping queue consumer", "error", err)
		}
	}

	logger.Info("Shutdown complete")
	return nil
}

func startQueue(ctx context.Context, cfg *config.Config, proc *processor.RecognitionProcessor, results *storage.Manager) (queue.Queue, error) {
	runner := &queue.JobRunner{
		Recognizer:  proc,
		Results:     results,
		SaveResults: cfg.SaveResults,
		TempDir:     cfg.TempDir,
		Logger:      logging.NewLogger("JobRunner"),
	}
	// preparation plus a primary and a fallback attempt
	jobTimeout := 2*cfg.Timeout + time.Minute

	var (
		q   queue.Queue
		err error
	)
	switch cfg.QueueBackend {
	case "asynq":
		q, err = queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:     cfg.RedisURL,
			QueueName:    cfg.QueueName,
			Runner:       runner,
			JobTimeout:   jobTimeout,
			RequestDelay: cfg.BatchDelay,
			Logger:       logging.NewLogger("AsynqConsumer"),
		})
	default:
		q, err = queue.NewRedisConsumer(ctx, &queue.RedisConsumerConfig{
			RedisURL:     cfg.RedisURL,
			QueueName:    cfg.QueueName,
			Runner:       runner,
			JobTimeout:   jobTimeout,
			RequestDelay: cfg.BatchDelay,
			Logger:       logging.NewLogger("RedisConsumer"),
		})
	}
	if err != nil {
		return nil, err
	}

	if err := q.Start(ctx); err != nil {
		return nil, err
	}
	return q, nil
}
