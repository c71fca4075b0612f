/**
 * Direct Redis Queue Consumer for the scanocr worker
 *
 * Compatible with producers that push job ids onto a Redis LIST and keep
 * the job JSON in the "<queue>:data" hash. A single worker drains the list
 * so provider calls stay strictly sequential.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/scanocr-worker/internal/errors"
	"github.com/adverant/nexus/scanocr-worker/internal/logging"
)

// Job states shared by both queue backends
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrJobNotFound is returned when a job id is unknown to the queue
var ErrJobNotFound = stderrors.New("job not found")

var errNoJobs = stderrors.New("no jobs available")

// JobStatus is the externally visible state of a job
type JobStatus struct {
	JobID  string          `json:"jobId"`
	State  string          `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Queue is implemented by both backends
type Queue interface {
	Enqueuer
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context, jobID string) (*JobStatus, error)
	Stats(ctx context.Context) (map[string]int64, error)
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL     string
	QueueName    string
	Runner       *JobRunner
	JobTimeout   time.Duration // whole-job ceiling, covers preparation plus fallback
	RequestDelay time.Duration // pause between consecutive jobs
	Logger       *logging.Logger
}

// RedisConsumer handles job consumption from a Redis list
type RedisConsumer struct {
	client redis.UniversalClient
	config *RedisConsumerConfig
	logger *logging.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(ctx context.Context, cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("Runner is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "scanocr:jobs"
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("RedisConsumer")
	}

	return newRedisConsumer(client, cfg, logger), nil
}

func newRedisConsumer(client redis.UniversalClient, cfg *RedisConsumerConfig, logger *logging.Logger) *RedisConsumer {
	return &RedisConsumer{client: client, config: cfg, logger: logger}
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// Enqueue stores the job data and pushes its id onto the list
func (c *RedisConsumer) Enqueue(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.key("data"), job.ID, data)
	pipe.LPush(ctx, c.config.QueueName, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	c.publish(ctx, job.ID, StatusQueued)
	return nil
}

// Start launches the single worker goroutine
func (c *RedisConsumer) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.logger.Info("Starting Redis queue consumer", "queue", c.config.QueueName)

	c.wg.Add(1)
	go c.worker(workerCtx)
	return nil
}

// Stop gracefully stops the consumer. The job in flight is cancelled.
func (c *RedisConsumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("Queue consumer did not stop in time")
	}
	return c.client.Close()
}

func (c *RedisConsumer) worker(ctx context.Context) {
	defer c.wg.Done()

	for {
		if ctx.Err() != nil {
			c.logger.Info("Worker stopping")
			return
		}

		processed, err := c.processNextJob(ctx)
		switch {
		case err == nil:
		case stderrors.Is(err, errNoJobs), ctx.Err() != nil:
			continue
		default:
			c.logger.Error("Worker error", "error", err)
			sleepContext(ctx, time.Second)
			continue
		}

		if processed && c.config.RequestDelay > 0 {
			sleepContext(ctx, c.config.RequestDelay)
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob(ctx context.Context) (bool, error) {
	popped, err := c.client.BRPop(ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return false, errNoJobs
		}
		return false, fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(popped) < 2 {
		return false, fmt.Errorf("invalid job result")
	}
	jobID := popped[1]

	raw, err := c.client.HGet(ctx, c.key("data"), jobID).Result()
	if err != nil {
		c.markFailed(ctx, jobID, errors.NewConfigurationError(fmt.Sprintf("job data missing: %v", err)))
		return false, fmt.Errorf("failed to get job data: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		c.markFailed(ctx, jobID, errors.NewConfigurationError(fmt.Sprintf("malformed job: %v", err)))
		return false, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.ID == "" {
		job.ID = jobID
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = jobID
	}

	c.updateJobStatus(ctx, job.ID, StatusProcessing, nil)

	jobCtx, cancel := context.WithTimeout(ctx, c.config.JobTimeout)
	defer cancel()

	started := time.Now()
	result, err := c.config.Runner.Run(jobCtx, &job)
	if err != nil {
		c.logger.Warn("Job failed", "job_id", job.ID, "duration_ms", time.Since(started).Milliseconds(), "error", err)
		c.markFailed(ctx, job.ID, err)
		return true, nil
	}

	c.updateJobStatus(ctx, job.ID, StatusCompleted, result)
	c.logger.Info("Job completed", "job_id", job.ID, "provider", result.Provider, "duration_ms", time.Since(started).Milliseconds())
	return true, nil
}

func (c *RedisConsumer) markFailed(ctx context.Context, jobID string, err error) {
	c.updateJobStatus(ctx, jobID, StatusFailed, errors.ToMap(err))
}

// updateJobStatus moves the job between the status sets and publishes an event
func (c *RedisConsumer) updateJobStatus(ctx context.Context, jobID, status string, payload interface{}) {
	// status writes must land even when the worker is shutting down
	ctx = context.WithoutCancel(ctx)

	switch status {
	case StatusProcessing:
		c.client.SAdd(ctx, c.key("processing"), jobID)
	case StatusCompleted:
		c.client.SRem(ctx, c.key("processing"), jobID)
		c.client.SAdd(ctx, c.key("completed"), jobID)
		if payload != nil {
			data, _ := json.Marshal(payload)
			c.client.HSet(ctx, c.key("results"), jobID, data)
		}
	case StatusFailed:
		c.client.SRem(ctx, c.key("processing"), jobID)
		c.client.SAdd(ctx, c.key("failed"), jobID)
		if payload != nil {
			data, _ := json.Marshal(payload)
			c.client.HSet(ctx, c.key("errors"), jobID, data)
		}
	}

	c.publish(ctx, jobID, status)
}

func (c *RedisConsumer) publish(ctx context.Context, jobID, status string) {
	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	data, _ := json.Marshal(event)
	if err := c.client.Publish(ctx, c.key("events"), data).Err(); err != nil {
		c.logger.Debug("Event publish failed", "job_id", jobID, "error", err)
	}
}

// Status reports where a job is
func (c *RedisConsumer) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	status := &JobStatus{JobID: jobID}

	if res, err := c.client.HGet(ctx, c.key("results"), jobID).Result(); err == nil {
		status.State = StatusCompleted
		status.Result = json.RawMessage(res)
		return status, nil
	} else if err != redis.Nil {
		return nil, err
	}

	if res, err := c.client.HGet(ctx, c.key("errors"), jobID).Result(); err == nil {
		status.State = StatusFailed
		status.Error = json.RawMessage(res)
		return status, nil
	} else if err != redis.Nil {
		return nil, err
	}

	processing, err := c.client.SIsMember(ctx, c.key("processing"), jobID).Result()
	if err != nil {
		return nil, err
	}
	if processing {
		status.State = StatusProcessing
		return status, nil
	}

	exists, err := c.client.HExists(ctx, c.key("data"), jobID).Result()
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrJobNotFound
	}
	status.State = StatusQueued
	return status, nil
}

// Stats returns queue statistics
func (c *RedisConsumer) Stats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
