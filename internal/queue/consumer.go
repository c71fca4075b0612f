/**
 * Asynq Queue Consumer for the scanocr worker
 *
 * Consumes recognize-image tasks with asynq. Concurrency is pinned to one
 * and tasks are enqueued without retries: a failed recognition is final.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/scanocr-worker/internal/errors"
	"github.com/adverant/nexus/scanocr-worker/internal/logging"
)

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL     string
	QueueName    string
	Runner       *JobRunner
	JobTimeout   time.Duration
	RequestDelay time.Duration
	Retention    time.Duration // how long finished tasks stay inspectable
	Logger       *logging.Logger
}

// Consumer handles job consumption through asynq
type Consumer struct {
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	config    *ConsumerConfig
	logger    *logging.Logger
	sleep     func(ctx context.Context, d time.Duration)
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("Runner is required")
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("AsynqConsumer")
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				cfg.QueueName: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Warn("Task processing error", "type", task.Type(), "error", err)
			}),
		},
	)

	c := &Consumer{
		client:    asynq.NewClient(redisOpt),
		server:    server,
		inspector: asynq.NewInspector(redisOpt),
		mux:       asynq.NewServeMux(),
		config:    cfg,
		logger:    logger,
		sleep:     sleepContext,
	}
	c.mux.HandleFunc(TaskTypeRecognize, c.handleRecognize)

	return c, nil
}

// NewRecognizeTask builds the asynq task for a job
func NewRecognizeTask(job *Job) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return asynq.NewTask(TaskTypeRecognize, payload), nil
}

// Enqueue submits a job with retries disabled
func (c *Consumer) Enqueue(ctx context.Context, job *Job) error {
	task, err := NewRecognizeTask(job)
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.config.QueueName),
		asynq.TaskID(job.ID),
		asynq.MaxRetry(0),
		asynq.Timeout(c.config.JobTimeout),
		asynq.Retention(c.config.Retention),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting asynq consumer", "queue", c.config.QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()

	var errs []error
	if err := c.inspector.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close client: %w", err))
	}
	return stderrors.Join(errs...)
}

// handleRecognize runs one task. Failures are wrapped with SkipRetry so asynq archives them.
func (c *Consumer) handleRecognize(ctx context.Context, task *asynq.Task) error {
	defer func() {
		if c.config.RequestDelay > 0 {
			c.sleep(ctx, c.config.RequestDelay)
		}
	}()

	var job Job
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if job.ID == "" {
		job.ID = job.Payload.JobID
	}

	jobCtx, cancel := context.WithTimeout(ctx, c.config.JobTimeout)
	defer cancel()

	result, err := c.config.Runner.Run(jobCtx, &job)
	if err != nil {
		data, _ := json.Marshal(errors.ToMap(err))
		return fmt.Errorf("%s: %w", data, asynq.SkipRetry)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %v: %w", err, asynq.SkipRetry)
	}
	if w := task.ResultWriter(); w != nil {
		if _, err := w.Write(data); err != nil {
			c.logger.Warn("Failed to write task result", "job_id", job.ID, "error", err)
		}
	}

	c.logger.Info("Job completed", "job_id", job.ID, "provider", result.Provider)
	return nil
}

// Status maps the asynq task state onto the shared job states
func (c *Consumer) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	info, err := c.inspector.GetTaskInfo(c.config.QueueName, jobID)
	if err != nil {
		if stderrors.Is(err, asynq.ErrTaskNotFound) || stderrors.Is(err, asynq.ErrQueueNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return taskStatus(jobID, info.State, info.Result, info.LastErr), nil
}

func taskStatus(jobID string, state asynq.TaskState, result []byte, lastErr string) *JobStatus {
	status := &JobStatus{JobID: jobID}
	switch state {
	case asynq.TaskStateActive:
		status.State = StatusProcessing
	case asynq.TaskStateCompleted:
		status.State = StatusCompleted
		if len(result) > 0 {
			status.Result = json.RawMessage(result)
		}
	case asynq.TaskStateArchived, asynq.TaskStateRetry:
		status.State = StatusFailed
		status.Error = failureBody(lastErr)
	default:
		status.State = StatusQueued
	}
	return status
}

// failureBody recovers the error map written by handleRecognize, or wraps free text
func failureBody(lastErr string) json.RawMessage {
	suffix := ": " + asynq.SkipRetry.Error()
	if n := len(lastErr) - len(suffix); n > 0 && lastErr[n:] == suffix {
		body := lastErr[:n]
		if json.Valid([]byte(body)) {
			return json.RawMessage(body)
		}
	}
	data, _ := json.Marshal(map[string]string{"message": lastErr})
	return data
}

// Stats returns queue statistics
func (c *Consumer) Stats(ctx context.Context) (map[string]int64, error) {
	info, err := c.inspector.GetQueueInfo(c.config.QueueName)
	if err != nil {
		if stderrors.Is(err, asynq.ErrQueueNotFound) {
			return map[string]int64{"waiting": 0, "processing": 0, "completed": 0, "failed": 0}, nil
		}
		return nil, err
	}
	return map[string]int64{
		"waiting":    int64(info.Pending + info.Scheduled),
		"processing": int64(info.Active),
		"completed":  int64(info.Completed),
		"failed":     int64(info.Archived + info.Retry),
	}, nil
}
