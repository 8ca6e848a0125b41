package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finquill/finquill/internal/metrics"
)

const (
	popTimeout         = 5 * time.Second
	defaultMaxAttempts = 3
)

// Job is the wire form of one queued unit of work.
type Job struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

// Handler processes one job payload. A returned error triggers redelivery until the
// attempt budget is spent; retry policy belongs to the queue, not to the pipelines.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Queue is a Redis-list-backed job queue. Enqueue is fire-and-forget; Run delivers
// jobs one at a time per process, with horizontal scale-out achieved by running many
// worker processes against the same list.
type Queue struct {
	client      *redis.Client
	key         string
	handlers    map[string]Handler
	maxAttempts int
	logger      *slog.Logger
}

// NewQueue creates a queue consuming the given Redis list.
func NewQueue(client *redis.Client, key string, logger *slog.Logger) *Queue {
	return &Queue{
		client:      client,
		key:         key,
		handlers:    make(map[string]Handler),
		maxAttempts: defaultMaxAttempts,
		logger:      logger.With(slog.String("module", "worker"), slog.String("queue", key)),
	}
}

// Handle registers the handler for a job type. Registration is not safe to call after
// Run has started.
func (q *Queue) Handle(jobType string, h Handler) {
	q.handlers[jobType] = h
}

// Enqueue pushes a job and returns as soon as Redis accepts it.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return q.push(ctx, Job{Type: jobType, Payload: raw, Attempt: 1})
}

func (q *Queue) push(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", job.Type, err)
	}
	return nil
}

// Run consumes jobs until the context ends. A handler error requeues the job with an
// incremented attempt counter, giving at-least-once delivery; a job whose attempts are
// spent is dropped with an error log.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("Worker started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := q.client.BRPop(ctx, popTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Error("Failed to pop job", slog.String("err", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.logger.Error("Failed to decode job", slog.String("err", err.Error()))
			continue
		}
		q.dispatch(ctx, job)
	}
}

func (q *Queue) dispatch(ctx context.Context, job Job) {
	h, ok := q.handlers[job.Type]
	if !ok {
		q.logger.Error("No handler for job", slog.String("type", job.Type))
		return
	}

	err := h(ctx, job.Payload)
	if err == nil {
		metrics.JobsProcessed.WithLabelValues(job.Type, "ok").Inc()
		return
	}

	metrics.JobsProcessed.WithLabelValues(job.Type, "error").Inc()
	if job.Attempt >= q.maxAttempts {
		q.logger.Error("Job failed, attempts exhausted",
			slog.String("type", job.Type),
			slog.Int("attempt", job.Attempt),
			slog.String("err", err.Error()))
		return
	}

	q.logger.Warn("Job failed, requeueing",
		slog.String("type", job.Type),
		slog.Int("attempt", job.Attempt),
		slog.String("err", err.Error()))
	job.Attempt++
	if pushErr := q.push(context.WithoutCancel(ctx), job); pushErr != nil {
		q.logger.Error("Failed to requeue job",
			slog.String("type", job.Type),
			slog.String("err", pushErr.Error()))
	}
}
