package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/praxishq/eventpipe/internal/dispatch"
	"github.com/praxishq/eventpipe/internal/queue"
	ws "github.com/praxishq/eventpipe/internal/websocket"
)

// RecordStore persists per-event retry and idempotency state.
// *store.PostgresStore satisfies it; tests substitute an in-memory fake.
type RecordStore interface {
	MarkWebhookCompleted(ctx context.Context, providerEventID string) error
	MarkWebhookAcknowledged(ctx context.Context, providerEventID, note string) error
	MarkWebhookRetrying(ctx context.Context, providerEventID string, attempt int, errMsg, errStack string, nextRetryAt time.Time) error
	MarkWebhookDead(ctx context.Context, providerEventID string, attempts int, errMsg, errStack string) error
}

// Dispatcher routes an event to its type-specific handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventType string, payload json.RawMessage) error
}

// Processor executes one webhook job: dispatch to the type handler, then
// account for the outcome: completed, acknowledged, retrying with backoff,
// or dead after exhausting attempts.
type Processor struct {
	queue    *queue.Queue
	registry Dispatcher
	records  RecordStore
	hub      *ws.Hub
	logger   *slog.Logger

	jobTimeout  time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
}

// ProcessorOptions tunes job execution.
type ProcessorOptions struct {
	// JobTimeout bounds a single handler execution. Exceeding it counts as
	// a failed attempt.
	JobTimeout time.Duration
	// BackoffBase seeds the exponential retry delay.
	BackoffBase time.Duration
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration
}

func (o ProcessorOptions) withDefaults() ProcessorOptions {
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	return o
}

// NewProcessor creates a processor. hub may be nil when no lifecycle feed is
// wanted (tests).
func NewProcessor(q *queue.Queue, registry Dispatcher, records RecordStore, hub *ws.Hub, logger *slog.Logger, opts ProcessorOptions) *Processor {
	opts = opts.withDefaults()
	return &Processor{
		queue:       q,
		registry:    registry,
		records:     records,
		hub:         hub,
		logger:      logger,
		jobTimeout:  opts.JobTimeout,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
	}
}

// Process runs one attempt of a claimed job. It never returns an error: every
// outcome is recorded on the WebhookRecord and, where appropriate, back into
// the queue. The claimed entry is always released before returning, except on
// a lease conflict where the job is pushed back for a later try.
func (p *Processor) Process(ctx context.Context, job queue.Job) {
	claimed := job

	ok, err := p.queue.AcquireLease(ctx, job.DedupeKey)
	if err != nil {
		p.logger.Error("failed to acquire lease", "error", err, "dedupe_key", job.DedupeKey)
		p.queue.Release(ctx, claimed)
		if err := p.queue.Requeue(ctx, job, time.Now().Add(5*time.Second)); err != nil {
			p.logger.Error("failed to requeue job", "error", err, "dedupe_key", job.DedupeKey)
		}
		return
	}
	if !ok {
		// Another execution of this dedupe key is in flight. Push the job
		// back rather than running it concurrently.
		p.queue.Release(ctx, claimed)
		if err := p.queue.Requeue(ctx, job, time.Now().Add(5*time.Second)); err != nil {
			p.logger.Error("failed to requeue job", "error", err, "dedupe_key", job.DedupeKey)
		}
		return
	}
	defer p.queue.ReleaseLease(ctx, job.DedupeKey)

	job.Attempts++
	p.notify(ws.JobEvent{
		Type:      "job_started",
		DedupeKey: job.DedupeKey,
		EventType: job.EventType,
		Attempt:   job.Attempts,
	})

	stack, err := p.dispatchAttempt(ctx, job)

	switch {
	case err == nil:
		if markErr := p.records.MarkWebhookCompleted(ctx, job.DedupeKey); markErr != nil {
			p.logger.Error("failed to mark webhook completed", "error", markErr, "dedupe_key", job.DedupeKey)
		}
		p.queue.Complete(ctx, job.DedupeKey)
		p.queue.Release(ctx, claimed)
		p.logger.Info("job completed",
			"dedupe_key", job.DedupeKey,
			"event_type", job.EventType,
			"attempt", job.Attempts,
		)
		p.notify(ws.JobEvent{
			Type:      "job_completed",
			DedupeKey: job.DedupeKey,
			EventType: job.EventType,
			Attempt:   job.Attempts,
		})

	case dispatch.IsAcknowledged(err):
		// Unknown type, missing local entity, malformed payload: retrying
		// can never succeed, so acknowledge and move on.
		if markErr := p.records.MarkWebhookAcknowledged(ctx, job.DedupeKey, err.Error()); markErr != nil {
			p.logger.Error("failed to mark webhook acknowledged", "error", markErr, "dedupe_key", job.DedupeKey)
		}
		p.queue.Complete(ctx, job.DedupeKey)
		p.queue.Release(ctx, claimed)
		p.logger.Warn("job acknowledged without handler success",
			"reason", err.Error(),
			"dedupe_key", job.DedupeKey,
			"event_type", job.EventType,
		)
		p.notify(ws.JobEvent{
			Type:      "job_completed",
			DedupeKey: job.DedupeKey,
			EventType: job.EventType,
			Attempt:   job.Attempts,
			Error:     err.Error(),
		})

	case job.Attempts >= job.MaxAttempts:
		if markErr := p.records.MarkWebhookDead(ctx, job.DedupeKey, job.Attempts, err.Error(), stack); markErr != nil {
			p.logger.Error("failed to mark webhook dead", "error", markErr, "dedupe_key", job.DedupeKey)
		}
		p.queue.Complete(ctx, job.DedupeKey)
		p.queue.Release(ctx, claimed)
		p.logger.Error("job dead after exhausting attempts",
			"error", err,
			"dedupe_key", job.DedupeKey,
			"event_type", job.EventType,
			"attempts", job.Attempts,
		)
		p.notify(ws.JobEvent{
			Type:      "job_dead",
			DedupeKey: job.DedupeKey,
			EventType: job.EventType,
			Attempt:   job.Attempts,
			Error:     err.Error(),
		})

	default:
		delay := queue.Backoff(p.backoffBase, job.Attempts, p.backoffMax)
		nextRetryAt := time.Now().Add(delay)
		if markErr := p.records.MarkWebhookRetrying(ctx, job.DedupeKey, job.Attempts, err.Error(), stack, nextRetryAt); markErr != nil {
			p.logger.Error("failed to mark webhook retrying", "error", markErr, "dedupe_key", job.DedupeKey)
		}
		p.queue.Release(ctx, claimed)
		if reqErr := p.queue.Requeue(ctx, job, nextRetryAt); reqErr != nil {
			p.logger.Error("failed to schedule retry", "error", reqErr, "dedupe_key", job.DedupeKey)
		}
		p.logger.Warn("job failed, retrying",
			"error", err,
			"dedupe_key", job.DedupeKey,
			"event_type", job.EventType,
			"attempt", job.Attempts,
			"next_retry_in", delay,
		)
		p.notify(ws.JobEvent{
			Type:        "job_retrying",
			DedupeKey:   job.DedupeKey,
			EventType:   job.EventType,
			Attempt:     job.Attempts,
			Error:       err.Error(),
			NextRetryAt: &nextRetryAt,
		})
	}
}

// dispatchAttempt runs the handler under the per-job timeout with a panic
// boundary, so one misbehaving handler cannot take down the worker.
func (p *Processor) dispatchAttempt(ctx context.Context, job queue.Job) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	type outcome struct {
		stack string
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o.err = fmt.Errorf("handler panic: %v", r)
				o.stack = string(debug.Stack())
			}
			done <- o
		}()
		o.err = p.registry.Dispatch(attemptCtx, job.EventType, job.Payload)
	}()

	select {
	case o := <-done:
		return o.stack, o.err
	case <-attemptCtx.Done():
		// Handler ignored its context; abandon it and count the attempt
		// as failed. Its eventual result is discarded.
		return "", fmt.Errorf("job timed out after %s: %w", p.jobTimeout, attemptCtx.Err())
	}
}

func (p *Processor) notify(ev ws.JobEvent) {
	if p.hub == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	p.hub.Broadcast(ev)
}
