package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ReadyQueueKey holds jobs as a sorted set scored by the time they
	// become eligible to run (UnixMicro).
	ReadyQueueKey = "webhook:jobs"
	// ClaimedQueueKey holds in-flight jobs scored by lease expiry. A worker
	// that crashes mid-job leaves its entry here until the reclaimer moves
	// it back to the ready queue.
	ClaimedQueueKey = "webhook:claimed"

	pendingKeyPrefix = "webhook:pending:"
	leaseKeyPrefix   = "webhook:lease:"
)

// ErrDuplicateJob is returned by Enqueue when a job with the same dedupe key
// is already queued or in flight. Callers treat it as success.
var ErrDuplicateJob = errors.New("job with this dedupe key is already queued")

// Job is one unit of queued webhook work, persisted as the sorted set member.
type Job struct {
	DedupeKey   string          `json:"dedupe_key"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
}

// Options configures queue behavior.
type Options struct {
	// PendingTTL bounds how long a dedupe marker can outlive its job if
	// completion bookkeeping is lost. Must exceed the worst-case retry span.
	PendingTTL time.Duration
	// LeaseTTL is how long a worker may hold a job before a crashed claim
	// becomes eligible for re-execution.
	LeaseTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.PendingTTL <= 0 {
		o.PendingTTL = 24 * time.Hour
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 60 * time.Second
	}
	return o
}

// Queue is a durable FIFO-per-key job queue backed by Redis. Enqueue is
// deduplicated on the job's dedupe key; execution of a given key is
// serialized via a lease while distinct keys run fully in parallel.
type Queue struct {
	redisClient *redis.Client
	logger      *slog.Logger
	opts        Options
}

func New(redisClient *redis.Client, logger *slog.Logger, opts Options) *Queue {
	return &Queue{
		redisClient: redisClient,
		logger:      logger,
		opts:        opts.withDefaults(),
	}
}

// Enqueue durably records a job for asynchronous execution. It returns once
// the job is recorded, not once it runs. A second enqueue with the same
// dedupe key while the first is queued or in flight returns ErrDuplicateJob;
// under concurrent duplicate deliveries exactly one caller wins.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	ok, err := q.redisClient.SetNX(ctx, pendingKeyPrefix+job.DedupeKey, "1", q.opts.PendingTTL).Result()
	if err != nil {
		return fmt.Errorf("setting dedupe marker: %w", err)
	}
	if !ok {
		return ErrDuplicateJob
	}

	if err := q.schedule(ctx, job, time.Now()); err != nil {
		// Roll the marker back so the event is not stranded unqueued.
		q.redisClient.Del(ctx, pendingKeyPrefix+job.DedupeKey)
		return err
	}

	q.logger.Info("job enqueued",
		"dedupe_key", job.DedupeKey,
		"event_type", job.EventType,
	)
	return nil
}

// Requeue schedules a retry of a failed job at the given time. The dedupe
// marker is left in place: the provider redelivering the same event while a
// retry is pending must not create a second job.
func (q *Queue) Requeue(ctx context.Context, job Job, at time.Time) error {
	return q.schedule(ctx, job, at)
}

func (q *Queue) schedule(ctx context.Context, job Job, at time.Time) error {
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	err = q.redisClient.ZAdd(ctx, ReadyQueueKey, redis.Z{
		Score:  float64(at.UnixMicro()),
		Member: string(jobBytes),
	}).Err()
	if err != nil {
		return fmt.Errorf("scheduling job: %w", err)
	}
	return nil
}

// Claim fetches up to batchSize jobs whose due time has passed and atomically
// removes each from the ready queue. If another consumer instance removed the
// member first, ZRem reports zero and the job is skipped, so exactly one
// consumer wins each claim. Claimed jobs are parked in the claimed set until
// Complete, Release, or lease expiry.
func (q *Queue) Claim(ctx context.Context, batchSize int64) ([]Job, error) {
	now := float64(time.Now().UnixMicro())

	results, err := q.redisClient.ZRangeByScoreWithScores(ctx, ReadyQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   formatFloat(now),
		Count: batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling ready queue: %w", err)
	}

	var jobs []Job
	for _, z := range results {
		member := z.Member.(string)

		removed, err := q.redisClient.ZRem(ctx, ReadyQueueKey, member).Result()
		if err != nil {
			q.logger.Error("failed to remove job from ready queue", "error", err)
			continue
		}
		if removed == 0 {
			// Another consumer claimed this job first.
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			q.logger.Error("failed to unmarshal job", "error", err)
			continue
		}

		leaseExpiry := float64(time.Now().Add(q.opts.LeaseTTL).UnixMicro())
		if err := q.redisClient.ZAdd(ctx, ClaimedQueueKey, redis.Z{
			Score:  leaseExpiry,
			Member: member,
		}).Err(); err != nil {
			q.logger.Error("failed to park claimed job", "error", err, "dedupe_key", job.DedupeKey)
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

// AcquireLease takes the per-key execution lock so a dedupe key is never run
// by two workers at once. Returns false if another execution holds the lease.
func (q *Queue) AcquireLease(ctx context.Context, dedupeKey string) (bool, error) {
	ok, err := q.redisClient.SetNX(ctx, leaseKeyPrefix+dedupeKey, "1", q.opts.LeaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lease: %w", err)
	}
	return ok, nil
}

// ReleaseLease frees the per-key execution lock after an attempt finishes.
func (q *Queue) ReleaseLease(ctx context.Context, dedupeKey string) {
	if err := q.redisClient.Del(ctx, leaseKeyPrefix+dedupeKey).Err(); err != nil {
		q.logger.Error("failed to release lease", "error", err, "dedupe_key", dedupeKey)
	}
}

// Release removes a job from the claimed set after its attempt has been
// accounted for (completed, rescheduled, or dead-lettered).
func (q *Queue) Release(ctx context.Context, job Job) {
	jobBytes, err := json.Marshal(job)
	if err != nil {
		q.logger.Error("failed to marshal job for release", "error", err)
		return
	}
	if err := q.redisClient.ZRem(ctx, ClaimedQueueKey, string(jobBytes)).Err(); err != nil {
		q.logger.Error("failed to release claimed job", "error", err, "dedupe_key", job.DedupeKey)
	}
}

// Complete clears the dedupe marker and lease once a job reaches a terminal
// state, allowing a future re-send of the same provider event to take the
// idempotent fast path in the receiver instead of the queue.
func (q *Queue) Complete(ctx context.Context, dedupeKey string) {
	if err := q.redisClient.Del(ctx, pendingKeyPrefix+dedupeKey, leaseKeyPrefix+dedupeKey).Err(); err != nil {
		q.logger.Error("failed to clear job markers", "error", err, "dedupe_key", dedupeKey)
	}
}

// Reclaim moves claimed jobs whose lease expired back to the ready queue so
// a crashed worker's work is eventually re-executed. Returns how many jobs
// were made eligible again.
func (q *Queue) Reclaim(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixMicro())

	results, err := q.redisClient.ZRangeByScore(ctx, ClaimedQueueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: formatFloat(now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("polling claimed queue: %w", err)
	}

	reclaimed := 0
	for _, member := range results {
		removed, err := q.redisClient.ZRem(ctx, ClaimedQueueKey, member).Result()
		if err != nil {
			q.logger.Error("failed to remove expired claim", "error", err)
			continue
		}
		if removed == 0 {
			continue
		}

		if err := q.redisClient.ZAdd(ctx, ReadyQueueKey, redis.Z{
			Score:  now,
			Member: member,
		}).Err(); err != nil {
			q.logger.Error("failed to requeue expired claim", "error", err)
			continue
		}
		reclaimed++
	}

	if reclaimed > 0 {
		q.logger.Warn("reclaimed expired job leases", "count", reclaimed)
	}

	return reclaimed, nil
}

// Depth returns the number of jobs waiting in the ready queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.redisClient.ZCard(ctx, ReadyQueueKey).Result()
}

// Backoff computes the delay before the next attempt: base * 2^(attempts-1),
// capped at max.
func Backoff(base time.Duration, attempts int, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
