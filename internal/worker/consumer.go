package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/praxishq/eventpipe/internal/queue"
)

// Consumer continuously polls the queue for due jobs and feeds them to the
// worker pool. It also reclaims jobs whose worker crashed mid-execution.
type Consumer struct {
	queue           *queue.Queue
	pool            *Pool
	logger          *slog.Logger
	pollInterval    time.Duration
	reclaimInterval time.Duration
	batchSize       int64
}

func NewConsumer(q *queue.Queue, pool *Pool, logger *slog.Logger) *Consumer {
	return &Consumer{
		queue:           q,
		pool:            pool,
		logger:          logger,
		pollInterval:    100 * time.Millisecond,
		reclaimInterval: 5 * time.Second,
		batchSize:       10,
	}
}

// Start begins the polling loop. It runs until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("consumer started")

	poll := time.NewTicker(c.pollInterval)
	defer poll.Stop()
	reclaim := time.NewTicker(c.reclaimInterval)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping")
			return
		case <-reclaim.C:
			if _, err := c.queue.Reclaim(ctx); err != nil {
				c.logger.Error("failed to reclaim expired jobs", "error", err)
			}
		case <-poll.C:
			jobs, err := c.queue.Claim(ctx, c.batchSize)
			if err != nil {
				c.logger.Error("failed to claim jobs", "error", err)
				continue
			}
			for _, job := range jobs {
				c.pool.Submit(job)
			}
		}
	}
}
