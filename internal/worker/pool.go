package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/praxishq/eventpipe/internal/queue"
)

// Pool manages a fixed number of worker goroutines that execute webhook jobs.
type Pool struct {
	numWorkers int
	jobs       chan queue.Job
	processor  *Processor
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewPool creates a worker pool with the given number of workers.
func NewPool(numWorkers int, processor *Processor, logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan queue.Job, numWorkers*2),
		processor:  processor,
		logger:     logger,
	}
}

// Start launches all worker goroutines. They read from the jobs channel
// until it is closed.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit sends a job to the worker pool via the jobs channel.
func (p *Pool) Submit(job queue.Job) {
	p.jobs <- job
}

// Stop closes the jobs channel and waits for in-flight jobs to drain.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// worker processes jobs from the channel. A failure inside one job never
// stops the loop; the processor records it and the worker moves on.
func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for job := range p.jobs {
		select {
		case <-ctx.Done():
			// Shutting down: leave the claimed job for lease-expiry reclaim.
			continue
		default:
			p.processor.Process(ctx, job)
		}
	}
}
