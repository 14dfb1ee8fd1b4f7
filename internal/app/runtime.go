// Package app owns the process lifecycle. The hosting binary decides when to
// start and stop; the core carries no signal handling of its own.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/praxishq/eventpipe/internal/worker"
	ws "github.com/praxishq/eventpipe/internal/websocket"
)

// Runtime supervises the HTTP server, the queue consumer, and the worker
// pool as one unit with an explicit start/shutdown lifecycle.
type Runtime struct {
	server   *http.Server
	consumer *worker.Consumer
	pool     *worker.Pool
	hub      *ws.Hub
	logger   *slog.Logger

	group       *errgroup.Group
	stopConsume context.CancelFunc
}

func New(server *http.Server, consumer *worker.Consumer, pool *worker.Pool, hub *ws.Hub, logger *slog.Logger) *Runtime {
	return &Runtime{
		server:   server,
		consumer: consumer,
		pool:     pool,
		hub:      hub,
		logger:   logger,
	}
}

// Start launches the hub, worker pool, consumer, and HTTP server. It returns
// once everything is running; failures surface via Shutdown.
func (r *Runtime) Start(ctx context.Context) {
	consumeCtx, cancel := context.WithCancel(ctx)
	r.stopConsume = cancel

	if r.hub != nil {
		go r.hub.Run()
	}

	r.pool.Start(ctx)

	r.group = &errgroup.Group{}
	r.group.Go(func() error {
		r.consumer.Start(consumeCtx)
		return nil
	})
	r.group.Go(func() error {
		r.logger.Info("server starting", "addr", r.server.Addr)
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}

// Shutdown drains the pipeline: stop accepting HTTP traffic, stop claiming
// new jobs, then wait for in-flight jobs to finish within ctx's deadline.
// Jobs that cannot drain in time stay claimed and become eligible for
// re-execution when their lease expires.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down")

	if err := r.server.Shutdown(ctx); err != nil {
		r.logger.Error("server shutdown failed", "error", err)
	}

	if r.stopConsume != nil {
		r.stopConsume()
	}

	// The consumer must exit before the pool closes its jobs channel, or a
	// final Submit could race the close.
	err := r.group.Wait()

	drained := make(chan struct{})
	go func() {
		r.pool.Stop()
		close(drained)
	}()

	select {
	case <-drained:
		r.logger.Info("in-flight jobs drained")
	case <-ctx.Done():
		r.logger.Warn("drain timeout exceeded, abandoning in-flight jobs for reclaim")
	}

	return err
}
