package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/praxishq/eventpipe/internal/api"
	"github.com/praxishq/eventpipe/internal/app"
	"github.com/praxishq/eventpipe/internal/config"
	"github.com/praxishq/eventpipe/internal/dispatch"
	"github.com/praxishq/eventpipe/internal/events"
	"github.com/praxishq/eventpipe/internal/queue"
	"github.com/praxishq/eventpipe/internal/store"
	ws "github.com/praxishq/eventpipe/internal/websocket"
	"github.com/praxishq/eventpipe/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	jobQueue := queue.New(redisStore.Client(), logger, queue.Options{
		PendingTTL: cfg.QueuePendingTTL,
		LeaseTTL:   cfg.QueueLeaseTTL,
	})

	// Domain event bus with the built-in subscriber set. Subscriptions are
	// startup configuration; the bus is frozen before any job runs.
	bus := events.NewBus(pgStore, logger)
	analytics := events.NewAnalytics()
	notifier := events.NewEmailNotifier(events.LogMailSender{Logger: logger}, logger)
	provisioner := events.NewProvisioner(pgStore, logger)
	if err := events.RegisterBuiltins(bus, analytics, notifier, provisioner); err != nil {
		logger.Error("failed to register subscribers", "error", err)
		os.Exit(1)
	}
	bus.Freeze()

	// Webhook type dispatch table, validated against the closed event type
	// set so a misconfigured handler fails the process at startup.
	registry := dispatch.NewRegistry(logger)
	dispatch.NewAccountHandlers(pgStore, bus, logger).Register(registry)
	dispatch.NewPayoutHandlers(pgStore, bus, logger).Register(registry)
	if err := registry.Validate(); err != nil {
		logger.Error("invalid handler registration", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub(logger)

	processor := worker.NewProcessor(jobQueue, registry, pgStore, hub, logger, worker.ProcessorOptions{
		JobTimeout:  cfg.JobTimeout,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	})
	pool := worker.NewPool(cfg.NumWorkers, processor, logger)
	consumer := worker.NewConsumer(jobQueue, pool, logger)

	router := api.NewRouter(api.RouterDeps{
		Webhooks:    api.NewWebhookHandler(cfg.WebhookSecret, cfg.MaxAttempts, pgStore, jobQueue, logger),
		Events:      api.NewEventHandler(pgStore),
		DeadLetters: api.NewDeadLetterHandler(pgStore, cfg.MaxAttempts),
		Metrics:     api.NewMetricsHandler(pgStore, jobQueue, analytics, hub, cfg.MaxAttempts),
		Hub:         hub,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	runtime := app.New(server, consumer, pool, hub, logger)
	runtime.Start(ctx)

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()

	if err := runtime.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
