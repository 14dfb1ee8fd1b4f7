package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	Port            string
	DatabaseURL     string
	RedisURL        string
	NumWorkers      int
	WebhookSecret   string
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	JobTimeout      time.Duration
	DrainTimeout    time.Duration
	QueueLeaseTTL   time.Duration
	QueuePendingTTL time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		RedisURL:        getEnv("REDIS_URL", ""),
		NumWorkers:      getEnvInt("NUM_WORKERS", 10),
		WebhookSecret:   getEnv("WEBHOOK_SECRET", ""),
		MaxAttempts:     getEnvInt("MAX_ATTEMPTS", 5),
		BackoffBase:     getEnvDuration("BACKOFF_BASE", 2*time.Second),
		BackoffMax:      getEnvDuration("BACKOFF_MAX", 5*time.Minute),
		JobTimeout:      getEnvDuration("JOB_TIMEOUT", 30*time.Second),
		DrainTimeout:    getEnvDuration("DRAIN_TIMEOUT", 30*time.Second),
		QueueLeaseTTL:   getEnvDuration("QUEUE_LEASE_TTL", 60*time.Second),
		QueuePendingTTL: getEnvDuration("QUEUE_PENDING_TTL", 24*time.Hour),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}
