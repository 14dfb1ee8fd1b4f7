package store

import (
	"context"
	"fmt"
)

// PipelineMetrics holds aggregated webhook processing statistics.
type PipelineMetrics struct {
	TotalReceived     int     `json:"total_received"`
	ProcessedCount    int     `json:"processed_count"`
	RetryingCount     int     `json:"retrying_count"`
	DeadCount         int     `json:"dead_count"`
	ProcessedRate     float64 `json:"processed_rate"`
	TotalDomainEvents int     `json:"total_domain_events"`
}

// GetPipelineMetrics returns aggregated processing statistics from the database.
func (s *PostgresStore) GetPipelineMetrics(ctx context.Context, maxAttempts int) (*PipelineMetrics, error) {
	var m PipelineMetrics

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE processed) AS processed,
			COUNT(*) FILTER (WHERE NOT processed AND retry_count > 0 AND retry_count < $1) AS retrying,
			COUNT(*) FILTER (WHERE NOT processed AND retry_count >= $1) AS dead
		FROM webhook_events
	`, maxAttempts).Scan(&m.TotalReceived, &m.ProcessedCount, &m.RetryingCount, &m.DeadCount)
	if err != nil {
		return nil, fmt.Errorf("querying webhook metrics: %w", err)
	}

	if m.TotalReceived > 0 {
		m.ProcessedRate = float64(m.ProcessedCount) / float64(m.TotalReceived) * 100
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM domain_events
	`).Scan(&m.TotalDomainEvents)
	if err != nil {
		return nil, fmt.Errorf("querying domain event count: %w", err)
	}

	return &m, nil
}
