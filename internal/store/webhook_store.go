package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/praxishq/eventpipe/internal/domain"
)

const webhookColumns = `id, provider_event_id, event_type, processed, processed_at,
	error, error_stack, retry_count, next_retry_at, payload, received_headers, created_at`

func scanWebhookRecord(row pgx.Row) (*domain.WebhookRecord, error) {
	var rec domain.WebhookRecord
	err := row.Scan(
		&rec.ID, &rec.ProviderEventID, &rec.EventType, &rec.Processed, &rec.ProcessedAt,
		&rec.Error, &rec.ErrorStack, &rec.RetryCount, &rec.NextRetryAt,
		&rec.Payload, &rec.ReceivedHeaders, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertWebhookRecord inserts a webhook record for a provider event id if one
// does not already exist. Safe under concurrent duplicate deliveries: the
// unique constraint on provider_event_id arbitrates, and the loser re-reads
// the winner's row. Returns the record and whether this call created it.
func (s *PostgresStore) UpsertWebhookRecord(ctx context.Context, providerEventID, eventType string, payload, receivedHeaders []byte) (*domain.WebhookRecord, bool, error) {
	rec, err := scanWebhookRecord(s.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (provider_event_id, event_type, payload, received_headers)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_event_id) DO NOTHING
		RETURNING `+webhookColumns,
		providerEventID, eventType, payload, receivedHeaders,
	))
	if err == nil {
		return rec, true, nil
	}
	if err != pgx.ErrNoRows {
		return nil, false, fmt.Errorf("inserting webhook record: %w", err)
	}

	// Conflict: another delivery won the insert race.
	rec, err = s.GetWebhookRecord(ctx, providerEventID)
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

// GetWebhookRecord returns the record for a provider event id, or nil if none exists.
func (s *PostgresStore) GetWebhookRecord(ctx context.Context, providerEventID string) (*domain.WebhookRecord, error) {
	rec, err := scanWebhookRecord(s.pool.QueryRow(ctx, `
		SELECT `+webhookColumns+` FROM webhook_events WHERE provider_event_id = $1
	`, providerEventID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying webhook record: %w", err)
	}
	return rec, nil
}

// MarkWebhookCompleted records a successful handler run. Terminal state.
func (s *PostgresStore) MarkWebhookCompleted(ctx context.Context, providerEventID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET processed = true, processed_at = NOW(), error = NULL, next_retry_at = NULL
		WHERE provider_event_id = $1
	`, providerEventID)
	if err != nil {
		return fmt.Errorf("marking webhook completed: %w", err)
	}
	return nil
}

// MarkWebhookAcknowledged marks an event processed while keeping a note about
// why no handler ran (unknown type, missing local entity, malformed payload).
// Acknowledged events are success cases: retrying them could never succeed.
func (s *PostgresStore) MarkWebhookAcknowledged(ctx context.Context, providerEventID, note string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET processed = true, processed_at = NOW(), error = $2, next_retry_at = NULL
		WHERE provider_event_id = $1
	`, providerEventID, note)
	if err != nil {
		return fmt.Errorf("marking webhook acknowledged: %w", err)
	}
	return nil
}

// MarkWebhookRetrying records a failed attempt that will be retried.
func (s *PostgresStore) MarkWebhookRetrying(ctx context.Context, providerEventID string, attempt int, errMsg, errStack string, nextRetryAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET retry_count = $2, error = $3, error_stack = $4, next_retry_at = $5
		WHERE provider_event_id = $1
	`, providerEventID, attempt, errMsg, errStack, nextRetryAt)
	if err != nil {
		return fmt.Errorf("marking webhook retrying: %w", err)
	}
	return nil
}

// MarkWebhookDead records terminal failure after exhausting attempts.
// processed stays false so audit queries can separate "worked" from "gave up".
func (s *PostgresStore) MarkWebhookDead(ctx context.Context, providerEventID string, attempts int, errMsg, errStack string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET retry_count = $2, error = $3, error_stack = $4, next_retry_at = NULL
		WHERE provider_event_id = $1
	`, providerEventID, attempts, errMsg, errStack)
	if err != nil {
		return fmt.Errorf("marking webhook dead: %w", err)
	}
	return nil
}

// ListDeadWebhooks returns records that exhausted their retries without
// completing, newest first, for operational alerting.
func (s *PostgresStore) ListDeadWebhooks(ctx context.Context, maxAttempts, limit int) ([]domain.WebhookRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+webhookColumns+`
		FROM webhook_events
		WHERE processed = false AND retry_count >= $1
		ORDER BY created_at DESC
		LIMIT $2
	`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("querying dead webhooks: %w", err)
	}
	defer rows.Close()

	var records []domain.WebhookRecord
	for rows.Next() {
		var rec domain.WebhookRecord
		err := rows.Scan(
			&rec.ID, &rec.ProviderEventID, &rec.EventType, &rec.Processed, &rec.ProcessedAt,
			&rec.Error, &rec.ErrorStack, &rec.RetryCount, &rec.NextRetryAt,
			&rec.Payload, &rec.ReceivedHeaders, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning dead webhook: %w", err)
		}
		records = append(records, rec)
	}

	if records == nil {
		records = []domain.WebhookRecord{}
	}

	return records, nil
}
