package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/praxishq/eventpipe/internal/domain"
)

// TimelineQuery filters the domain event audit log.
type TimelineQuery struct {
	OrganizationID string
	EventTypes     []string
	Limit          int
	Offset         int
}

// InsertDomainEvent appends an event to the audit log. Events are immutable
// once written.
func (s *PostgresStore) InsertDomainEvent(ctx context.Context, ev *domain.DomainEvent) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO domain_events
			(id, event_type, event_version, actor_id, actor_type, organization_id,
			 payload, source, correlation_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`,
		ev.ID, ev.EventType, ev.EventVersion, ev.ActorID, string(ev.ActorType),
		ev.OrganizationID, ev.Payload, ev.Metadata.Source, ev.Metadata.CorrelationID,
		ev.Metadata.Timestamp,
	).Scan(&ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting domain event: %w", err)
	}
	return nil
}

// GetDomainEvent returns a single audit log entry, or nil if none exists.
func (s *PostgresStore) GetDomainEvent(ctx context.Context, id string) (*domain.DomainEvent, error) {
	var ev domain.DomainEvent
	var actorType string
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_type, event_version, actor_id, actor_type, organization_id,
		       payload, source, correlation_id, occurred_at, created_at
		FROM domain_events WHERE id = $1
	`, id).Scan(
		&ev.ID, &ev.EventType, &ev.EventVersion, &ev.ActorID, &actorType,
		&ev.OrganizationID, &ev.Payload, &ev.Metadata.Source, &ev.Metadata.CorrelationID,
		&ev.Metadata.Timestamp, &ev.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying domain event: %w", err)
	}
	ev.ActorType = domain.ActorType(actorType)
	return &ev, nil
}

// ListDomainEvents returns audit log entries most-recent-first. It fetches
// one row beyond the limit to compute hasMore without a second query.
func (s *PostgresStore) ListDomainEvents(ctx context.Context, q TimelineQuery) ([]domain.DomainEvent, bool, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	query := `SELECT id, event_type, event_version, actor_id, actor_type, organization_id,
		payload, source, correlation_id, occurred_at, created_at FROM domain_events`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if q.OrganizationID != "" {
		conditions = append(conditions, fmt.Sprintf("organization_id = $%d", argIdx))
		args = append(args, q.OrganizationID)
		argIdx++
	}
	if len(q.EventTypes) > 0 {
		conditions = append(conditions, fmt.Sprintf("event_type = ANY($%d)", argIdx))
		args = append(args, q.EventTypes)
		argIdx++
	}

	if len(conditions) > 0 {
		query += " WHERE "
		for i, c := range conditions {
			if i > 0 {
				query += " AND "
			}
			query += c
		}
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, q.Limit+1, q.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("querying domain events: %w", err)
	}
	defer rows.Close()

	var events []domain.DomainEvent
	for rows.Next() {
		var ev domain.DomainEvent
		var actorType string
		err := rows.Scan(
			&ev.ID, &ev.EventType, &ev.EventVersion, &ev.ActorID, &actorType,
			&ev.OrganizationID, &ev.Payload, &ev.Metadata.Source, &ev.Metadata.CorrelationID,
			&ev.Metadata.Timestamp, &ev.CreatedAt,
		)
		if err != nil {
			return nil, false, fmt.Errorf("scanning domain event: %w", err)
		}
		ev.ActorType = domain.ActorType(actorType)
		events = append(events, ev)
	}

	hasMore := len(events) > q.Limit
	if hasMore {
		events = events[:q.Limit]
	}
	if events == nil {
		events = []domain.DomainEvent{}
	}

	return events, hasMore, nil
}
