package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/praxishq/eventpipe/internal/domain"
)

// HandlerFunc processes one verified provider event. Handlers must be safe
// to re-run with the same payload: the queue delivers at least once.
type HandlerFunc func(ctx context.Context, env domain.WebhookEnvelope) error

// Registry maps provider event types to handlers. It is populated during
// process initialization and read-only afterwards.
type Registry struct {
	handlers map[string]HandlerFunc
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// Register binds a handler to an event type. Only valid during startup,
// before the worker pool begins pulling jobs.
func (r *Registry) Register(eventType string, fn HandlerFunc) {
	r.handlers[eventType] = fn
}

// Validate checks the registry against the closed set of known event types.
// A handler registered for a type outside the set is a configuration error
// caught at startup, not a silent runtime no-op.
func (r *Registry) Validate() error {
	for eventType := range r.handlers {
		if _, ok := domain.KnownWebhookEventTypes[eventType]; !ok {
			return fmt.Errorf("handler registered for unknown event type %q", eventType)
		}
	}
	return nil
}

// Dispatch routes a raw provider event body to the handler for its type.
// An unknown type returns ErrUnknownEventType so the caller can acknowledge
// it: retrying a type with no handler can never succeed.
func (r *Registry) Dispatch(ctx context.Context, eventType string, payload json.RawMessage) error {
	handler, ok := r.handlers[eventType]
	if !ok {
		r.logger.Info("no handler for event type, acknowledging",
			"event_type", eventType,
		)
		return fmt.Errorf("dispatching %q: %w", eventType, ErrUnknownEventType)
	}

	var env domain.WebhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decoding event envelope: %w (%v)", ErrMalformedPayload, err)
	}

	return handler(ctx, env)
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	return len(r.handlers)
}
