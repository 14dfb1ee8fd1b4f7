package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/praxishq/eventpipe/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistry_Dispatch_RoutesByType(t *testing.T) {
	r := NewRegistry(testLogger())

	var got domain.WebhookEnvelope
	r.Register(domain.WebhookAccountUpdated, func(_ context.Context, env domain.WebhookEnvelope) error {
		got = env
		return nil
	})
	r.Register(domain.WebhookPayoutPaid, func(context.Context, domain.WebhookEnvelope) error {
		t.Error("wrong handler invoked")
		return nil
	})

	body := []byte(`{"id":"evt_1","type":"account.updated","account":"acct_1","data":{"object":{"id":"acct_1"}}}`)
	if err := r.Dispatch(context.Background(), domain.WebhookAccountUpdated, body); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if got.ID != "evt_1" || got.Account != "acct_1" {
		t.Errorf("handler received wrong envelope: %+v", got)
	}
}

func TestRegistry_Dispatch_UnknownType_Acknowledged(t *testing.T) {
	r := NewRegistry(testLogger())

	err := r.Dispatch(context.Background(), "price.created", []byte(`{"id":"evt_1"}`))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
	if !IsAcknowledged(err) {
		t.Error("unknown type must be acknowledged, not retried")
	}
}

func TestRegistry_Dispatch_MalformedEnvelope_Acknowledged(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(domain.WebhookAccountUpdated, func(context.Context, domain.WebhookEnvelope) error {
		t.Error("handler must not run on a malformed envelope")
		return nil
	})

	err := r.Dispatch(context.Background(), domain.WebhookAccountUpdated, json.RawMessage(`{not json`))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if !IsAcknowledged(err) {
		t.Error("malformed payload must be acknowledged, not retried")
	}
}

func TestRegistry_Validate_RejectsUnknownType(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register("price.created", func(context.Context, domain.WebhookEnvelope) error { return nil })

	if err := r.Validate(); err == nil {
		t.Error("expected validation error for type outside the known set")
	}
}

func TestRegistry_Validate_AcceptsFullHandlerSet(t *testing.T) {
	r := NewRegistry(testLogger())
	noop := func(context.Context, domain.WebhookEnvelope) error { return nil }
	for eventType := range domain.KnownWebhookEventTypes {
		r.Register(eventType, noop)
	}

	if err := r.Validate(); err != nil {
		t.Errorf("expected full handler set to validate, got %v", err)
	}
	if r.Len() != len(domain.KnownWebhookEventTypes) {
		t.Errorf("expected %d handlers, got %d", len(domain.KnownWebhookEventTypes), r.Len())
	}
}

func TestIsAcknowledged(t *testing.T) {
	if !IsAcknowledged(ErrNotFound) {
		t.Error("ErrNotFound should be acknowledged")
	}
	if IsAcknowledged(errors.New("db unavailable")) {
		t.Error("transient errors should not be acknowledged")
	}
	if IsAcknowledged(nil) {
		t.Error("nil should not be acknowledged")
	}
}
