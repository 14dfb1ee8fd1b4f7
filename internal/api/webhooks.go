package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/praxishq/eventpipe/internal/domain"
	"github.com/praxishq/eventpipe/internal/queue"
)

// maxWebhookBody bounds how much of the provider's request we read.
const maxWebhookBody = 1 << 20

// WebhookStore is the idempotency persistence the receiver needs.
type WebhookStore interface {
	GetWebhookRecord(ctx context.Context, providerEventID string) (*domain.WebhookRecord, error)
	UpsertWebhookRecord(ctx context.Context, providerEventID, eventType string, payload, receivedHeaders []byte) (*domain.WebhookRecord, bool, error)
}

// JobQueue is the enqueue side of the durable queue.
type JobQueue interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// WebhookHandler is the HTTP boundary for provider notifications: verify the
// raw-body signature, persist the envelope, enqueue exactly one job per
// distinct provider event id.
type WebhookHandler struct {
	secret      string
	tolerance   time.Duration
	maxAttempts int
	store       WebhookStore
	jobs        JobQueue
	logger      *slog.Logger
}

func NewWebhookHandler(secret string, maxAttempts int, store WebhookStore, jobs JobQueue, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		secret:      secret,
		tolerance:   DefaultSignatureTolerance,
		maxAttempts: maxAttempts,
		store:       store,
		jobs:        jobs,
		logger:      logger,
	}
}

type webhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// Receive handles POST /webhooks/payments. Duplicates are a success case:
// the provider retries until it sees 2xx, so a replayed event must never
// surface as a server error.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "cannot read request body")
		return
	}

	if err := VerifySignature(body, r.Header.Get(SignatureHeader), h.secret, h.tolerance, time.Now()); err != nil {
		// No secret material in the log, just the failure class.
		h.logger.Warn("webhook signature rejected", "reason", err.Error())
		respondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var env domain.WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		respondError(w, http.StatusBadRequest, "invalid event body")
		return
	}
	if env.ID == "" || env.Type == "" {
		respondError(w, http.StatusBadRequest, "event id and type are required")
		return
	}

	// Idempotent fast path: this event already ran to completion.
	existing, err := h.store.GetWebhookRecord(r.Context(), env.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to check event record")
		return
	}
	if existing != nil && existing.Processed {
		h.logger.Info("duplicate webhook short-circuited",
			"provider_event_id", env.ID,
			"event_type", env.Type,
		)
		respondJSON(w, http.StatusOK, webhookResponse{Received: true, Duplicate: true})
		return
	}

	headers, err := json.Marshal(capturedHeaders(r))
	if err != nil {
		headers = nil
	}

	_, created, err := h.store.UpsertWebhookRecord(r.Context(), env.ID, env.Type, body, headers)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to record event")
		return
	}

	err = h.jobs.Enqueue(r.Context(), queue.Job{
		DedupeKey:   env.ID,
		EventType:   env.Type,
		Payload:     body,
		MaxAttempts: h.maxAttempts,
	})
	if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		respondError(w, http.StatusInternalServerError, "failed to enqueue event")
		return
	}

	duplicate := !created || errors.Is(err, queue.ErrDuplicateJob)
	if !duplicate {
		h.logger.Info("webhook accepted",
			"provider_event_id", env.ID,
			"event_type", env.Type,
		)
	}

	respondJSON(w, http.StatusOK, webhookResponse{Received: true, Duplicate: duplicate})
}

// capturedHeaders snapshots the delivery headers worth keeping for the audit
// trail. The signature value is deliberately excluded.
func capturedHeaders(r *http.Request) map[string]string {
	keep := []string{"Content-Type", "User-Agent", "X-Request-Id"}
	out := make(map[string]string, len(keep))
	for _, k := range keep {
		if v := r.Header.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}
