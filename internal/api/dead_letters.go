package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/praxishq/eventpipe/internal/domain"
)

// DeadLetterStore reads webhook records for operational inspection.
type DeadLetterStore interface {
	ListDeadWebhooks(ctx context.Context, maxAttempts, limit int) ([]domain.WebhookRecord, error)
	GetWebhookRecord(ctx context.Context, providerEventID string) (*domain.WebhookRecord, error)
}

// DeadLetterHandler exposes terminally failed webhooks for alerting and
// manual intervention.
type DeadLetterHandler struct {
	store       DeadLetterStore
	maxAttempts int
}

func NewDeadLetterHandler(s DeadLetterStore, maxAttempts int) *DeadLetterHandler {
	return &DeadLetterHandler{store: s, maxAttempts: maxAttempts}
}

// List handles GET /api/v1/webhooks/dead-letters: records that exhausted
// their retries without completing.
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := h.store.ListDeadWebhooks(r.Context(), h.maxAttempts, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	respondJSON(w, http.StatusOK, records)
}

// Get handles GET /api/v1/webhooks/{providerEventID}: one record's full
// processing history.
func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "providerEventID")

	record, err := h.store.GetWebhookRecord(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get webhook record")
		return
	}
	if record == nil {
		respondError(w, http.StatusNotFound, "webhook record not found")
		return
	}

	respondJSON(w, http.StatusOK, record)
}
