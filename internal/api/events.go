package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/praxishq/eventpipe/internal/domain"
	"github.com/praxishq/eventpipe/internal/store"
)

const (
	defaultTimelineLimit = 50
	maxTimelineLimit     = 200
)

// EventStore is the read side of the domain event audit log.
type EventStore interface {
	ListDomainEvents(ctx context.Context, q store.TimelineQuery) ([]domain.DomainEvent, bool, error)
	GetDomainEvent(ctx context.Context, id string) (*domain.DomainEvent, error)
}

type EventHandler struct {
	store EventStore
}

func NewEventHandler(s EventStore) *EventHandler {
	return &EventHandler{store: s}
}

type timelineResponse struct {
	Events  []domain.DomainEvent `json:"events"`
	HasMore bool                 `json:"has_more"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// List handles GET /api/v1/events: the read-only timeline, most-recent-first,
// filterable by organization and event types.
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	q := store.TimelineQuery{
		OrganizationID: r.URL.Query().Get("organization_id"),
		Limit:          defaultTimelineLimit,
	}

	if raw := r.URL.Query().Get("event_types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.EventTypes = append(q.EventTypes, t)
			}
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxTimelineLimit {
			n = maxTimelineLimit
		}
		q.Limit = n
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		n, err := strconv.Atoi(offsetStr)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		q.Offset = n
	}

	events, hasMore, err := h.store.ListDomainEvents(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	respondJSON(w, http.StatusOK, timelineResponse{
		Events:  events,
		HasMore: hasMore,
		Limit:   q.Limit,
		Offset:  q.Offset,
	})
}

// Get handles GET /api/v1/events/{id}.
func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	event, err := h.store.GetDomainEvent(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get event")
		return
	}
	if event == nil {
		respondError(w, http.StatusNotFound, "event not found")
		return
	}

	respondJSON(w, http.StatusOK, event)
}
