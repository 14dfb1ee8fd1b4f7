package api

import (
	"context"
	"net/http"

	"github.com/praxishq/eventpipe/internal/events"
	"github.com/praxishq/eventpipe/internal/queue"
	"github.com/praxishq/eventpipe/internal/store"
	ws "github.com/praxishq/eventpipe/internal/websocket"
)

// MetricsStore aggregates processing statistics.
type MetricsStore interface {
	GetPipelineMetrics(ctx context.Context, maxAttempts int) (*store.PipelineMetrics, error)
}

// MetricsHandler serves aggregated pipeline statistics for operators.
type MetricsHandler struct {
	store       MetricsStore
	queue       *queue.Queue
	analytics   *events.Analytics
	hub         *ws.Hub
	maxAttempts int
}

func NewMetricsHandler(s MetricsStore, q *queue.Queue, analytics *events.Analytics, hub *ws.Hub, maxAttempts int) *MetricsHandler {
	return &MetricsHandler{store: s, queue: q, analytics: analytics, hub: hub, maxAttempts: maxAttempts}
}

// Metrics handles GET /api/v1/metrics.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.store.GetPipelineMetrics(r.Context(), h.maxAttempts)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}

	queueDepth, err := h.queue.Depth(r.Context())
	if err != nil {
		queueDepth = 0
	}

	type metricsResponse struct {
		store.PipelineMetrics
		QueueDepth       int64            `json:"queue_depth"`
		EventCounts      map[string]int64 `json:"event_counts"`
		WebSocketClients int              `json:"websocket_clients"`
	}

	resp := metricsResponse{
		PipelineMetrics: *metrics,
		QueueDepth:      queueDepth,
		EventCounts:     h.analytics.Snapshot(),
	}
	if h.hub != nil {
		resp.WebSocketClients = h.hub.ClientCount()
	}

	respondJSON(w, http.StatusOK, resp)
}
