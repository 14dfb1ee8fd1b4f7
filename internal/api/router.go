package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	ws "github.com/praxishq/eventpipe/internal/websocket"
)

// RouterDeps collects the handlers the router wires up. Constructed once at
// startup and passed by reference so tests can substitute fakes.
type RouterDeps struct {
	Webhooks    *WebhookHandler
	Events      *EventHandler
	DeadLetters *DeadLetterHandler
	Metrics     *MetricsHandler
	Hub         *ws.Hub
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// Provider-facing webhook endpoint
	r.Post("/webhooks/payments", deps.Webhooks.Receive)

	// Live job lifecycle feed
	if deps.Hub != nil {
		r.Get("/ws", deps.Hub.HandleWebSocket)
	}

	// Operational API
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())

		r.Route("/events", func(r chi.Router) {
			r.Get("/", deps.Events.List)
			r.Get("/{id}", deps.Events.Get)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/dead-letters", deps.DeadLetters.List)
			r.Get("/{providerEventID}", deps.DeadLetters.Get)
		})

		if deps.Metrics != nil {
			r.Get("/metrics", deps.Metrics.Metrics)
		}
	})

	return r
}
