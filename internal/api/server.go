// Package api implements the fieldroute HTTP surface.
package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"fieldroute/internal/auth"
	"fieldroute/internal/config"
	"fieldroute/internal/dispatch"
	"fieldroute/internal/events"
	"fieldroute/internal/metrics"
	"fieldroute/internal/store"
)

type Server struct {
	Store         store.Store
	Planner       *dispatch.Planner
	Auth          *auth.Verifier
	Broker        events.Broker
	Config        *config.Config
	Log           *zap.Logger
	DefaultTenant string
	// Heartbeat is the idle interval between SSE heartbeats.
	Heartbeat time.Duration

	limiter *clientLimiter
}

func NewServer(cfg *config.Config, st store.Store, planner *dispatch.Planner, broker events.Broker, verifier *auth.Verifier, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Server{
		Store:         st,
		Planner:       planner,
		Auth:          verifier,
		Broker:        broker,
		Config:        cfg,
		Log:           log.Named("api"),
		DefaultTenant: cfg.Server.DefaultTenant,
		Heartbeat:     15 * time.Second,
		limiter:       newClientLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	}
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sequence", s.SequenceHandler)

	mux.HandleFunc("POST /v1/technicians/{id}/stops", s.AssignStopsHandler)
	mux.HandleFunc("GET /v1/technicians/{id}/stops", s.ListStopsHandler)
	mux.HandleFunc("POST /v1/technicians/{id}/route", s.PlanTechnicianHandler)

	mux.HandleFunc("POST /v1/routes/plan", s.PlanBatchHandler)
	mux.HandleFunc("GET /v1/routes", s.ListRoutesHandler)
	mux.HandleFunc("GET /v1/routes/{id}", s.GetRouteHandler)
	mux.HandleFunc("GET /v1/routes/{id}/events/stream", s.RouteEventsHandler)
	mux.HandleFunc("GET /v1/ws", s.WSHandler)

	mux.HandleFunc("POST /v1/subscriptions", s.CreateSubscriptionHandler)
	mux.HandleFunc("GET /v1/subscriptions", s.ListSubscriptionsHandler)
	mux.HandleFunc("DELETE /v1/subscriptions/{id}", s.DeleteSubscriptionHandler)

	mux.HandleFunc("PUT /v1/admin/profiles/{userId}", s.UpsertProfileHandler)
	mux.HandleFunc("GET /v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
	mux.HandleFunc("GET /v1/admin/plan-metrics", s.PlanMetricsHandler)
	mux.HandleFunc("GET /v1/debug", s.DebugJSON)

	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	var h http.Handler = mux
	h = s.rateLimit(h)
	h = s.instrument(h)
	h = s.authenticate(h)
	h = s.accessLog(h)
	h = recoverer(s.Log, h)
	h = requestID(h)
	return h
}
