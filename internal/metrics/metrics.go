package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for fieldroute.
	Registry = prometheus.NewRegistry()

	// HTTPRequests counts requests by method, route pattern and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)
	// RateLimited counts requests rejected by the limiter.
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "http_rate_limited_total", Help: "Requests rejected with 429."},
	)

	// SequenceRuns counts sequencing calls by outcome (ok, invalid_stop, empty, error).
	SequenceRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_sequence_total", Help: "Route sequencing runs by outcome."},
		[]string{"outcome"},
	)
	SequenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "route_sequence_duration_seconds", Help: "Time spent ordering stops.", Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1}},
	)
	SequenceStops = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "route_sequence_stops", Help: "Stops per sequencing run.", Buckets: prometheus.ExponentialBuckets(1, 2, 10)},
	)
	// RoutesPlanned counts persisted routes by status (sequenced, replanned).
	RoutesPlanned = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "routes_planned_total", Help: "Routes saved by the planner."},
		[]string{"status"},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

var regOnce sync.Once

// RegisterDefault registers all collectors on Registry. Safe to call repeatedly.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(
			HTTPRequests,
			HTTPDuration,
			RateLimited,
			SequenceRuns,
			SequenceDuration,
			SequenceStops,
			RoutesPlanned,
			WebhookDeliveries,
			WebhookLatency,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	RegisterDefault()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
