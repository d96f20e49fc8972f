package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Egress metrics
var (
	// GoLiveTotal counts go-live attempts by outcome (live, partial, all_failed, already_live, error)
	GoLiveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_go_live_total",
			Help: "Go-live attempts by outcome",
		},
		[]string{"outcome"},
	)

	// AdapterCallsTotal counts adapter calls by provider, operation and result
	AdapterCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_adapter_calls_total",
			Help: "Provider adapter calls by provider, operation and result",
		},
		[]string{"provider", "operation", "result"},
	)

	AdapterCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broadcast_adapter_call_duration_seconds",
			Help:    "Provider adapter call duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		},
		[]string{"provider", "operation"},
	)
)

// Comment poller metrics
var (
	PollTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_poll_ticks_total",
			Help: "Comment poller ticks by result (rescheduled, terminated, error)",
		},
		[]string{"result"},
	)

	PollTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broadcast_poll_tick_duration_seconds",
			Help:    "Comment poller tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommentsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_comments_ingested_total",
			Help: "New comments stored by provider",
		},
		[]string{"provider"},
	)
)

// WebSocket metrics
var (
	WebSocketConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_current",
			Help: "Current comment feed websocket connections",
		},
	)
)

// Result label values
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status code",
		},
		[]string{"method", "route", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
