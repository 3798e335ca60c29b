package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groups_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groups_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Lifecycle metrics
	GroupsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groups_created_total",
			Help: "Total groups created",
		},
	)

	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groups_quota_rejections_total",
			Help: "Total creations rejected by the per-creator quota",
		},
	)

	GroupsEnded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groups_ended_total",
			Help: "Total groups deleted by an explicit end",
		},
	)

	PresenceOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groups_presence_ops_total",
			Help: "Total presence operations",
		},
		[]string{"op"}, // "join", "leave" or "heartbeat"
	)

	// Sweep metrics
	GroupsReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groups_reclaimed_total",
			Help: "Total groups deleted by the sweep",
		},
		[]string{"predicate"},
	)

	SweepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groups_sweep_failures_total",
			Help: "Total sweep predicate evaluations that failed",
		},
		[]string{"predicate"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "groups_sweep_duration_seconds",
			Help:    "Duration of one sweep",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10},
		},
	)

	// Infrastructure metrics
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groups_store_errors_total",
			Help: "Total store calls that failed after retries",
		},
		[]string{"op"},
	)
)
