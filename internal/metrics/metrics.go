// Package metrics defines Prometheus metrics for the ping pipeline and the
// incident lifecycle.
//
// Metric naming follows Prometheus conventions:
//   - watchpost_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// PingsTotal counts processed pings by resulting run outcome.
	PingsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchpost_pings_total",
			Help: "Total pings processed, by resulting outcome.",
		},
		[]string{"outcome"},
	)

	// PingHandleSeconds is a histogram of ping handling time.
	PingHandleSeconds = promauto.With(registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchpost_ping_handle_seconds",
			Help:    "Wall time spent handling one ping.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// RateLimitedTotal counts pings rejected by the per-token limiter.
	RateLimitedTotal = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "watchpost_pings_rate_limited_total",
			Help: "Total pings rejected by the per-token rate limiter.",
		},
	)

	// IncidentsOpenedTotal counts incidents opened by kind.
	IncidentsOpenedTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchpost_incidents_opened_total",
			Help: "Total incidents opened, by kind.",
		},
		[]string{"kind"},
	)

	// IncidentsResolvedTotal counts incidents resolved by kind.
	IncidentsResolvedTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchpost_incidents_resolved_total",
			Help: "Total incidents resolved, by kind.",
		},
		[]string{"kind"},
	)

	// AnomaliesTotal counts anomalous durations by severity.
	AnomaliesTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchpost_anomalies_total",
			Help: "Total anomalous durations detected, by severity.",
		},
		[]string{"severity"},
	)

	// AlertsDroppedTotal counts webhook deliveries dropped on queue overflow.
	AlertsDroppedTotal = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "watchpost_alerts_dropped_total",
			Help: "Total webhook deliveries dropped because the delivery queue was full.",
		},
	)

	// MonitorsMissedTotal counts monitors flipped to MISSED by the sweeper.
	MonitorsMissedTotal = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "watchpost_monitors_missed_total",
			Help: "Total monitors marked MISSED by the sweeper.",
		},
	)

	// SweepSeconds is a histogram of missed-check sweep duration.
	SweepSeconds = promauto.With(registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchpost_sweep_seconds",
			Help:    "Wall time of one missed-check sweep.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
	)
)

// Handler serves the metrics registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
