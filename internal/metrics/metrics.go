// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsProcessed counts worker jobs by type and outcome.
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_processed_total",
			Help: "Total number of processed background jobs",
		},
		[]string{"type", "outcome"},
	)

	// EnvelopesPublished counts notification envelopes by type.
	EnvelopesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_envelopes_published_total",
			Help: "Total number of envelopes handed to the notification bus",
		},
		[]string{"type"},
	)

	// LimiterWaitSeconds observes how long model calls waited for rate-limit capacity.
	LimiterWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratelimit_wait_seconds",
			Help:    "Time spent waiting for per-model rate-limit capacity",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)
)

// Register installs the collectors on the default registry. Call once at startup.
func Register() {
	prometheus.MustRegister(
		JobsProcessed,
		EnvelopesPublished,
		LimiterWaitSeconds,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
