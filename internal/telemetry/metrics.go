package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "refinery_jobs_submitted_total", Help: "Jobs accepted by the API"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "refinery_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "refinery_jobs_failed_total", Help: "Jobs that reached failed"})
	IterationsRun      = prometheus.NewCounter(prometheus.CounterOpts{Name: "refinery_iterations_total", Help: "Refinement iterations executed"})
	CollaboratorErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "refinery_collaborator_errors_total", Help: "Collaborator calls that failed (including recovered per-category errors)"})
	RefinerFallbacks   = prometheus.NewCounter(prometheus.CounterOpts{Name: "refinery_refiner_fallbacks_total", Help: "Iterations that reused the prior description after a refiner failure"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "refinery_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	JobsInFlight       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "refinery_jobs_inflight", Help: "Jobs currently leased by a worker"})
	QueueDepth         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "refinery_queue_depth", Help: "Ready queue depth"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			IterationsRun,
			CollaboratorErrors,
			RefinerFallbacks,
			RateLimitRejects,
			JobsInFlight,
			QueueDepth,
		)
	})
	return promhttp.Handler()
}
