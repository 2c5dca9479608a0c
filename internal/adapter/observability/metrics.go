// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for distributed tracing and with
// Prometheus for metrics collection across the queue, scraper, and alert
// engine components.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts diagnostics-server HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_http_requests_total",
			Help: "Total number of diagnostics HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_http_request_duration_seconds",
			Help:    "Diagnostics HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsEnqueuedTotal counts queue jobs enqueued by queue kind.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_enqueued_total",
			Help: "Total number of queue jobs enqueued",
		},
		[]string{"kind"},
	)
	// JobsProcessing is a gauge of the number of currently running jobs by queue kind.
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_jobs_processing",
			Help: "Number of queue jobs currently running",
		},
		[]string{"kind"},
	)
	// JobsCompletedTotal counts jobs completed by queue kind.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_completed_total",
			Help: "Total number of queue jobs completed",
		},
		[]string{"kind"},
	)
	// JobsFailedTotal counts jobs terminally failed by queue kind.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_failed_total",
			Help: "Total number of queue jobs terminally failed",
		},
		[]string{"kind"},
	)
	// JobsSkippedTotal counts post-queue jobs skipped by the D21 gate.
	JobsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_skipped_total",
			Help: "Total number of post-queue jobs skipped (D21 gate)",
		},
		[]string{"checkpoint"},
	)
	// JobsRetriedTotal counts jobs sent back to retry, distinguishing
	// circuit-breaker-induced retries from attempt-consuming ones.
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_retried_total",
			Help: "Total number of queue jobs returned to retry",
		},
		[]string{"kind", "reason"},
	)

	// ScrapeDuration records scraper call latency by query shape.
	ScrapeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_scrape_duration_seconds",
			Help:    "Scraper fire-and-poll call duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"shape"},
	)
	// ScrapeOutcomeTotal counts scrape outcomes by query shape and outcome.
	ScrapeOutcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_scrape_outcome_total",
			Help: "Total scraper calls by query shape and outcome",
		},
		[]string{"shape", "outcome"},
	)

	// VelocityTagTotal counts emitted velocity tags.
	VelocityTagTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_velocity_tag_total",
			Help: "Total velocity tags emitted by the classifier",
		},
		[]string{"tag", "checkpoint"},
	)

	// AlertCandidatesTotal counts alert candidates generated by type.
	AlertCandidatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_alert_candidates_total",
			Help: "Total alert candidates generated by alert_type",
		},
		[]string{"alert_type"},
	)

	// CircuitBreakerState tracks the Apify-health circuit breaker state (0=closed,1=open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_circuit_breaker_state",
			Help: "Circuit breaker state for the scraping provider (0=closed, 1=open)",
		},
		[]string{"service"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsSkippedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(ScrapeDuration)
	prometheus.MustRegister(ScrapeOutcomeTotal)
	prometheus.MustRegister(VelocityTagTotal)
	prometheus.MustRegister(AlertCandidatesTotal)
	prometheus.MustRegister(CircuitBreakerState)
}

// HTTPMetricsMiddleware records Prometheus metrics for each diagnostics request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueJob increments the enqueued jobs counter for the given queue kind.
func EnqueueJob(kind string) { JobsEnqueuedTotal.WithLabelValues(kind).Inc() }

// StartProcessingJob increments the processing gauge for the given queue kind.
func StartProcessingJob(kind string) { JobsProcessing.WithLabelValues(kind).Inc() }

// CompleteJob marks a job complete: decrements processing, increments completed.
func CompleteJob(kind string) {
	JobsProcessing.WithLabelValues(kind).Dec()
	JobsCompletedTotal.WithLabelValues(kind).Inc()
}

// FailJob marks a job terminally failed: decrements processing, increments failed.
func FailJob(kind string) {
	JobsProcessing.WithLabelValues(kind).Dec()
	JobsFailedTotal.WithLabelValues(kind).Inc()
}

// SkipJob marks a post job skipped by the D21 gate.
func SkipJob(checkpoint string) {
	JobsProcessing.WithLabelValues("post").Dec()
	JobsSkippedTotal.WithLabelValues(checkpoint).Inc()
}

// RetryJob marks a job returned to retry, decrementing the processing gauge.
func RetryJob(kind, reason string) {
	JobsProcessing.WithLabelValues(kind).Dec()
	JobsRetriedTotal.WithLabelValues(kind, reason).Inc()
}

// ObserveScrape records a scraper call's latency and outcome.
func ObserveScrape(shape string, dur time.Duration, outcome string) {
	ScrapeDuration.WithLabelValues(shape).Observe(dur.Seconds())
	ScrapeOutcomeTotal.WithLabelValues(shape, outcome).Inc()
}

// ObserveVelocityTag records an emitted velocity tag.
func ObserveVelocityTag(tag, checkpoint string) {
	VelocityTagTotal.WithLabelValues(tag, checkpoint).Inc()
}

// ObserveAlertCandidate records a generated alert candidate.
func ObserveAlertCandidate(alertType string) {
	AlertCandidatesTotal.WithLabelValues(alertType).Inc()
}

// RecordCircuitBreakerState records the circuit breaker's current state.
func RecordCircuitBreakerState(service string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	CircuitBreakerState.WithLabelValues(service).Set(v)
}
