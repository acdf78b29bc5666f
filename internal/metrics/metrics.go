// Package metrics exposes Prometheus collectors for the scraper service.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scraperPagesTotal             *prometheus.CounterVec
	scraperDiscardsTotal          *prometheus.CounterVec
	scraperEscalationsTotal       *prometheus.CounterVec
	scraperRetriesTotal           *prometheus.CounterVec
	scraperWorkerCrashesTotal     prometheus.Counter
	scraperActiveWorkers          prometheus.Gauge
	scraperResourcePressure       prometheus.Gauge
	scraperSinkSubmissionsTotal   *prometheus.CounterVec
	scraperRateLimitDelaysSeconds *prometheus.HistogramVec
	scraperFetchDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_pages_total",
				Help: "Total number of pages resolved, labeled by tier and outcome.",
			},
			[]string{"tier", "outcome"},
		)

		scraperDiscardsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_discards_total",
				Help: "Total number of pages discarded by the pipeline, labeled by reason.",
			},
			[]string{"reason"},
		)

		scraperEscalationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_escalations_total",
				Help: "Total number of tier escalations, labeled by origin and target tier.",
			},
			[]string{"from", "to"},
		)

		scraperRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_retries_total",
				Help: "Total number of same-tier retry attempts, labeled by tier.",
			},
			[]string{"tier"},
		)

		scraperWorkerCrashesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_worker_crashes_total",
				Help: "Total number of worker crashes recovered by the manager.",
			},
		)

		scraperActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_workers",
				Help: "Number of workers currently processing a URL.",
			},
		)

		scraperResourcePressure = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_resource_pressure",
				Help: "Current pressure classification: 0 normal, 1 elevated, 2 critical.",
			},
		)

		scraperSinkSubmissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_sink_submissions_total",
				Help: "Total number of sink submissions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scraperRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		scraperFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by tier.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"tier"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one resolved page with its tier and outcome.
func ObservePage(tier, outcome string, duration time.Duration) {
	scraperPagesTotal.WithLabelValues(tier, outcome).Inc()
	if duration > 0 {
		scraperFetchDurationSeconds.WithLabelValues(tier).Observe(duration.Seconds())
	}
}

// ObserveDiscard increments the discard counter for the given reason.
func ObserveDiscard(reason string) {
	scraperDiscardsTotal.WithLabelValues(reason).Inc()
}

// ObserveEscalation records a tier escalation.
func ObserveEscalation(from, to string) {
	scraperEscalationsTotal.WithLabelValues(from, to).Inc()
}

// ObserveRetry records a same-tier retry attempt.
func ObserveRetry(tier string) {
	scraperRetriesTotal.WithLabelValues(tier).Inc()
}

// ObserveWorkerCrash increments the recovered crash counter.
func ObserveWorkerCrash() {
	scraperWorkerCrashesTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	scraperActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	scraperActiveWorkers.Dec()
}

// SetResourcePressure publishes the monitor's current classification.
func SetResourcePressure(level int) {
	scraperResourcePressure.Set(float64(level))
}

// ObserveSinkSubmission records one sink submission outcome
// (ack, retryable_error, rejected).
func ObserveSinkSubmission(outcome string) {
	scraperSinkSubmissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	scraperRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
