// Package metrics exposes Prometheus collectors for the enrichment pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsTotal                 *prometheus.CounterVec
	itemDurationSeconds        *prometheus.HistogramVec
	phaseDurationSeconds       *prometheus.GaugeVec
	providerAttemptsTotal      *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enricher_items_total",
				Help: "Products processed, labeled by phase and outcome status.",
			},
			[]string{"phase", "status"},
		)

		itemDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enricher_item_duration_seconds",
				Help:    "Time spent on one product within a phase.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"phase"},
		)

		phaseDurationSeconds = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "enricher_phase_duration_seconds",
				Help: "Wall-clock duration of the last run of each phase.",
			},
			[]string{"phase"},
		)

		providerAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enricher_provider_attempts_total",
				Help: "Source provider scrape attempts, labeled by provider and result.",
			},
			[]string{"provider", "result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "enricher_active_workers",
				Help: "Number of dispatcher workers currently holding a browsing context.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enricher_rate_limit_delay_seconds",
				Help:    "Histogram of per-domain politeness waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enricher_http_requests_total",
				Help: "Status API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enricher_http_request_duration_seconds",
				Help:    "Histogram of status API latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
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

// ObserveItem records one product outcome for a phase.
func ObserveItem(phase, status string, duration time.Duration) {
	Init()
	itemsTotal.WithLabelValues(phase, status).Inc()
	itemDurationSeconds.WithLabelValues(phase).Observe(duration.Seconds())
}

// ObservePhase records how long a whole phase took.
func ObservePhase(phase string, duration time.Duration) {
	Init()
	phaseDurationSeconds.WithLabelValues(phase).Set(duration.Seconds())
}

// ObserveProviderAttempt counts one scrape attempt.
func ObserveProviderAttempt(provider, result string) {
	Init()
	providerAttemptsTotal.WithLabelValues(strings.ToLower(provider), result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
