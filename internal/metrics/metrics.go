// Package metrics exposes Prometheus collectors for the import service.
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
	fetchesTotal                *prometheus.CounterVec
	fetchBytesTotal             *prometheus.CounterVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	robotsFallbackTotal         *prometheus.CounterVec
	importsTotal                *prometheus.CounterVec
	commitsTotal                *prometheus.CounterVec
	activeWorkers               prometheus.Gauge
	rateLimitDelaysSeconds      *prometheus.HistogramVec
	browserSessionRecycledTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webimporter_fetches_total",
				Help: "Total number of fetches, labeled by site, fetcher and state.",
			},
			[]string{"site", "fetcher", "state"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webimporter_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webimporter_robots_fallback_total",
				Help: "Total robots.txt probes answered with a synthetic allow-all, labeled by reason.",
			},
			[]string{"reason"},
		)

		importsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webimporter_imports_total",
				Help: "Total number of imported documents, labeled by status.",
			},
			[]string{"status"},
		)

		commitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webimporter_commits_total",
				Help: "Total number of committed operations, labeled by committer, operation and outcome.",
			},
			[]string{"committer", "operation", "outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webimporter_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webimporter_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		browserSessionRecycledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webimporter_browser_sessions_recycled_total",
				Help: "Browser sessions closed after reaching their navigation or age limit.",
			},
			[]string{"fetcher"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
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

// ObserveFetch records one fetch outcome.
func ObserveFetch(reference, fetcher, state string, bytesFetched int) {
	Init()
	site := SanitizeSite(reference)
	fetchesTotal.WithLabelValues(site, fetcher, state).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts robots.txt probes that fell back to allow-all.
func ObserveRobotsFallback(reason string) {
	Init()
	robotsFallbackTotal.WithLabelValues(reason).Inc()
}

// ObserveImport increments the import counter for the given status.
func ObserveImport(status string) {
	Init()
	importsTotal.WithLabelValues(status).Inc()
}

// ObserveCommit records a committer operation.
func ObserveCommit(committer, operation string, err error) {
	Init()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	commitsTotal.WithLabelValues(committer, operation, outcome).Inc()
}

// ObserveSessionRecycled counts a browser session retired by its limits.
func ObserveSessionRecycled(fetcher string) {
	Init()
	browserSessionRecycledTotal.WithLabelValues(fetcher).Inc()
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
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
