// Package metrics exposes Prometheus collectors for fetching, scheduling and
// the HTTP API. Lifecycle counters live in the progress Prometheus sink.
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
	fetchPagesTotal            *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	headlessPromotionsTotal    *prometheus.CounterVec
	robotsFallbackTotal        *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	schedulerDispatchedTotal   prometheus.Counter
	schedulerRequeuedTotal     prometheus.Counter
	schedulerTickSeconds       prometheus.Histogram
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		fetchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_pages_total",
				Help: "Pages fetched by crawl workers, labeled by site and status.",
			},
			[]string{"site", "status"},
		)
		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_bytes_total",
				Help: "Response bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)
		headlessPromotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_headless_promotions_total",
				Help: "Headless re-fetches, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_robots_fallback_total",
				Help: "robots.txt probes that timed out and fell back to allow-all.",
			},
			[]string{"site"},
		)
		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delay_seconds",
				Help:    "Time spent waiting on per-domain rate limits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
		schedulerDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "ingest_scheduler_dispatched_total",
			Help: "Tasks handed to workers by the scheduler.",
		})
		schedulerRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "ingest_scheduler_requeued_total",
			Help: "Stale IN_PROGRESS tasks reset to PENDING.",
		})
		schedulerTickSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_scheduler_tick_seconds",
			Help:    "Duration of one scheduler pass over active jobs.",
			Buckets: prometheus.DefBuckets,
		})
		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_active_workers",
			Help: "Crawl workers currently executing a task.",
		})
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
	})
}

// SanitizeSite extracts a lowercase hostname, or "unknown".
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

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch counts one fetch attempt.
func ObserveFetch(site, status string, bytesFetched int) {
	Init()
	s := SanitizeSite(site)
	fetchPagesTotal.WithLabelValues(s, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(s).Add(float64(bytesFetched))
	}
}

// ObserveHeadlessPromotion counts a headless re-fetch.
func ObserveHeadlessPromotion(ok bool) {
	Init()
	outcome := "rendered"
	if !ok {
		outcome = "failed"
	}
	headlessPromotionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRobotsFallback counts a robots.txt probe that gave up.
func ObserveRobotsFallback(site string) {
	Init()
	robotsFallbackTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveRateLimitDelay records a rate limiter wait.
func ObserveRateLimitDelay(domain string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveSchedulerTick records one scheduler pass.
func ObserveSchedulerTick(d time.Duration, dispatched, requeued int) {
	Init()
	schedulerTickSeconds.Observe(d.Seconds())
	schedulerDispatchedTotal.Add(float64(dispatched))
	schedulerRequeuedTotal.Add(float64(requeued))
}

// IncActiveWorkers marks a worker busy.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers marks a worker idle.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
