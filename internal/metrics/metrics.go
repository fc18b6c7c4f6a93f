// Package metrics exposes Prometheus collectors for the scrape scheduler.
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
	tasksTotal                 *prometheus.CounterVec
	tasksActive                prometheus.Gauge
	taskDurationSeconds        *prometheus.HistogramVec
	operationDurationSeconds   *prometheus.HistogramVec
	errorsTotal                *prometheus.CounterVec
	breakerState               *prometheus.GaugeVec
	browsersActive             prometheus.Gauge
	browserHealthChecksTotal   *prometheus.CounterVec
	browserMemoryBytes         prometheus.Gauge
	poolInUse                  *prometheus.GaugeVec
	poolWaiting                *prometheus.GaugeVec
	poolAcquireTimeoutsTotal   *prometheus.CounterVec
	poolEvictionsTotal         *prometheus.CounterVec
	proxyRequestsTotal         *prometheus.CounterVec
	proxyLatencySeconds        prometheus.Histogram
	proxyHealthScore           *prometheus.GaugeVec
	proxyPoolSize              prometheus.Gauge
	rateLimitRejectionsTotal   *prometheus.CounterVec
	rateLimitDegradedTotal     prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_tasks_total",
				Help: "Task attempts finished, labeled by resulting status.",
			},
			[]string{"status"},
		)

		tasksActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_tasks_active",
				Help: "Tasks that are scheduled, paused, running or waiting to retry.",
			},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_task_duration_seconds",
				Help:    "Wall time of task attempts, labeled by resulting status.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		)

		operationDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_operation_duration_seconds",
				Help:    "Duration of each execution stage, labeled by operation.",
				Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30},
			},
			[]string{"operation"},
		)

		errorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_errors_total",
				Help: "Errors by type.",
			},
			[]string{"error_type"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scrape_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 open, 2 half-open), labeled by breaker.",
			},
			[]string{"breaker"},
		)

		browsersActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_browsers_active",
				Help: "Browser handles currently checked out.",
			},
		)

		browserHealthChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_browser_health_checks_total",
				Help: "Browser liveness probes, labeled by result.",
			},
			[]string{"result"},
		)

		browserMemoryBytes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_browser_memory_bytes",
				Help: "Resident memory of checked-out browsers at the last health sweep.",
			},
		)

		poolInUse = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scrape_pool_in_use",
				Help: "Resources checked out of a pool.",
			},
			[]string{"pool"},
		)

		poolWaiting = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scrape_pool_waiting",
				Help: "Callers blocked waiting on a pool.",
			},
			[]string{"pool"},
		)

		poolAcquireTimeoutsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_pool_acquire_timeouts_total",
				Help: "Pool acquisitions that timed out.",
			},
			[]string{"pool"},
		)

		poolEvictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_pool_evictions_total",
				Help: "Resources reclaimed or discarded by a pool, labeled by reason.",
			},
			[]string{"pool", "reason"},
		)

		proxyRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_proxy_requests_total",
				Help: "Requests routed through proxies, labeled by proxy and status.",
			},
			[]string{"proxy", "status"},
		)

		proxyLatencySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrape_proxy_latency_seconds",
				Help:    "Latency of successful proxied requests.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		proxyHealthScore = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scrape_proxy_health_score",
				Help: "Health score of tracked proxies.",
			},
			[]string{"proxy"},
		)

		proxyPoolSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_proxy_pool_size",
				Help: "Proxies currently tracked by the registry.",
			},
		)

		rateLimitRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_ratelimit_rejections_total",
				Help: "Rate limit rejections, labeled by domain.",
			},
			[]string{"domain"},
		)

		rateLimitDegradedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrape_ratelimit_degraded_total",
				Help: "Checks allowed because the counter store was unreachable.",
			},
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

// ObserveTask records one finished attempt.
func ObserveTask(status string, duration time.Duration) {
	Init()
	tasksTotal.WithLabelValues(status).Inc()
	taskDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// SetActiveTasks sets the active task gauge.
func SetActiveTasks(n int) {
	Init()
	tasksActive.Set(float64(n))
}

// ObserveOperation records the duration of one execution stage.
func ObserveOperation(operation string, duration time.Duration) {
	Init()
	operationDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncError counts an error of the given type.
func IncError(errorType string) {
	Init()
	errorsTotal.WithLabelValues(errorType).Inc()
}

// SetBreakerState exports a breaker state as its numeric value.
func SetBreakerState(name string, state int) {
	Init()
	breakerState.WithLabelValues(name).Set(float64(state))
}

// IncActiveBrowsers increments the active browsers gauge.
func IncActiveBrowsers() {
	Init()
	browsersActive.Inc()
}

// DecActiveBrowsers decrements the active browsers gauge.
func DecActiveBrowsers() {
	Init()
	browsersActive.Dec()
}

// ResetActiveBrowsers zeroes the active browsers gauge.
func ResetActiveBrowsers() {
	Init()
	browsersActive.Set(0)
}

// ObserveBrowserHealth counts a liveness probe outcome.
func ObserveBrowserHealth(healthy bool) {
	Init()
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	browserHealthChecksTotal.WithLabelValues(result).Inc()
}

// SetBrowserMemory records resident browser memory in bytes.
func SetBrowserMemory(bytes uint64) {
	Init()
	browserMemoryBytes.Set(float64(bytes))
}

// SetPoolUsage exports in-use and waiting counts for a pool.
func SetPoolUsage(pool string, inUse, waiting int) {
	Init()
	poolInUse.WithLabelValues(pool).Set(float64(inUse))
	poolWaiting.WithLabelValues(pool).Set(float64(waiting))
}

// IncPoolAcquireTimeout counts a timed-out acquisition.
func IncPoolAcquireTimeout(pool string) {
	Init()
	poolAcquireTimeoutsTotal.WithLabelValues(pool).Inc()
}

// IncPoolEviction counts a resource removed from a pool.
func IncPoolEviction(pool, reason string) {
	Init()
	poolEvictionsTotal.WithLabelValues(pool, reason).Inc()
}

// ObserveProxyRequest records one proxied request outcome.
func ObserveProxyRequest(proxy string, success bool, latency time.Duration) {
	Init()
	status := "success"
	if !success {
		status = "failure"
	}
	proxyRequestsTotal.WithLabelValues(proxy, status).Inc()
	if success && latency > 0 {
		proxyLatencySeconds.Observe(latency.Seconds())
	}
}

// SetProxyHealth exports a proxy health score.
func SetProxyHealth(proxy string, score float64) {
	Init()
	proxyHealthScore.WithLabelValues(proxy).Set(score)
}

// DeleteProxyHealth drops the score series of a proxy that left the registry.
func DeleteProxyHealth(proxy string) {
	Init()
	proxyHealthScore.DeleteLabelValues(proxy)
}

// SetProxyPoolSize exports the number of tracked proxies.
func SetProxyPoolSize(n int) {
	Init()
	proxyPoolSize.Set(float64(n))
}

// IncRateLimitRejection counts a rejected admission for domain.
func IncRateLimitRejection(domain string) {
	Init()
	rateLimitRejectionsTotal.WithLabelValues(domain).Inc()
}

// IncRateLimitDegraded counts a fail-open decision.
func IncRateLimitDegraded() {
	Init()
	rateLimitDegradedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
