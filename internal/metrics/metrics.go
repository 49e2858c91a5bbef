// Package metrics provides Prometheus instrumentation for the dashboard.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "paydash"

var (
	// HTTPRequestsTotal counts dashboard API requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// BackendFetchDuration observes backend round-trips by endpoint.
	BackendFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_fetch_duration_seconds",
			Help:      "Backend request duration in seconds by endpoint.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	// BackendFetchErrorsTotal counts failed backend requests by endpoint and error kind.
	BackendFetchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_fetch_errors_total",
			Help:      "Failed backend requests by endpoint and error kind.",
		},
		[]string{"endpoint", "kind"},
	)

	// PollCyclesTotal counts completed poll cycles by view and outcome.
	PollCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Completed poll cycles by view and outcome.",
		},
		[]string{"view", "outcome"},
	)

	// PollCycleDuration observes a full fetch-decode-reconcile cycle.
	PollCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Poll cycle duration in seconds by view.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 15},
		},
		[]string{"view"},
	)

	// ViewPhase reports each mounted view's phase: 0 loading, 1 ready, 2 degraded.
	ViewPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "view_phase",
			Help:      "View phase (0=loading, 1=ready, 2=degraded).",
		},
		[]string{"view"},
	)

	// MountedViews tracks how many views currently have a running poller.
	MountedViews = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mounted_views",
		Help:      "Number of views with a running poller.",
	})

	// VerificationsTotal counts verification probes by result.
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Verification probes by result (verified, rejected, failed, invalid).",
		},
		[]string{"result"},
	)

	// BackendDependencyUp mirrors the backend's dependency flags from the last health poll.
	BackendDependencyUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_dependency_up",
			Help:      "Backend dependency flag from the last successful health poll.",
		},
		[]string{"dependency"},
	)

	// BackendUptimePercent is the derived dependency uptime percentage.
	BackendUptimePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backend_uptime_percent",
		Help:      "Share of backend dependencies reported operational, 0-100.",
	})

	// RateLimitedTotal counts verification requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Verification requests rejected by the rate limiter.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		BackendFetchDuration,
		BackendFetchErrorsTotal,
		PollCyclesTotal,
		PollCycleDuration,
		ViewPhase,
		MountedViews,
		VerificationsTotal,
		BackendDependencyUp,
		BackendUptimePercent,
		RateLimitedTotal,
		ActiveWebSocketClients,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
