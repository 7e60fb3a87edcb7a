// Package metrics provides Prometheus instrumentation for the trust-score gateway.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustgate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trustgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Analytics client ---

	// AnalyticsCacheTotal counts cache lookups by operation and result (hit, miss).
	AnalyticsCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustgate",
			Subsystem: "analytics",
			Name:      "cache_lookups_total",
			Help:      "Analytics cache lookups by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// AnalyticsRequestsTotal counts upstream HTTP attempts by operation and outcome.
	AnalyticsRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustgate",
			Subsystem: "analytics",
			Name:      "upstream_requests_total",
			Help:      "Upstream analytics requests by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// AnalyticsRequestDuration observes upstream latency by operation.
	AnalyticsRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trustgate",
			Subsystem: "analytics",
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream analytics request duration in seconds.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	// --- Payments ---

	// PaymentVerificationsTotal counts proof verifications by result
	// ("valid" or the invalid reason).
	PaymentVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustgate",
			Name:      "payment_verifications_total",
			Help:      "Payment proof verifications by result.",
		},
		[]string{"network", "result"},
	)

	// SettlementsTotal counts settlement attempts by network and result.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustgate",
			Name:      "settlements_total",
			Help:      "Settlement attempts by network and result.",
		},
		[]string{"network", "result"},
	)

	// SettlementDuration observes settlement latency by network.
	SettlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trustgate",
			Name:      "settlement_duration_seconds",
			Help:      "Time to settle a payment on-chain in seconds.",
			Buckets:   []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"network"},
	)

	// --- Scoring ---

	// TrustScoresTotal counts computed scores by tier.
	TrustScoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustgate",
			Name:      "trust_scores_total",
			Help:      "Trust scores computed by tier.",
		},
		[]string{"tier"},
	)

	// TrustScoreValue observes the distribution of computed scores.
	TrustScoreValue = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trustgate",
		Name:      "trust_score",
		Help:      "Distribution of computed trust scores.",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	// RiskFlagsTotal counts raised risk flags by type.
	RiskFlagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustgate",
			Name:      "risk_flags_total",
			Help:      "Risk flags raised by type.",
		},
		[]string{"type"},
	)

	// ApprovalsTotal counts human approval decisions.
	ApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustgate",
			Name:      "approvals_total",
			Help:      "Settlement approval decisions.",
		},
		[]string{"decision"},
	)

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustgate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AnalyticsCacheTotal,
		AnalyticsRequestsTotal,
		AnalyticsRequestDuration,
		PaymentVerificationsTotal,
		SettlementsTotal,
		SettlementDuration,
		TrustScoresTotal,
		TrustScoreValue,
		RiskFlagsTotal,
		ApprovalsTotal,
		GoroutineCount,
	)
}

// StartRuntimeCollector periodically samples the goroutine count.
// Call in a goroutine; exits when ctx is done.
func StartRuntimeCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		GoroutineCount.Set(float64(runtime.NumGoroutine()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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
