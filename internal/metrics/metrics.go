// Package metrics provides Prometheus instrumentation for the delivery
// gateway. Collectors are package globals registered once through Init and
// exposed through Handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total requests by route, method, and HTTP status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration observes request latency in seconds by route and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// ActiveConnections tracks the number of in-flight requests.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// RateLimitHits counts rate limit rejections by route.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"route"},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// TokenCacheResults counts verified-token cache lookups by result (hit, miss).
	TokenCacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_cache_total",
			Help: "Verified token cache lookups",
		},
		[]string{"result"},
	)

	// UpstreamErrors counts failed upstream attempts by route and kind
	// (network, timeout, status).
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Total failed upstream attempts",
		},
		[]string{"route", "kind"},
	)

	// RetryTotal counts re-attempts by route.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"route"},
	)

	// CircuitBreakerState reports the current breaker state per route
	// (0 = closed, 1 = open, 2 = half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"route"},
	)

	// CircuitBreakerStateChanges counts breaker transitions.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"route", "from", "to"},
	)

	// CircuitBreakerRejections counts calls refused by a breaker, by reason
	// (open, half_open_full, bulkhead_full).
	CircuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_rejections_total",
			Help: "Total calls not permitted by the circuit breaker",
		},
		[]string{"route", "reason"},
	)

	// BulkheadInFlight reports the number of concurrent upstream calls per route.
	BulkheadInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_bulkhead_in_flight",
			Help: "Concurrent upstream calls per route",
		},
		[]string{"route"},
	)

	// FallbacksTotal counts fallback responses by route and cause
	// (breaker, exhausted, upstream_error).
	FallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_fallbacks_total",
			Help: "Total fallback responses served",
		},
		[]string{"route", "cause"},
	)
)

// Collectors returns every collector owned by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		ActiveConnections,
		RateLimitHits,
		AuthFailures,
		TokenCacheResults,
		UpstreamErrors,
		RetryTotal,
		CircuitBreakerState,
		CircuitBreakerStateChanges,
		CircuitBreakerRejections,
		BulkheadInFlight,
		FallbacksTotal,
	}
}

var initOnce sync.Once

// Init registers all metric collectors with the default Prometheus registry.
// Must be called at startup before handling requests; repeated calls are
// no-ops.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
