// Package metrics provides Prometheus instrumentation for the network client
// and an in-memory recorder of recent per-request outcomes. Collectors are
// registered by Init and exposed through Handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts logical requests by host, method, and outcome
	// ("success" or an error kind).
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_requests_total",
			Help: "Total logical requests executed by the client",
		},
		[]string{"host", "method", "outcome"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netcore_request_duration_seconds",
			Help:    "Request latency in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"host", "method"},
	)

	// InFlightRequests tracks logical requests currently inside Execute.
	InFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netcore_in_flight_requests",
			Help: "Number of requests currently being executed",
		},
	)

	// RetryTotal counts retry attempts by host.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"host"},
	)

	// CacheLookups counts response cache lookups by result ("hit", "miss").
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_cache_lookups_total",
			Help: "Total response cache lookups",
		},
		[]string{"result"},
	)

	// CacheEntries tracks the number of live response cache entries.
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netcore_cache_entries",
			Help: "Number of entries in the response cache",
		},
	)

	// RateLimitHits counts local rate limit rejections by host.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"host"},
	)

	// CircuitRejections counts calls refused by an open circuit.
	CircuitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_circuit_rejections_total",
			Help: "Total calls rejected by an open circuit breaker",
		},
		[]string{"host"},
	)

	// CircuitBreakerState reports the current state per key
	// (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netcore_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"host"},
	)

	// CircuitBreakerStateChanges counts breaker transitions.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_circuit_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"host", "from", "to"},
	)

	// PoolActive tracks the number of occupied request pool slots.
	PoolActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netcore_pool_active",
			Help: "Number of requests holding a pool slot",
		},
	)

	// PoolQueued tracks the number of callers waiting for a pool slot.
	PoolQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netcore_pool_queued",
			Help: "Number of requests waiting for a pool slot",
		},
	)

	// PoolRejections counts submissions refused because the queue was full.
	PoolRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netcore_pool_rejections_total",
			Help: "Total requests rejected by a saturated pool",
		},
	)

	// SharedResponses counts requests answered by another in-flight
	// identical request.
	SharedResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netcore_shared_responses_total",
			Help: "Total requests served by a de-duplicated in-flight call",
		},
	)

	// AuthFailures counts admin API authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)
)

// Collectors returns every collector owned by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		InFlightRequests,
		RetryTotal,
		CacheLookups,
		CacheEntries,
		RateLimitHits,
		CircuitRejections,
		CircuitBreakerState,
		CircuitBreakerStateChanges,
		PoolActive,
		PoolQueued,
		PoolRejections,
		SharedResponses,
		AuthFailures,
	}
}

var initOnce sync.Once

// Init registers all metric collectors with the default Prometheus registry.
// Safe to call more than once; only the first call registers.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
