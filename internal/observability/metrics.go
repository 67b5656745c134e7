package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate on the transport surface. Watch for: drops (node down) or spikes.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP latency per request. One-way transactions return after routing, so their latency stays flat.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent HTTP requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Broker transactions by interface, op code, convention (twoway/oneway) and outcome.
	BrokerTransactionsTotal *prometheus.CounterVec

	// Broker dispatch latency. For one-way calls this measures handler run time on the worker.
	BrokerDispatchDuration *prometheus.HistogramVec

	// Rejected calls by kind (unknown_operation, interface_mismatch, convention_mismatch, malformed_parcel).
	// Any non-zero rate means a client and server disagree on the contract.
	BrokerProtocolViolationsTotal *prometheus.CounterVec

	// Tasks currently running on the shared worker pool.
	PoolTasksInFlight prometheus.Gauge

	// Tasks waiting for a pool slot. Sustained growth means the pool is undersized.
	PoolTasksQueued prometheus.Gauge

	// Cache lookups by result (hit, miss, stale, mismatch, corrupt).
	CacheLookupsTotal *prometheus.CounterVec

	// Store errors by operation (load, save).
	CacheErrorsTotal *prometheus.CounterVec

	// Warm runs for the pinned location, and the ones that failed.
	CacheWarmingTotal       prometheus.Counter
	CacheWarmingErrorsTotal prometheus.Counter

	// Upstream fetches by status (success, not_found, rate_limited, client_error, server_error, error).
	FetcherCallsTotal *prometheus.CounterVec

	// Upstream latency. Watch for: p95 > 2s (upstream degradation).
	FetcherDuration *prometheus.HistogramVec

	// Upstream retry attempts. High values mean an unstable upstream.
	FetcherRetriesTotal prometheus.Counter

	// Async completions delivered to result sinks, by kind (result, error).
	CallbacksTotal *prometheus.CounterVec

	// Concurrent misses for the same location observed at miss time (duplicate fetches).
	ConcurrentMissesTotal prometheus.Counter

	// Misses served by joining another caller's in-flight fetch.
	CoalescedFetchesTotal prometheus.Counter

	// Circuit breaker state per component (0 closed, 1 open, 2 half-open).
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions per component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Rate limit denials on /binder routes.
	RateLimitDeniedTotal prometheus.Counter
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	BrokerTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerTransactionsTotal",
			Help: "Broker transactions dispatched, by interface, code, convention and outcome",
		},
		[]string{"interface", "code", "convention", "outcome"},
	)
	BrokerDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brokerDispatchDurationSeconds",
			Help:    "Time spent running broker handlers in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"interface", "convention"},
	)
	BrokerProtocolViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerProtocolViolationsTotal",
			Help: "Calls rejected by the dispatcher before reaching a handler",
		},
		[]string{"kind"},
	)
	PoolTasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolTasksInFlight",
			Help: "Tasks currently running on the broker worker pool",
		},
	)
	PoolTasksQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolTasksQueued",
			Help: "Tasks waiting for a broker worker pool slot",
		},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheLookupsTotal",
			Help: "Result cache lookups by result (hit, miss, stale, mismatch, corrupt)",
		},
		[]string{"result"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Result cache store errors by operation",
		},
		[]string{"operation"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warm runs for the pinned location",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warm runs that failed",
		},
	)
	FetcherCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcherCallsTotal",
			Help: "Total number of upstream weather API calls",
		},
		[]string{"status"},
	)
	FetcherDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fetcherDurationSeconds",
			Help:    "Upstream weather API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	FetcherRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fetcherRetriesTotal",
			Help: "Total number of retry attempts for upstream weather API calls",
		},
	)
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbacksTotal",
			Help: "Async completions delivered to result sinks, by kind",
		},
		[]string{"kind"},
	)
	ConcurrentMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "concurrentMissesTotal",
			Help: "Cache misses that overlapped another in-flight miss for the same location",
		},
	)
	CoalescedFetchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalescedFetchesTotal",
			Help: "Cache misses served by another caller's in-flight upstream fetch",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		BrokerTransactionsTotal, BrokerDispatchDuration, BrokerProtocolViolationsTotal,
		PoolTasksInFlight, PoolTasksQueued,
		CacheLookupsTotal, CacheErrorsTotal, CacheWarmingTotal, CacheWarmingErrorsTotal,
		FetcherCallsTotal, FetcherDuration, FetcherRetriesTotal,
		CallbacksTotal, ConcurrentMissesTotal, CoalescedFetchesTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		RateLimitDeniedTotal,
	)
}

// RecordCircuitBreakerTransition counts a transition and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string, toValue float64) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(toValue)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
