package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the plural-identity relay.
// Declared in their own package to keep metrics close to business logic
// and avoid coupling between packages.
//
// Naming convention: namespace_subsystem_name
// - namespace: plural_kitty (application-level grouping)
// - subsystem: resolver, coordinator, store, proxy, matrixapi, rate_limit, redis
// - name: specific metric (cache_lookups_total, lock_wait_seconds, etc.)
//
// Metric Types:
// - Gauge: Current state (tracked users, circuit breaker state)
// - Counter: Cumulative events (cache lookups, state event PUTs)
// - Histogram: Latency distributions (lock wait, store operation duration)

var (
	// ResolverCacheLookups tracks token-cache lookups (CounterVec by result: hit|miss)
	ResolverCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plural_kitty",
		Subsystem: "resolver",
		Name:      "cache_lookups_total",
		Help:      "Total token cache lookups by result",
	}, []string{"result"})

	// ResolverDecisions tracks the outcome of Resolve calls (CounterVec by decision: skip|rewrite)
	ResolverDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plural_kitty",
		Subsystem: "resolver",
		Name:      "decisions_total",
		Help:      "Total resolve decisions by outcome",
	}, []string{"decision"})

	// CoordinatorLockWait tracks time spent waiting to acquire a per-user update lock
	CoordinatorLockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "plural_kitty",
		Subsystem: "coordinator",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting to acquire the per-user update lock",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// CoordinatorTrackedUsers tracks the number of users with an entry in the lock map (Gauge - current state)
	CoordinatorTrackedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "plural_kitty",
		Subsystem: "coordinator",
		Name:      "tracked_users",
		Help:      "Current number of users with an entry in the update-lock map",
	})

	// StoreOperations tracks store calls by operation/backend/status (CounterVec - cumulative)
	StoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plural_kitty",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Total store operations by operation, backend and status",
	}, []string{"operation", "backend", "status"})

	// StoreOperationDuration tracks store call latency (HistogramVec - latency distribution)
	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "plural_kitty",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Duration of store operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "backend"})

	// ProxyStateEventPuts tracks m.room.member state PUTs issued by the proxy (CounterVec - cumulative)
	ProxyStateEventPuts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plural_kitty",
		Subsystem: "proxy",
		Name:      "state_event_puts_total",
		Help:      "Total m.room.member state PUTs issued, by status",
	}, []string{"status"})

	// ProxyIdentityUpdateDuration tracks the membership GET/diff/PUT latency while the per-user lock is held
	ProxyIdentityUpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "plural_kitty",
		Subsystem: "proxy",
		Name:      "identity_update_seconds",
		Help:      "Time spent in the identity-update sequence while holding the per-user lock, GET through PUT",
		Buckets:   prometheus.DefBuckets,
	})

	// ProxyPassthroughFailures tracks passthrough requests that failed to reach upstream
	ProxyPassthroughFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plural_kitty",
		Subsystem: "proxy",
		Name:      "passthrough_failures_total",
		Help:      "Total passthrough requests that failed to reach upstream",
	})

	// CircuitBreakerState tracks the current state of a circuit breaker (GaugeVec)
	// 0: Closed (Healthy), 1: Half-Open (Recovering), 2: Open (Failure)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "plural_kitty",
		Subsystem: "matrixapi",
		Name:      "circuit_breaker_state",
		Help:      "Current state of the upstream circuit breaker (0: Closed, 1: Half-Open, 2: Open)",
	}, []string{"service"})

	// CircuitBreakerRejections tracks requests rejected by an open circuit breaker
	CircuitBreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plural_kitty",
		Subsystem: "matrixapi",
		Name:      "circuit_breaker_rejections_total",
		Help:      "Total upstream calls rejected by an open circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plural_kitty",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plural_kitty",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations issued by the rate limiter store
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plural_kitty",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations (HistogramVec)
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "plural_kitty",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)
