package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics for production monitoring
var (
	// Authorization metrics
	AuthorizeDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_authorize_decisions_total",
			Help: "Total number of authorization decisions",
		},
		[]string{"decision"}, // decision: allow/deny
	)

	AuthorizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "toolgate_authorize_duration_seconds",
			Help:    "Authorization latency including cache and engine calls",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~2s
		},
	)

	PolicyEngineCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_policy_engine_calls_total",
			Help: "Total number of calls to the external policy engine",
		},
		[]string{"status"}, // status: ok/error
	)

	// Decision cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolgate_decision_cache_hits_total",
			Help: "Decision cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolgate_decision_cache_misses_total",
			Help: "Decision cache misses",
		},
	)

	CacheSingleFlightSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolgate_decision_cache_singleflight_suppressed_total",
			Help: "Lookups that waited on an in-flight evaluation instead of calling the engine",
		},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolgate_decision_cache_evictions_total",
			Help: "Decision cache evictions (LRU and expiry)",
		},
	)

	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolgate_decision_cache_entries",
			Help: "Current number of cached decisions",
		},
	)

	// Invocation metrics
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_invocations_total",
			Help: "Total number of tool invocations dispatched",
		},
		[]string{"protocol", "outcome"}, // outcome: success/error/denied/rate_limited
	)

	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolgate_invocation_duration_seconds",
			Help:    "End-to-end invocation duration by protocol",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"protocol"},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolgate_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"endpoint"},
	)

	BreakerOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_breaker_opens_total",
			Help: "Total number of closed-to-open breaker transitions",
		},
		[]string{"endpoint"},
	)

	// Rate limit metrics. No principal label: the principal space is
	// unbounded, and one series per rejected principal would be too.
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolgate_rate_limited_total",
			Help: "Requests rejected by the per-principal rate limiter",
		},
	)

	// Subprocess metrics
	SubprocessRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_subprocess_restarts_total",
			Help: "Subprocess restarts by resource and cause",
		},
		[]string{"resource", "cause"}, // cause: crash/hang/memory/fds
	)

	SubprocessState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolgate_subprocess_state",
			Help: "Subprocess state (0=idle, 1=starting, 2=running, 3=stopping, 4=crashed, 5=failed)",
		},
		[]string{"resource"},
	)

	// Audit pipeline metrics
	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolgate_audit_queue_depth",
			Help: "Events currently buffered in the audit queue",
		},
	)

	AuditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolgate_audit_dropped_total",
			Help: "Audit events dropped under sustained backpressure",
		},
	)

	AuditBatchesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_audit_batches_total",
			Help: "Audit batches written to the sink",
		},
		[]string{"status"}, // status: ok/retried/fallback
	)
)
