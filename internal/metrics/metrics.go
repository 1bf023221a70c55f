package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for the API server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Pipeline stage metrics
var (
	// OperationDuration mirrors every measurement taken by the performance monitor
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_operation_duration_seconds",
			Help:    "Duration of pipeline operations by operation and outcome",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation", "outcome"},
	)

	// SLAViolations counts operations that exceeded their SLA
	SLAViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_sla_violations_total",
			Help: "Total number of operations that exceeded their SLA threshold",
		},
		[]string{"operation"},
	)

	// AlertsFired counts alert state transitions
	AlertsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_alerts_total",
			Help: "Total number of alert events by rule, severity and state",
		},
		[]string{"rule", "severity", "state"},
	)

	// AlertDeliveryFailures counts alert events the sink rejected
	AlertDeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_alert_delivery_failures_total",
			Help: "Total number of alert events that could not be delivered",
		},
	)
)

// Cache metrics
var (
	// CacheLookups counts cache lookups; level is the tier that answered or "miss"
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_cache_lookups_total",
			Help: "Total number of cache lookups by answering level",
		},
		[]string{"level"},
	)

	// CacheEvictions counts entries leaving a tier
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_cache_evictions_total",
			Help: "Total number of cache evictions by level and reason",
		},
		[]string{"level", "reason"},
	)

	// CacheEntries tracks the number of live entries per tier
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "triage_cache_entries",
			Help: "Number of entries currently held by each cache level",
		},
		[]string{"level"},
	)
)

// Model invocation metrics
var (
	// ModelCalls counts model calls by provider, model and status
	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_model_calls_total",
			Help: "Total number of model calls by provider, model and status",
		},
		[]string{"provider", "model", "status"},
	)

	// ModelCallDuration tracks provider response time
	ModelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_model_call_duration_seconds",
			Help:    "Duration of individual model calls by provider",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"provider"},
	)

	// ModelRetries counts retry attempts after a failed call
	ModelRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_model_retries_total",
			Help: "Total number of model call retries by error kind",
		},
		[]string{"kind"},
	)

	// ModelFallbacks counts moves down a tier's fallback chain
	ModelFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_model_fallbacks_total",
			Help: "Total number of fallbacks by tier and target (next route or rules)",
		},
		[]string{"tier", "target"},
	)

	// CircuitBreakerState tracks breaker state per route (0 closed, 1 half-open, 2 open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "triage_circuit_breaker_state",
			Help: "Circuit breaker state per route: 0 closed, 1 half-open, 2 open",
		},
		[]string{"route"},
	)

	// TierSelections counts the tier each scored email ran at
	TierSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_tier_selections_total",
			Help: "Total number of emails scored per tier",
		},
		[]string{"tier"},
	)
)

// Budget metrics
var (
	// BudgetDecisions counts charge outcomes
	BudgetDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_budget_decisions_total",
			Help: "Total number of budget decisions by result",
		},
		[]string{"result"},
	)

	// SpendCents accumulates model spend
	SpendCents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_spend_cents_total",
			Help: "Total model spend in cents by tier",
		},
		[]string{"tier"},
	)

	// BudgetWarnings counts users crossing the warning threshold
	BudgetWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_budget_warnings_total",
			Help: "Total number of budget warning threshold crossings by window",
		},
		[]string{"window"},
	)
)

// Database metrics
var (
	// DBQueryDuration tracks gateway query duration
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_db_query_duration_seconds",
			Help:    "Duration of database gateway queries by query name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// DBSlowQueries counts queries that exceeded the slow threshold
	DBSlowQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_db_slow_queries_total",
			Help: "Total number of slow database queries by query name",
		},
		[]string{"query"},
	)

	// DBPoolTimeouts counts acquisitions that timed out waiting for a connection slot
	DBPoolTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_db_pool_timeouts_total",
			Help: "Total number of connection slot acquisitions that timed out",
		},
	)

	// DBReadCache counts gateway read cache lookups
	DBReadCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_db_read_cache_total",
			Help: "Total number of gateway read cache lookups by result",
		},
		[]string{"result"},
	)

	// BatchItems counts per-item batch write outcomes
	BatchItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_batch_items_total",
			Help: "Total number of batch write items by outcome",
		},
		[]string{"outcome"},
	)
)

// Helper functions for common metric operations

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordOperation records one monitored operation
func RecordOperation(operation string, success bool, duration time.Duration) {
	OperationDuration.WithLabelValues(operation, outcomeLabel(success)).Observe(duration.Seconds())
}

// RecordSLAViolation increments the SLA violation counter
func RecordSLAViolation(operation string) {
	SLAViolations.WithLabelValues(operation).Inc()
}

// RecordAlert increments the alert counter
func RecordAlert(rule, severity, state string) {
	AlertsFired.WithLabelValues(rule, severity, state).Inc()
}

// RecordAlertDeliveryFailure counts an alert the sink did not accept
func RecordAlertDeliveryFailure() {
	AlertDeliveryFailures.Inc()
}

// RecordCacheLookup records which level answered, or "miss"
func RecordCacheLookup(level string) {
	CacheLookups.WithLabelValues(level).Inc()
}

// RecordCacheEviction records an entry leaving a tier
func RecordCacheEviction(level, reason string) {
	CacheEvictions.WithLabelValues(level, reason).Inc()
}

// RecordModelCall records a model call with its status and duration
// status should be "success", "error" or "circuit_open"
func RecordModelCall(provider, model, status string, duration time.Duration) {
	ModelCalls.WithLabelValues(provider, model, status).Inc()
	if duration > 0 {
		ModelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

// RecordRetry increments the retry counter
func RecordRetry(kind string) {
	ModelRetries.WithLabelValues(kind).Inc()
}

// RecordFallback increments the fallback counter
func RecordFallback(tier, target string) {
	ModelFallbacks.WithLabelValues(tier, target).Inc()
}

// SetBreakerState publishes a route's breaker state
func SetBreakerState(route string, state int) {
	CircuitBreakerState.WithLabelValues(route).Set(float64(state))
}

// RecordTier increments the tier selection counter
func RecordTier(tier string) {
	TierSelections.WithLabelValues(tier).Inc()
}

// RecordBudgetDecision increments the budget decision counter
func RecordBudgetDecision(allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	BudgetDecisions.WithLabelValues(result).Inc()
}

// RecordSpend adds to the spend counter
func RecordSpend(tier string, cents float64) {
	if cents > 0 {
		SpendCents.WithLabelValues(tier).Add(cents)
	}
}

// RecordBudgetWarning increments the budget warning counter
func RecordBudgetWarning(window string) {
	BudgetWarnings.WithLabelValues(window).Inc()
}

// RecordQuery records a gateway query duration and flags slow ones
func RecordQuery(query string, duration time.Duration, slow bool) {
	DBQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
	if slow {
		DBSlowQueries.WithLabelValues(query).Inc()
	}
}

// RecordPoolTimeout records a connection slot acquisition timeout
func RecordPoolTimeout() {
	DBPoolTimeouts.Inc()
}

// RecordReadCache records a gateway read cache lookup
func RecordReadCache(hit bool) {
	if hit {
		DBReadCache.WithLabelValues("hit").Inc()
		return
	}
	DBReadCache.WithLabelValues("miss").Inc()
}

// RecordBatchItem records a per-item batch write outcome
func RecordBatchItem(ok bool) {
	BatchItems.WithLabelValues(outcomeLabel(ok)).Inc()
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
