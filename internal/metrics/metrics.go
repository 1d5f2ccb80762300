package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for the mock Hub server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Rental lifecycle metrics
var (
	// StartOutcomes counts finished start attempts by terminal stage and error kind
	StartOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rental_start_outcomes_total",
			Help: "Rental start attempts by final stage (complete, error) and error kind",
		},
		[]string{"stage", "kind"},
	)

	// StartDuration tracks how long a start takes from submission to RUNNING
	StartDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rental_start_duration_seconds",
			Help:    "Duration of successful rental starts",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
	)

	// HubRetryAttempts counts hub calls that were retried
	HubRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rental_hub_retry_attempts_total",
			Help: "Hub call retries by operation and reason (indexing, transient)",
		},
		[]string{"operation", "reason"},
	)

	// HubRetryExhausted counts retry loops that ran out of attempts
	HubRetryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rental_hub_retry_exhausted_total",
			Help: "Hub retry loops that exhausted all attempts by operation",
		},
		[]string{"operation"},
	)

	// HubResponseTime tracks hub API response times by operation
	HubResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rental_hub_response_time_seconds",
			Help:    "Response time of Hub API calls by operation",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"operation"},
	)

	// HubCallsTotal counts hub API calls by operation and status
	HubCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rental_hub_calls_total",
			Help: "Hub API calls by operation and status (success, error)",
		},
		[]string{"operation", "status"},
	)

	// TxPhaseTransitions counts transaction tracker phase entries
	TxPhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rental_tx_phase_transitions_total",
			Help: "Blockchain transaction phase entries by contract method and phase",
		},
		[]string{"method", "phase"},
	)

	// CacheInvalidations counts cache key invalidations
	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rental_cache_invalidations_total",
			Help: "Query cache invalidations by key",
		},
		[]string{"key"},
	)

	// CacheRefreshes counts cache refetches by key and result
	CacheRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rental_cache_refreshes_total",
			Help: "Query cache refetches by key and result (success, error)",
		},
		[]string{"key", "result"},
	)

	// ExtensionOutcomes counts extension requests by result
	ExtensionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rental_extension_outcomes_total",
			Help: "Session extensions by result (success or error kind)",
		},
		[]string{"result"},
	)

	// PendingExpired counts pending sessions that ran out their TTL
	PendingExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rental_pending_expired_total",
			Help: "Pending sessions that reached their confirmation deadline",
		},
	)

	// SessionsTracked tracks the sessions watched by urgency level
	SessionsTracked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rental_sessions_tracked",
			Help: "Sessions currently tracked by state and urgency",
		},
		[]string{"state", "urgency"},
	)
)

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordStartOutcome records the terminal stage of a start attempt
func RecordStartOutcome(stage, kind string) {
	StartOutcomes.WithLabelValues(stage, kind).Inc()
}

// RecordStartDuration records how long a successful start took
func RecordStartDuration(d time.Duration) {
	StartDuration.Observe(d.Seconds())
}

// RecordHubRetry increments the hub retry counter
func RecordHubRetry(operation, reason string) {
	HubRetryAttempts.WithLabelValues(operation, reason).Inc()
}

// RecordHubRetryExhausted increments the retry exhausted counter
func RecordHubRetryExhausted(operation string) {
	HubRetryExhausted.WithLabelValues(operation).Inc()
}

// RecordHubCall records the response time and status of a hub API call
func RecordHubCall(operation string, duration time.Duration, err error) {
	HubResponseTime.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	HubCallsTotal.WithLabelValues(operation, status).Inc()
}

// RecordTxPhase increments the transaction phase counter
func RecordTxPhase(method, phase string) {
	TxPhaseTransitions.WithLabelValues(method, phase).Inc()
}

// RecordCacheInvalidation increments the invalidation counter
func RecordCacheInvalidation(key string) {
	CacheInvalidations.WithLabelValues(key).Inc()
}

// RecordCacheRefresh records a cache refetch result
func RecordCacheRefresh(key string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	CacheRefreshes.WithLabelValues(key, result).Inc()
}

// RecordExtension records an extension outcome
func RecordExtension(result string) {
	ExtensionOutcomes.WithLabelValues(result).Inc()
}

// RecordPendingExpired increments the pending expiry counter
func RecordPendingExpired() {
	PendingExpired.Inc()
}

// TrackedCount holds the number of sessions for a state/urgency pair
type TrackedCount struct {
	State   string
	Urgency string
	Count   int
}

// SetTrackedSessions replaces the tracked-sessions gauge with the given counts
func SetTrackedSessions(ctx context.Context, counts []TrackedCount) {
	SessionsTracked.Reset()
	for _, c := range counts {
		SessionsTracked.WithLabelValues(c.State, c.Urgency).Set(float64(c.Count))
	}
	slog.DebugContext(ctx, "updated tracked session metrics",
		slog.Int("label_combinations", len(counts)))
}
