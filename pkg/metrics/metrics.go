package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch metrics
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_dispatches_total",
			Help: "Total number of dispatches by agent and final status",
		},
		[]string{"agent", "status"},
	)

	DispatchValidationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_dispatch_validation_failures_total",
			Help: "Total number of dispatch requests rejected by validation",
		},
	)

	IdempotentReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_dispatch_idempotent_replays_total",
			Help: "Total number of dispatches answered from an idempotency mapping",
		},
	)

	// Launcher metrics
	LaunchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_launch_attempts_total",
			Help: "Total number of worker launch attempts by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)

	LaunchCapacityRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_launch_capacity_retries_total",
			Help: "Total number of launch retries caused by capacity failures",
		},
	)

	// Pool metrics
	PoolEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outpost_pool_entries",
			Help: "Warm pool entries by agent and state",
		},
		[]string{"agent", "state"},
	)

	PoolTargetSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outpost_pool_target_size",
			Help: "Current warm pool target size by agent",
		},
		[]string{"agent"},
	)

	PoolAcquireWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outpost_pool_acquire_wait_seconds",
			Help:    "Time spent acquiring a warm worker in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PoolAcquireFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_pool_acquire_failures_total",
			Help: "Total number of acquire attempts that found no idle worker",
		},
		[]string{"agent"},
	)

	PoolReleaseNotFound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_pool_release_not_found_total",
			Help: "Total number of releases whose pool entry no longer existed",
		},
	)

	PoolTasksRecycled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_pool_tasks_recycled_total",
			Help: "Total number of pool workers recycled by agent and reason",
		},
		[]string{"agent", "reason"},
	)

	AutoscalerActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_autoscaler_actions_total",
			Help: "Total number of autoscaler actions by agent and direction",
		},
		[]string{"agent", "direction"},
	)

	// Log streamer metrics
	LogStreamThrottleWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_logstream_throttle_waits_total",
			Help: "Total number of log service calls delayed by the rate limiter",
		},
	)

	LogStreamSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outpost_logstream_subscriptions",
			Help: "Number of active log subscriptions",
		},
	)

	// Audit metrics
	AuditEventsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_audit_events_total",
			Help: "Total number of audit events written by type",
		},
		[]string{"event_type"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(DispatchValidationFailures)
	prometheus.MustRegister(IdempotentReplays)
	prometheus.MustRegister(LaunchAttempts)
	prometheus.MustRegister(LaunchCapacityRetries)
	prometheus.MustRegister(PoolEntries)
	prometheus.MustRegister(PoolTargetSize)
	prometheus.MustRegister(PoolAcquireWait)
	prometheus.MustRegister(PoolAcquireFailures)
	prometheus.MustRegister(PoolReleaseNotFound)
	prometheus.MustRegister(PoolTasksRecycled)
	prometheus.MustRegister(AutoscalerActions)
	prometheus.MustRegister(LogStreamThrottleWaits)
	prometheus.MustRegister(LogStreamSubscriptions)
	prometheus.MustRegister(AuditEventsWritten)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
