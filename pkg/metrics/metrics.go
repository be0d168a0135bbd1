package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptDurationSeconds tracks how long whole deployment attempts take,
	// from pending to terminal.
	AttemptDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cutover_attempt_duration_seconds",
			Help:    "Duration of deployment attempts in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"environment", "strategy"},
	)

	// AttemptOutcomeTotal counts terminal attempts by outcome.
	// outcome label is "success", "rolled_back", or "failed".
	AttemptOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_attempt_outcome_total",
			Help: "Total number of terminal deployment attempts by outcome",
		},
		[]string{"environment", "strategy", "outcome"},
	)

	// HealthProbeTotal counts individual health probes by result.
	// result label is "healthy", "unhealthy", or "timed_out".
	HealthProbeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_health_probe_total",
			Help: "Total number of health probes issued by result",
		},
		[]string{"environment", "result"},
	)

	// RollbackTotal counts rollback executions by result.
	// result label is "restored" or "failed".
	RollbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_rollback_total",
			Help: "Total number of rollback executions by result",
		},
		[]string{"environment", "result"},
	)

	// ConcurrentRejectsTotal counts deploy requests rejected because the
	// environment already had an active attempt.
	ConcurrentRejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_concurrent_rejects_total",
			Help: "Total number of deploy requests rejected while another attempt was active",
		},
		[]string{"environment"},
	)

	// JobQueueWaitSeconds tracks how long deploy jobs wait in the Redis queue
	// before being picked up by a worker.
	JobQueueWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cutover_job_queue_wait_seconds",
			Help:    "Time jobs spend waiting in the Redis queue before processing",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"job_type"},
	)

	// JobRetriesTotal counts worker job retries due to transient errors.
	JobRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_job_retries_total",
			Help: "Total number of worker job retries due to transient errors",
		},
		[]string{"environment", "job_type"},
	)

	// EnvironmentsIndexed reports how many environments are currently indexed.
	// Reset and re-set on every BuildIndex call so removed environments disappear.
	EnvironmentsIndexed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cutover_environments_indexed",
			Help: "Number of deployment environments currently indexed",
		},
	)
)
