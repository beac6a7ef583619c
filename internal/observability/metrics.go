// Package observability provides structured logging context helpers,
// Prometheus metrics, and OpenTelemetry tracing setup shared across the
// orchestrator and worker processes.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// TasksEnqueuedTotal counts WorkerTasks enqueued by task type.
	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validation_tasks_enqueued_total",
			Help: "Total number of worker tasks enqueued, by task type",
		},
		[]string{"task_type"},
	)
	// TasksCompletedTotal counts terminal WorkerTasks by task type and outcome.
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validation_tasks_completed_total",
			Help: "Total number of worker tasks reaching a terminal state",
		},
		[]string{"task_type", "outcome"},
	)
	// QueueDepth is a gauge of the current depth of each task-type queue.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "validation_queue_depth",
			Help: "Current depth of each worker task queue",
		},
		[]string{"task_type"},
	)
	// RateLimitDecisionsTotal counts rate-limiter admit/deny decisions per connector.
	RateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validation_rate_limit_decisions_total",
			Help: "Rate limiter admit/deny decisions by connector",
		},
		[]string{"connector", "decision"},
	)
	// CircuitBreakerState is a gauge (0=closed,1=half-open,2=open) per connector.
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "validation_circuit_breaker_state",
			Help: "Circuit breaker state per connector (0=closed,1=half-open,2=open)",
		},
		[]string{"connector"},
	)
	// FusionReportsTotal counts ValidationReports emitted by status.
	FusionReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validation_fusion_reports_total",
			Help: "Total number of validation reports emitted by status",
		},
		[]string{"status"},
	)
	// JobsTotal counts jobs by terminal status.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validation_jobs_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksEnqueuedTotal,
		TasksCompletedTotal,
		QueueDepth,
		RateLimitDecisionsTotal,
		CircuitBreakerState,
		FusionReportsTotal,
		JobsTotal,
	)
}
