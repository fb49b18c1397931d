package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PlaybookExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_playbook_executions_total",
			Help: "Total number of playbook executions by final status",
		},
		[]string{"playbook_id", "status"},
	)

	PlaybookExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aegis_playbook_execution_duration_seconds",
			Help:    "Wall-clock duration of playbook executions",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"playbook_id"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aegis_playbook_step_duration_seconds",
			Help:    "Time taken to run a single playbook step",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// StepFailures labels reason as unknown_action, invalid_params, timeout,
	// error or failed.
	StepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_playbook_step_failures_total",
			Help: "Total number of failed playbook steps",
		},
		[]string{"action", "reason"},
	)

	ActiveExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_playbook_active_executions",
			Help: "Number of playbook executions currently running",
		},
	)

	ThreatLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_threat_lookups_total",
			Help: "Threat intelligence lookups by feed and result",
		},
		[]string{"feed", "result"},
	)

	LifecycleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_lifecycle_events_total",
			Help: "Execution lifecycle events delivered to each sink",
		},
		[]string{"event", "sink"},
	)

	QueueRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_execution_queue_rejections_total",
			Help: "Asynchronous executions rejected because the queue was full",
		},
	)
)
