package octoflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the runtime's Prometheus surface. A nil *Metrics is valid and
// records nothing, so instrumentation stays optional.
type Metrics struct {
	instancesStarted   *prometheus.CounterVec
	instancesCompleted *prometheus.CounterVec
	instancesFailed    *prometheus.CounterVec
	instancesCancelled *prometheus.CounterVec

	tasksCreated   prometheus.Counter
	tasksCompleted prometheus.Counter

	outboxDispatched prometheus.Counter
	outboxFailed     prometheus.Counter
	outboxDeadLetter prometheus.Counter
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		instancesStarted: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "octoflow_instances_started_total",
				Help: "Total number of workflow instances started",
			},
			[]string{"definition_id"},
		),
		instancesCompleted: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "octoflow_instances_completed_total",
				Help: "Total number of workflow instances completed",
			},
			[]string{"definition_id"},
		),
		instancesFailed: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "octoflow_instances_failed_total",
				Help: "Total number of workflow instances failed",
			},
			[]string{"definition_id"},
		),
		instancesCancelled: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "octoflow_instances_cancelled_total",
				Help: "Total number of workflow instances cancelled",
			},
			[]string{"definition_id"},
		),
		tasksCreated: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "octoflow_tasks_created_total",
				Help: "Total number of workflow tasks created",
			},
		),
		tasksCompleted: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "octoflow_tasks_completed_total",
				Help: "Total number of workflow tasks completed",
			},
		),
		outboxDispatched: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "octoflow_outbox_dispatched_total",
				Help: "Total number of outbox messages dispatched",
			},
		),
		outboxFailed: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "octoflow_outbox_failed_total",
				Help: "Total number of outbox dispatch failures",
			},
		),
		outboxDeadLetter: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "octoflow_outbox_dead_letter_total",
				Help: "Total number of outbox messages moved to the dead letter state",
			},
		),
	}
}

func (m *Metrics) instanceStarted(definitionID string) {
	if m == nil {
		return
	}
	m.instancesStarted.WithLabelValues(definitionID).Inc()
}

func (m *Metrics) instanceCompleted(definitionID string) {
	if m == nil {
		return
	}
	m.instancesCompleted.WithLabelValues(definitionID).Inc()
}

func (m *Metrics) instanceFailed(definitionID string) {
	if m == nil {
		return
	}
	m.instancesFailed.WithLabelValues(definitionID).Inc()
}

func (m *Metrics) instanceCancelled(definitionID string) {
	if m == nil {
		return
	}
	m.instancesCancelled.WithLabelValues(definitionID).Inc()
}

func (m *Metrics) taskCreated() {
	if m == nil {
		return
	}
	m.tasksCreated.Inc()
}

func (m *Metrics) taskCompleted() {
	if m == nil {
		return
	}
	m.tasksCompleted.Inc()
}

func (m *Metrics) outboxResult(processed, deadLetter bool) {
	if m == nil {
		return
	}

	switch {
	case processed:
		m.outboxDispatched.Inc()
	case deadLetter:
		m.outboxDeadLetter.Inc()
	default:
		m.outboxFailed.Inc()
	}
}
