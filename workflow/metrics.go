package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes engine counters to Prometheus. A nil *Metrics records
// nothing.
type Metrics struct {
	instancesStarted  *prometheus.CounterVec
	instancesFinished *prometheus.CounterVec
	activeInstances   prometheus.Gauge
	nodeExecutions    *prometheus.CounterVec
	nodeDuration      *prometheus.HistogramVec
	tasksCreated      *prometheus.CounterVec
	tasksResolved     *prometheus.CounterVec
	timersScheduled   prometheus.Counter
	timersFired       prometheus.Counter
	timersCancelled   prometheus.Counter
	eventsDropped     prometheus.Counter
}

// NewMetrics registers the engine metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		instancesStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowpilot",
			Name:      "instances_started_total",
			Help:      "Workflow instances started.",
		}, []string{"definition"}),
		instancesFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowpilot",
			Name:      "instances_finished_total",
			Help:      "Workflow instances that reached a terminal status.",
		}, []string{"definition", "status"}),
		activeInstances: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowpilot",
			Name:      "instances_active",
			Help:      "Instances started by this process that are still running.",
		}),
		nodeExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowpilot",
			Name:      "node_executions_total",
			Help:      "Node executions by node type and outcome.",
		}, []string{"type", "outcome"}),
		nodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowpilot",
			Name:      "node_execution_seconds",
			Help:      "Wall time spent inside node executors.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"type"}),
		tasksCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowpilot",
			Name:      "tasks_created_total",
			Help:      "Human tasks created.",
		}, []string{"type"}),
		tasksResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowpilot",
			Name:      "tasks_resolved_total",
			Help:      "Human tasks completed or cancelled.",
		}, []string{"type", "status"}),
		timersScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: "flowpilot",
			Name:      "timers_scheduled_total",
			Help:      "Durable timers scheduled.",
		}),
		timersFired: f.NewCounter(prometheus.CounterOpts{
			Namespace: "flowpilot",
			Name:      "timers_fired_total",
			Help:      "Durable timers that resumed an instance.",
		}),
		timersCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: "flowpilot",
			Name:      "timers_cancelled_total",
			Help:      "Durable timers cancelled before firing.",
		}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "flowpilot",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		}),
	}
}

// RecordInstanceStarted counts a started instance.
func (m *Metrics) RecordInstanceStarted(definitionID string) {
	if m == nil {
		return
	}
	m.instancesStarted.WithLabelValues(definitionID).Inc()
	m.activeInstances.Inc()
}

// RecordInstanceFinished counts an instance reaching a terminal status.
func (m *Metrics) RecordInstanceFinished(definitionID, status string) {
	if m == nil {
		return
	}
	m.instancesFinished.WithLabelValues(definitionID, status).Inc()
	m.activeInstances.Dec()
}

// RecordNode records one executor invocation.
func (m *Metrics) RecordNode(nodeType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeExecutions.WithLabelValues(nodeType, outcome).Inc()
	m.nodeDuration.WithLabelValues(nodeType).Observe(d.Seconds())
}

// RecordTaskCreated counts a created task.
func (m *Metrics) RecordTaskCreated(taskType string) {
	if m == nil {
		return
	}
	m.tasksCreated.WithLabelValues(taskType).Inc()
}

// RecordTaskResolved counts a completed or cancelled task.
func (m *Metrics) RecordTaskResolved(taskType, status string) {
	if m == nil {
		return
	}
	m.tasksResolved.WithLabelValues(taskType, status).Inc()
}

// RecordTimerScheduled counts a scheduled timer.
func (m *Metrics) RecordTimerScheduled() {
	if m == nil {
		return
	}
	m.timersScheduled.Inc()
}

// RecordTimerFired counts a fired timer.
func (m *Metrics) RecordTimerFired() {
	if m == nil {
		return
	}
	m.timersFired.Inc()
}

// RecordTimerCancelled counts a cancelled timer.
func (m *Metrics) RecordTimerCancelled() {
	if m == nil {
		return
	}
	m.timersCancelled.Inc()
}

// EventDropped counts an event the bus could not deliver.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
