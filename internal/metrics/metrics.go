// Package metrics exposes the scheduler's monitoring counters.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taskforge/taskforge/internal/events"
)

// Metrics holds the collectors surfaced to monitoring.
type Metrics struct {
	ReadyTasks        prometheus.Gauge
	BlockedTasks      prometheus.Gauge
	RunningTasks      prometheus.Gauge
	BusyAgents        prometheus.Gauge
	PermitUtilization prometheus.Gauge

	TasksSubmitted prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	TasksCancelled prometheus.Counter
	Retries        prometheus.Counter
	DequeueRefused prometheus.Counter
}

// New registers the scheduler collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ReadyTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_ready_tasks",
			Help: "Number of tasks eligible for dispatch.",
		}),
		BlockedTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_blocked_tasks",
			Help: "Number of tasks waiting on unresolved prerequisites.",
		}),
		RunningTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_running_tasks",
			Help: "Number of tasks currently executing.",
		}),
		BusyAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_busy_agents",
			Help: "Number of agents currently assigned a task.",
		}),
		PermitUtilization: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_permit_utilization",
			Help: "Fraction of the concurrency permit pool in use.",
		}),
		TasksSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskforge_tasks_submitted_total",
			Help: "Total tasks accepted by the queue service.",
		}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskforge_tasks_completed_total",
			Help: "Total tasks completed successfully.",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskforge_tasks_failed_total",
			Help: "Total terminal task failures.",
		}),
		TasksCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskforge_tasks_cancelled_total",
			Help: "Total tasks cancelled before execution.",
		}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskforge_retries_total",
			Help: "Total retry attempts scheduled after failures.",
		}),
		DequeueRefused: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskforge_dequeue_refused_total",
			Help: "Dequeues refused while the store circuit breaker was open.",
		}),
	}
}

// Watch consumes lifecycle events from the bus and updates counters until
// ctx is cancelled or the bus closes.
func (m *Metrics) Watch(ctx context.Context, bus *events.Bus) {
	ch := bus.SubscribeAll(0)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.record(ev)
		}
	}
}

func (m *Metrics) record(ev events.Event) {
	switch e := ev.(type) {
	case events.TaskSubmittedEvent:
		m.TasksSubmitted.Inc()
	case events.TaskCompletedEvent:
		m.TasksCompleted.Inc()
	case events.TaskFailedEvent:
		if e.Terminal {
			m.TasksFailed.Inc()
		}
	case events.TaskCancelledEvent:
		m.TasksCancelled.Inc()
	case events.TaskRetryEvent:
		m.Retries.Inc()
	}
}
