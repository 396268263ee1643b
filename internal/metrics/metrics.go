// Package metrics exposes Prometheus collectors for the scheduler,
// router and breakers. All hooks are nil-safe so the core runs without
// a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the collector set for one scheduler/router/manager triple.
type Metrics struct {
	tasksQueued    prometheus.Gauge
	tasksRunning   prometheus.Gauge
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksCancelled prometheus.Counter

	routerAttempts *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
}

// New creates and registers the collector set.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "tasks_queued",
			Help:      "Tasks waiting for dependencies or capacity.",
		}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "tasks_running",
			Help:      "Tasks currently executing.",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "tasks_completed_total",
			Help:      "Tasks that finished successfully.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "tasks_failed_total",
			Help:      "Tasks that finished with an error, including cancellations.",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "tasks_cancelled_total",
			Help:      "Pending tasks cancelled before dispatch.",
		}),
		routerAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "router_attempts_total",
			Help:      "Provider routing attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"breaker"}),
	}

	reg.MustRegister(
		m.tasksQueued, m.tasksRunning,
		m.tasksCompleted, m.tasksFailed, m.tasksCancelled,
		m.routerAttempts, m.breakerState,
	)
	return m
}

// TaskQueued records a task admitted to the pending queue.
func (m *Metrics) TaskQueued() {
	if m == nil {
		return
	}
	m.tasksQueued.Inc()
}

// TaskStarted records a dispatch.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksQueued.Dec()
	m.tasksRunning.Inc()
}

// TaskCompleted records a successful settlement.
func (m *Metrics) TaskCompleted() {
	if m == nil {
		return
	}
	m.tasksRunning.Dec()
	m.tasksCompleted.Inc()
}

// TaskFailed records a failed settlement.
func (m *Metrics) TaskFailed() {
	if m == nil {
		return
	}
	m.tasksRunning.Dec()
	m.tasksFailed.Inc()
}

// TaskCancelled records a pending task cancelled before dispatch.
func (m *Metrics) TaskCancelled() {
	if m == nil {
		return
	}
	m.tasksQueued.Dec()
	m.tasksFailed.Inc()
	m.tasksCancelled.Inc()
}

// RouterAttempt records one routing attempt outcome for a provider.
func (m *Metrics) RouterAttempt(provider, outcome string) {
	if m == nil {
		return
	}
	m.routerAttempts.WithLabelValues(provider, outcome).Inc()
}

// BreakerState records a breaker's current state.
func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}
