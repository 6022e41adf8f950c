package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type escrowMetrics struct {
	transitions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	movements   *prometheus.CounterVec
}

type schedulerMetrics struct {
	registered *prometheus.CounterVec
	dispatched prometheus.Counter
	executions *prometheus.CounterVec
	rewards    prometheus.Counter
	lag        prometheus.Histogram
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *escrowMetrics

	schedulerMetricsOnce sync.Once
	schedulerRegistry    *schedulerMetrics
)

// Escrow returns the lazily-initialised registry for escrow transitions.
func Escrow() *escrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &escrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "transitions_total",
				Help:      "Escrow transitions segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "transition_duration_seconds",
				Help:      "Time spent applying a transition including the storage commit.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			movements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "vault_units_total",
				Help:      "Asset units moved into or out of vaults.",
			}, []string{"direction"}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.latency,
			escrowRegistry.movements,
		)
	})
	return escrowRegistry
}

// ObserveTransition records one transition attempt. Outcome should be a
// stable string such as "ok", "noop" or an error kind.
func (m *escrowMetrics) ObserveTransition(op, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.transitions.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordVaultMovement counts units deposited into ("in") or released from
// ("out") vaults.
func (m *escrowMetrics) RecordVaultMovement(direction string, amount uint64) {
	if m == nil || amount == 0 {
		return
	}
	m.movements.WithLabelValues(strings.ToLower(strings.TrimSpace(direction))).Add(float64(amount))
}

// Scheduler returns the registry tracking scheduled call processing.
func Scheduler() *schedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerRegistry = &schedulerMetrics{
			registered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "scheduler",
				Name:      "tasks_registered_total",
				Help:      "Task registrations segmented by result.",
			}, []string{"result"}),
			dispatched: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "scheduler",
				Name:      "tasks_dispatched_total",
				Help:      "Due tasks handed to the dispatch queue.",
			}),
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "scheduler",
				Name:      "executions_total",
				Help:      "Task executions segmented by outcome.",
			}, []string{"outcome"}),
			rewards: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "scheduler",
				Name:      "rewards_paid_total",
				Help:      "Native units paid to executors.",
			}),
			lag: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "scheduler",
				Name:      "trigger_lag_seconds",
				Help:      "Delay between a task's trigger time and its execution.",
				Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
			}),
		}
		prometheus.MustRegister(
			schedulerRegistry.registered,
			schedulerRegistry.dispatched,
			schedulerRegistry.executions,
			schedulerRegistry.rewards,
			schedulerRegistry.lag,
		)
	})
	return schedulerRegistry
}

func (m *schedulerMetrics) RecordRegistration(result string) {
	if m == nil {
		return
	}
	m.registered.WithLabelValues(result).Inc()
}

func (m *schedulerMetrics) RecordDispatch() {
	if m == nil {
		return
	}
	m.dispatched.Inc()
}

// RecordExecution tracks an execution outcome and, for successes, the lag
// behind the trigger time and the reward paid.
func (m *schedulerMetrics) RecordExecution(outcome string, lag time.Duration, reward uint64) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome).Inc()
	if outcome != "succeeded" {
		return
	}
	if lag < 0 {
		lag = 0
	}
	m.lag.Observe(lag.Seconds())
	m.rewards.Add(float64(reward))
}
