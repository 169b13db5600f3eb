// Package telemetry exposes Prometheus metrics for the pipeline and
// integration subsystems, generalising the teacher's hand-rolled
// Metrics struct into client_golang collectors.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the registered collector set. Callers register it with
// their own *prometheus.Registry (or use NewDefault to register with
// the global default registry).
type Metrics struct {
	PipelinesStarted   *prometheus.CounterVec
	PipelinesCompleted *prometheus.CounterVec
	CorrectionsApplied prometheus.Counter
	AgentSpawns        *prometheus.CounterVec
	AgentSpawnFailures *prometheus.CounterVec
	SagaStepFailures   *prometheus.CounterVec
	DLQDepth           prometheus.Gauge
	DirectorCycles     prometheus.Counter
	CircuitBreakerOpen *prometheus.GaugeVec
}

// New builds a Metrics set registered against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PipelinesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_pipelines_started_total",
			Help: "Number of pipeline runs started, by tier.",
		}, []string{"tier"}),
		PipelinesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_pipelines_completed_total",
			Help: "Number of pipeline runs reaching a terminal status, by tier and status.",
		}, []string{"tier", "status"}),
		CorrectionsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_corrections_applied_total",
			Help: "Number of correction cycles applied across all pipeline runs.",
		}),
		AgentSpawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_agent_spawns_total",
			Help: "Number of agent subprocess sessions started, by role.",
		}, []string{"role"}),
		AgentSpawnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_agent_spawn_failures_total",
			Help: "Number of agent subprocess sessions that crashed or errored, by role.",
		}, []string{"role"}),
		SagaStepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_saga_step_failures_total",
			Help: "Number of integration saga step failures, by step.",
		}, []string{"step"}),
		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_dlq_depth",
			Help: "Current number of entries (including dead ones) in the dead-letter queue.",
		}),
		DirectorCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_director_cycles_total",
			Help: "Number of director scheduling cycles run.",
		}),
		CircuitBreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conveyor_circuit_breaker_open",
			Help: "1 if the named circuit breaker is currently open, else 0.",
		}, []string{"name"}),
	}
	reg.MustRegister(
		m.PipelinesStarted, m.PipelinesCompleted, m.CorrectionsApplied,
		m.AgentSpawns, m.AgentSpawnFailures, m.SagaStepFailures,
		m.DLQDepth, m.DirectorCycles, m.CircuitBreakerOpen,
	)
	return m
}

// NewDefault registers against prometheus.DefaultRegisterer.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
