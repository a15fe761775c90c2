// Package telemetry holds the Prometheus collectors and tracer name shared by
// the investigation engine. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TracerName is the otel instrumentation scope used by the engine.
const TracerName = "github.com/stake-plus/govwatch"

// Metrics bundles every collector the engine exports.
type Metrics struct {
	BreakerState        *prometheus.GaugeVec
	BreakerTransitions  *prometheus.CounterVec
	FederationCalls     *prometheus.CounterVec
	AgentIterations     *prometheus.HistogramVec
	StepOutcomes        *prometheus.CounterVec
	InvestigationLength *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. When reg is
// nil the collectors are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "govwatch",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open).",
		}, []string{"dependency"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govwatch",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"dependency", "to"}),
		FederationCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govwatch",
			Name:      "federation_calls_total",
			Help:      "Federation provider calls by outcome.",
		}, []string{"provider", "outcome"}),
		AgentIterations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "govwatch",
			Name:      "agent_iterations",
			Help:      "Reflection iterations per agent invocation.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}, []string{"agent", "degraded"}),
		StepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govwatch",
			Name:      "step_outcomes_total",
			Help:      "Execution plan step results by status.",
		}, []string{"agent", "status"}),
		InvestigationLength: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "govwatch",
			Name:      "investigation_duration_seconds",
			Help:      "Wall-clock duration of investigations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.BreakerState,
			m.BreakerTransitions,
			m.FederationCalls,
			m.AgentIterations,
			m.StepOutcomes,
			m.InvestigationLength,
		)
	}
	return m
}

// ObserveBreaker records a breaker transition to state (numeric) named to.
func (m *Metrics) ObserveBreaker(dependency string, state int, to string) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(dependency).Set(float64(state))
	m.BreakerTransitions.WithLabelValues(dependency, to).Inc()
}

// ObserveFederationCall counts a provider call.
func (m *Metrics) ObserveFederationCall(provider, outcome string) {
	if m == nil {
		return
	}
	m.FederationCalls.WithLabelValues(provider, outcome).Inc()
}

// ObserveAgent records how many reflection iterations an invocation used.
func (m *Metrics) ObserveAgent(agent string, iterations int, degraded bool) {
	if m == nil {
		return
	}
	label := "false"
	if degraded {
		label = "true"
	}
	m.AgentIterations.WithLabelValues(agent, label).Observe(float64(iterations))
}

// ObserveStep counts a finished plan step.
func (m *Metrics) ObserveStep(agent, status string) {
	if m == nil {
		return
	}
	m.StepOutcomes.WithLabelValues(agent, status).Inc()
}

// ObserveInvestigation records the duration of a finished investigation.
func (m *Metrics) ObserveInvestigation(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.InvestigationLength.WithLabelValues(status).Observe(d.Seconds())
}
