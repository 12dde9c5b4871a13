package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the rolegate collectors on a private registry. A nil
// *Metrics is valid and records nothing.
//
//   - rolegate_advance_results_total{result}
//   - rolegate_advance_duration_seconds{role}
//   - rolegate_transitions_total{trigger}
//   - rolegate_escalations_total{decision}
//   - rolegate_contract_violations_total{rule}
//   - rolegate_memory_calls_total{op}
//   - rolegate_memory_promotions_total
//   - rolegate_pattern_flags_total
type Metrics struct {
	registry *prometheus.Registry

	AdvanceResults     *prometheus.CounterVec
	AdvanceDuration    *prometheus.HistogramVec
	Transitions        *prometheus.CounterVec
	Escalations        *prometheus.CounterVec
	ContractViolations *prometheus.CounterVec
	MemoryCalls        *prometheus.CounterVec
	MemoryPromotions   prometheus.Counter
	PatternFlags       prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		AdvanceResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rolegate_advance_results_total",
			Help: "Advance calls by result kind",
		}, []string{"result"}),
		AdvanceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rolegate_advance_duration_seconds",
			Help:    "Duration of one role step including the handler invocation",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"role"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rolegate_transitions_total",
			Help: "Transitions appended to run histories by trigger",
		}, []string{"trigger"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rolegate_escalations_total",
			Help: "Arbiter results by decision; deadlock counts unresolved arbitrations",
		}, []string{"decision"}),
		ContractViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rolegate_contract_violations_total",
			Help: "Contract violations by rule",
		}, []string{"rule"}),
		MemoryCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rolegate_memory_calls_total",
			Help: "Memory contract calls by operation",
		}, []string{"op"}),
		MemoryPromotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rolegate_memory_promotions_total",
			Help: "Decision records produced by compaction",
		}),
		PatternFlags: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rolegate_pattern_flags_total",
			Help: "Systemic pattern flags emitted by the arbiter",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.AdvanceResults, m.AdvanceDuration, m.Transitions, m.Escalations,
		m.ContractViolations, m.MemoryCalls, m.MemoryPromotions, m.PatternFlags,
	)
	return m
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Advance(result, role string, d time.Duration) {
	if m == nil {
		return
	}
	m.AdvanceResults.WithLabelValues(result).Inc()
	m.AdvanceDuration.WithLabelValues(role).Observe(d.Seconds())
}

func (m *Metrics) Transition(trigger string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(trigger).Inc()
}

func (m *Metrics) Escalation(decision string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(decision).Inc()
}

func (m *Metrics) ContractViolation(rule string) {
	if m == nil {
		return
	}
	m.ContractViolations.WithLabelValues(rule).Inc()
}

func (m *Metrics) MemoryCall(op string) {
	if m == nil {
		return
	}
	m.MemoryCalls.WithLabelValues(op).Inc()
}

func (m *Metrics) Promotion(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MemoryPromotions.Add(float64(n))
}

func (m *Metrics) PatternFlag() {
	if m == nil {
		return
	}
	m.PatternFlags.Inc()
}
