// Copyright (c) 2024 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package fault

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "kestrel"
	metricsSubsystem = "fault"
)

// pipelineMetrics counts classification outcomes. Counters are resolved
// per rule at construction so the fault-time path is a single atomic
// add, with no label lookup or allocation.
type pipelineMetrics struct {
	byRule    map[string]prometheus.Counter
	forwarded prometheus.Counter
	fatal     prometheus.Counter
	unmatched prometheus.Counter
}

func newPipelineMetrics(reg prometheus.Registerer, rules []rule) *pipelineMetrics {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "classified_total",
		Help:      "Faults classified, by the pipeline rule that matched.",
	}, []string{"rule"})

	m := &pipelineMetrics{
		byRule: make(map[string]prometheus.Counter, len(rules)+1),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "forwarded_total",
			Help:      "Unrecognized signals claimed by the chained handler.",
		}),
		fatal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "fatal_total",
			Help:      "Faults that reached the fatal path.",
		}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "unmatched_total",
			Help:      "Faults no pipeline rule matched.",
		}),
	}
	for _, r := range rules {
		m.byRule[r.name] = vec.WithLabelValues(r.name)
	}
	// The stack-guard rule splits into per-outcome names the rule table
	// does not carry.
	for _, extra := range []string{"reserved-stack", "stack-overflow", "stack-guard-retry", "red-zone"} {
		m.byRule[extra] = vec.WithLabelValues(extra)
	}

	reg.MustRegister(vec, m.forwarded, m.fatal, m.unmatched)
	return m
}

// observe is nil-safe: metrics are optional.
func (m *pipelineMetrics) observe(c Classification) {
	if m == nil {
		return
	}
	switch c.Action {
	case ActionUnhandled:
		m.unmatched.Inc()
	case ActionForward:
		m.forwarded.Inc()
	default:
		if ctr, ok := m.byRule[c.Rule]; ok {
			ctr.Inc()
		}
	}
}

func (m *pipelineMetrics) observeFatal() {
	if m == nil {
		return
	}
	m.fatal.Inc()
}
