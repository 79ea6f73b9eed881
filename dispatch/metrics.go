package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes dispatcher counters on a prometheus registry.
type Metrics struct {
	Submitted *prometheus.CounterVec
	Absorbed  *prometheus.CounterVec
	Retries   *prometheus.CounterVec
	Finished  *prometheus.CounterVec
}

// NewMetrics registers and returns the dispatcher metrics. A nil registerer
// yields metrics that count but are not scraped, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lemma",
			Subsystem: "dispatch",
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by the dispatcher, by queue.",
		}, []string{"queue"}),
		Absorbed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lemma",
			Subsystem: "dispatch",
			Name:      "tasks_absorbed_total",
			Help:      "Duplicate submissions collapsed by idempotency key, by queue.",
		}, []string{"queue"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lemma",
			Subsystem: "dispatch",
			Name:      "task_retries_total",
			Help:      "Transient-failure retries scheduled, by queue.",
		}, []string{"queue"}),
		Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lemma",
			Subsystem: "dispatch",
			Name:      "tasks_finished_total",
			Help:      "Tasks reaching a terminal status, by queue and status.",
		}, []string{"queue", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.Submitted, m.Absorbed, m.Retries, m.Finished)
	}
	return m
}
