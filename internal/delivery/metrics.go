package delivery

import "github.com/prometheus/client_golang/prometheus"

// Metrics for the coordinator.
type Metrics struct {
	attempts  *prometheus.CounterVec
	phases    *prometheus.CounterVec
	pending   prometheus.Gauge
	unmatched prometheus.Counter
}

// NewMetrics registers on reg (nil = unregistered).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwpush_delivery_attempts_total",
			Help: "Push delivery attempts by outcome.",
		}, []string{"outcome"}),
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwpush_delivery_phase_total",
			Help: "Push delivery phases run, by phase and result.",
		}, []string{"phase", "result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fwpush_delivery_pending",
			Help: "Attempts waiting for a GIV.",
		}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwpush_giv_unmatched_total",
			Help: "Inbound GIVs with no pending attempt, or unreadable.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.phases, m.pending, m.unmatched)
	}
	return m
}
