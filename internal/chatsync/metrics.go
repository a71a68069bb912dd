package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the engine does with actions and events.
type Metrics struct {
	actions     *prometheus.CounterVec
	failedSends prometheus.Counter
	rejected    prometheus.Counter
}

// NewMetrics creates the engine counters and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imsync",
			Subsystem: "chatsync",
			Name:      "actions_total",
			Help:      "Actions reduced by the sync engine, by action and effect.",
		}, []string{"action", "effect"}),
		failedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imsync",
			Subsystem: "chatsync",
			Name:      "failed_sends_total",
			Help:      "Optimistic messages moved to the failed state.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imsync",
			Subsystem: "chatsync",
			Name:      "rejected_actions_total",
			Help:      "Actions whose reduction returned an error and were discarded.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.actions, m.failedSends, m.rejected)
	}
	return m
}

func (m *Metrics) observe(a Action, eff Effect) {
	m.actions.WithLabelValues(actionName(a), eff.String()).Inc()
	if _, ok := a.(SendFailed); ok && eff == Applied {
		m.failedSends.Inc()
	}
}
