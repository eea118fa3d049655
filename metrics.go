package chatroom

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts reconciliation activity. A nil *Metrics records nothing.
type Metrics struct {
	events    *prometheus.CounterVec
	mutations *prometheus.CounterVec
	resyncs   prometheus.Counter
	pending   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatroom_events_total",
			Help: "Realtime events received, by type and outcome.",
		}, []string{"type", "outcome"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatroom_mutations_total",
			Help: "Optimistic mutations settled, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_resyncs_total",
			Help: "Reconciliation fetches merged after a realtime gap.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatroom_pending_mutations",
			Help: "Optimistic mutations awaiting confirmation.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.mutations, m.resyncs, m.pending)
	}
	return m
}

func (m *Metrics) event(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) mutation(p PendingMutation) {
	if m == nil || p.Kind == "" {
		return
	}
	m.mutations.WithLabelValues(string(p.Kind), string(p.Status)).Inc()
}

func (m *Metrics) resync() {
	if m == nil {
		return
	}
	m.resyncs.Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
