package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the routing counters of a coordinator. A nil *Metrics is
// valid and counts nothing, so the hot path needs no conditionals.
type Metrics struct {
	Routed          prometheus.Counter
	LocalDeliveries prometheus.Counter
	RemoteForwards  prometheus.Counter
	Errors          prometheus.Counter
	Components      prometheus.Gauge
}

// NewMetrics creates the counters and registers them with the given
// registerer (e.g. prometheus.DefaultRegisterer).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Routed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labmesh_coordinator_messages_routed_total",
			Help: "Messages entering the routing loop.",
		}),
		LocalDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labmesh_coordinator_local_deliveries_total",
			Help: "Messages delivered to locally signed-in components.",
		}),
		RemoteForwards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labmesh_coordinator_remote_forwards_total",
			Help: "Messages forwarded to peer coordinators.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labmesh_coordinator_routing_errors_total",
			Help: "Routing failures answered with an error response.",
		}),
		Components: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labmesh_coordinator_components",
			Help: "Number of locally signed-in components.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Routed, m.LocalDeliveries, m.RemoteForwards, m.Errors, m.Components)
	}
	return m
}

func (m *Metrics) routed() {
	if m != nil {
		m.Routed.Inc()
	}
}

func (m *Metrics) deliveredLocal() {
	if m != nil {
		m.LocalDeliveries.Inc()
	}
}

func (m *Metrics) forwardedRemote() {
	if m != nil {
		m.RemoteForwards.Inc()
	}
}

func (m *Metrics) routingError() {
	if m != nil {
		m.Errors.Inc()
	}
}

func (m *Metrics) componentCount(n int) {
	if m != nil {
		m.Components.Set(float64(n))
	}
}
