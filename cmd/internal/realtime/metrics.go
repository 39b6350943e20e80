package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery results used as the "result" label.
const (
	resultDelivered = "delivered"
	resultDropped   = "dropped"
	resultOffline   = "offline"
	resultNoRoom    = "no_subscribers"
)

// Metrics groups the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Connections       prometheus.Gauge
	Registered        prometheus.Gauge
	Rooms             prometheus.Gauge
	PresencePublishes prometheus.Counter
	Deliveries        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg yields unregistered collectors (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Live websocket connections, anonymous included.",
		}),
		Registered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle",
			Subsystem: "realtime",
			Name:      "registered_identities",
			Help:      "Identities currently mapped to a live connection.",
		}),
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle",
			Subsystem: "realtime",
			Name:      "rooms",
			Help:      "Group rooms with at least one subscriber.",
		}),
		PresencePublishes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "realtime",
			Name:      "presence_publishes_total",
			Help:      "Presence snapshots fanned out to registered connections.",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "realtime",
			Name:      "deliveries_total",
			Help:      "Message pushes by conversation kind and result.",
		}, []string{"kind", "result"}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) setRegistered(n int) {
	if m != nil {
		m.Registered.Set(float64(n))
	}
}

func (m *Metrics) setRooms(n int) {
	if m != nil {
		m.Rooms.Set(float64(n))
	}
}

func (m *Metrics) presencePublished() {
	if m != nil {
		m.PresencePublishes.Inc()
	}
}

func (m *Metrics) delivery(kind, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Deliveries.WithLabelValues(kind, result).Add(float64(n))
}
