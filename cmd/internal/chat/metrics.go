package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the chat collectors. A nil *Metrics records nothing.
type Metrics struct {
	MessagesStored *prometheus.CounterVec
	SummaryStreams *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg (nil: unregistered).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesStored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "chat",
			Name:      "messages_stored_total",
			Help:      "Messages durably written, by conversation kind.",
		}, []string{"kind"}),
		SummaryStreams: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "chat",
			Name:      "summary_streams_total",
			Help:      "Summary streams by outcome.",
		}, []string{"result"}),
	}
}

func (m *Metrics) stored(kind string) {
	if m != nil {
		m.MessagesStored.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) summary(result string) {
	if m != nil {
		m.SummaryStreams.WithLabelValues(result).Inc()
	}
}
