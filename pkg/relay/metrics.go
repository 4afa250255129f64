package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	rooms     prometheus.Gauge
	peers     prometheus.Gauge
	forwarded *prometheus.CounterVec
}

// NewMetrics registers the relay's collectors with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "holoboard",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Number of rooms with at least one connected peer.",
		}),
		peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "holoboard",
			Subsystem: "relay",
			Name:      "peers",
			Help:      "Number of connected peers across all rooms.",
		}),
		forwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "holoboard",
			Subsystem: "relay",
			Name:      "forwarded_envelopes_total",
			Help:      "Envelopes delivered to peers, by kind.",
		}, []string{"kind"}),
	}
}
