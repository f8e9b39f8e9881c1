package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Documents         prometheus.Gauge
	Connections       prometheus.Gauge
	Updates           prometheus.Counter
	AwarenessUpdates  prometheus.Counter
	ProtocolErrors    prometheus.Counter
	AuthDenials       prometheus.Counter
	PersistenceErrors *prometheus.CounterVec
}

// NewMetrics registers the hub collectors with reg. A nil reg yields
// collectors that are not registered anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Documents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "docsync",
			Name:      "documents",
			Help:      "Documents currently held in memory.",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "docsync",
			Name:      "connections",
			Help:      "Connections currently attached to a document.",
		}),
		Updates: f.NewCounter(prometheus.CounterOpts{
			Namespace: "docsync",
			Name:      "updates_total",
			Help:      "Document updates that changed state.",
		}),
		AwarenessUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: "docsync",
			Name:      "awareness_updates_total",
			Help:      "Awareness updates accepted.",
		}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "docsync",
			Name:      "protocol_errors_total",
			Help:      "Frames dropped because they could not be decoded or applied.",
		}),
		AuthDenials: f.NewCounter(prometheus.CounterOpts{
			Namespace: "docsync",
			Name:      "auth_denials_total",
			Help:      "Connections terminated by a denied authorization.",
		}),
		PersistenceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docsync",
			Name:      "persistence_errors_total",
			Help:      "Failed persistence operations.",
		}, []string{"op"}),
	}
}
