package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes hub counters and gauges to Prometheus
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	EventsRelayed     *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	PresenceUpdates   prometheus.Counter
}

// Drop reasons recorded on EventsDropped
const (
	DropReasonMalformed   = "malformed"
	DropReasonNotMember   = "not_member"
	DropReasonSlowClient  = "slow_client"
	DropReasonRateLimited = "rate_limited"
)

// NewMetrics creates and registers the hub metrics on the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime",
			Name:      "active_connections",
			Help:      "Number of currently connected websocket sessions.",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime",
			Name:      "active_rooms",
			Help:      "Number of rooms with at least one member.",
		}),
		EventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "events_relayed_total",
			Help:      "Domain events relayed to room peers, by event kind.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped instead of relayed, by reason.",
		}, []string{"reason"}),
		PresenceUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "presence_updates_total",
			Help:      "Presence broadcasts sent to rooms.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.ActiveConnections, m.ActiveRooms, m.EventsRelayed, m.EventsDropped, m.PresenceUpdates)
	}
	return m
}
