// Package metrics holds the Prometheus collectors for the signaling server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rtc"

type Metrics struct {
	ActiveConnections prometheus.Gauge
	OnlineUsers       prometheus.Gauge
	ActiveCalls       prometheus.Gauge
	ActiveRooms       prometheus.Gauge

	AdmissionsTotal      *prometheus.CounterVec
	FramesTotal          *prometheus.CounterVec
	MalformedFramesTotal *prometheus.CounterVec
	DeliveriesTotal      *prometheus.CounterVec
	CallTransitionsTotal *prometheus.CounterVec

	InternalEventsTotal  *prometheus.CounterVec
	DroppedInternalTotal prometheus.Counter
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in
// tests so instances stay isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Authenticated connections currently attached to the hub.",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with a registered presence entry.",
		}),
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Call attempts that are offered or answered.",
		}),
		ActiveRooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Rooms with at least one member.",
		}),
		AdmissionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Connection attempts by outcome.",
		}, []string{"result"}),
		FramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Decoded client frames by event.",
		}, []string{"event"}),
		MalformedFramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Client frames dropped as malformed, by event.",
		}, []string{"event"}),
		DeliveriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Server events pushed to connections by kind and result.",
		}, []string{"kind", "result"}),
		CallTransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_transitions_total",
			Help:      "Call state machine transitions by target state.",
		}, []string{"state"}),
		InternalEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "internal_events_total",
			Help:      "Internal events handed to sinks by type and result.",
		}, []string{"event_type", "result"}),
		DroppedInternalTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "internal_events_dropped_total",
			Help:      "Internal events dropped because the queue was full.",
		}),
	}
}

// Delivery records one attempt to push an event to a connection.
func (m *Metrics) Delivery(kind string, ok bool) {
	result := "delivered"
	if !ok {
		result = "dropped"
	}
	m.DeliveriesTotal.WithLabelValues(kind, result).Inc()
}
