// Package metrics holds the prometheus collectors of the relay and the peer.
// Every method is safe on a nil receiver so callers can run without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "peercall"

// Relay counts signaling traffic through the relay.
type Relay struct {
	connections   prometheus.Gauge
	rooms         prometheus.Gauge
	messages      *prometheus.CounterVec
	forwardFailed *prometheus.CounterVec
	joinsRejected *prometheus.CounterVec
}

func NewRelay(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)
	return &Relay{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open signaling websocket connections.",
		}),
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Rooms with at least one member.",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Signaling messages received, by kind.",
		}, []string{"kind"}),
		forwardFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "forward_failures_total",
			Help:      "Messages that could not be routed to their recipient.",
		}, []string{"reason"}),
		joinsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "joins_rejected_total",
			Help:      "room:join requests refused.",
		}, []string{"reason"}),
	}
}

func (m *Relay) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Relay) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Relay) SetRooms(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *Relay) Message(kind string) {
	if m != nil {
		m.messages.WithLabelValues(kind).Inc()
	}
}

func (m *Relay) ForwardFailed(reason string) {
	if m != nil {
		m.forwardFailed.WithLabelValues(reason).Inc()
	}
}

func (m *Relay) JoinRejected(reason string) {
	if m != nil {
		m.joinsRejected.WithLabelValues(reason).Inc()
	}
}

// Peer tracks the negotiation side of one client process.
type Peer struct {
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	recordings  *prometheus.CounterVec
}

func NewPeer(reg prometheus.Registerer) *Peer {
	f := promauto.With(reg)
	return &Peer{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiation",
			Name:      "transitions_total",
			Help:      "Committed negotiation state transitions.",
		}, []string{"from", "to"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiation",
			Name:      "failures_total",
			Help:      "Negotiation plans aborted, by trigger.",
		}, []string{"trigger"}),
		recordings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recording",
			Name:      "results_total",
			Help:      "Finished recordings by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Peer) Transition(from, to string) {
	if m != nil {
		m.transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Peer) Failure(trigger string) {
	if m != nil {
		m.failures.WithLabelValues(trigger).Inc()
	}
}

func (m *Peer) Recording(outcome string) {
	if m != nil {
		m.recordings.WithLabelValues(outcome).Inc()
	}
}
