// Package metrics exposes client-side Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "parley"

type Metrics struct {
	connectionState   prometheus.Gauge
	reconnectAttempts prometheus.Counter
	framesReceived    *prometheus.CounterVec
	framesDropped     prometheus.Counter
	outboxDepth       prometheus.Gauge
	outboxDrained     prometheus.Counter
	uploads           *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current channel state: 0 connecting, 1 open, 2 closed.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts scheduled after the channel closed.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by event type.",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped as malformed or unknown.",
		}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Messages waiting in the durable outbox.",
		}),
		outboxDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_drained_total",
			Help:      "Messages flushed from the outbox.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Media uploads by kind and result.",
		}, []string{"kind", "result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.connectionState,
			m.reconnectAttempts,
			m.framesReceived,
			m.framesDropped,
			m.outboxDepth,
			m.outboxDrained,
			m.uploads,
		)
	}
	return m
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) FrameReceived(eventType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(eventType).Inc()
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Metrics) SetOutboxDepth(n int) {
	if m == nil {
		return
	}
	m.outboxDepth.Set(float64(n))
}

func (m *Metrics) OutboxDrained(n int) {
	if m == nil {
		return
	}
	m.outboxDrained.Add(float64(n))
}

func (m *Metrics) Upload(kind, result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(kind, result).Inc()
}
