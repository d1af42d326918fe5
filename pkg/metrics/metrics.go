package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbeoliero/marketchat/internal/entity"
)

const namespace = "marketchat"

// Send results
const (
	SendConfirmed = "confirmed"
	SendFailed    = "failed"
	SendRejected  = "rejected"
)

// Metrics holds the collectors of one chat session.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sends         *prometheus.CounterVec
	pushEvents    *prometheus.CounterVec
	duplicates    prometheus.Counter
	invalidFrames prometheus.Counter
	reconnects    prometheus.Counter
	connState     prometheus.Gauge
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Message sends by result.",
		}, []string{"result"}),
		pushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_events_total",
			Help:      "Inbound channel events by name.",
		}, []string{"event"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_duplicates_total",
			Help:      "Pushed messages dropped as duplicates of stored ones.",
		}),
		invalidFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_frames_total",
			Help:      "Inbound frames rejected at the channel boundary.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Channel reconnect attempts.",
		}),
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Channel state: 0 disconnected, 1 connecting, 2 connected.",
		}),
	}
	reg.MustRegister(m.sends, m.pushEvents, m.duplicates, m.invalidFrames, m.reconnects, m.connState)
	return m
}

// ObserveSend counts a send attempt outcome
func (m *Metrics) ObserveSend(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}

// ObservePush counts an inbound event
func (m *Metrics) ObservePush(event string) {
	if m == nil {
		return
	}
	m.pushEvents.WithLabelValues(event).Inc()
}

// ObserveDuplicate counts a pushed message dropped by dedup
func (m *Metrics) ObserveDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// ObserveInvalidFrame counts a frame rejected by validation
func (m *Metrics) ObserveInvalidFrame() {
	if m == nil {
		return
	}
	m.invalidFrames.Inc()
}

// ObserveReconnect counts a reconnect attempt
func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetConnState records the channel state
func (m *Metrics) SetConnState(state entity.ConnState) {
	if m == nil {
		return
	}
	m.connState.Set(float64(state))
}
