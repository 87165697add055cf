// Package metrics holds the prometheus collectors of the hub.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	// Connections is the number of live transport connections.
	Connections prometheus.Gauge

	// Channels counts in-memory channels.
	// Labels: kind (chat-room|voice-room|notification-stream)
	Channels *prometheus.GaugeVec

	// Events counts inbound events.
	// Labels: kind, outcome (ok|error code)
	Events *prometheus.CounterVec

	// Deliveries counts outbound frames queued to connections.
	Deliveries prometheus.Counter

	// Dropped counts frames that could not be queued (slow consumer or closed).
	Dropped prometheus.Counter

	// Notifications counts created notifications by resulting state.
	// Labels: state (delivered|queued)
	Notifications *prometheus.CounterVec

	// PushFailures counts failed push gateway calls.
	PushFailures prometheus.Counter

	// StoreDuration measures durable store calls made by the persistence bridge.
	// Labels: op
	StoreDuration *prometheus.HistogramVec
}

func New(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toto_hub_connections",
			Help: "Live transport connections.",
		}),
		Channels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "toto_hub_channels",
			Help: "In-memory channels by kind.",
		}, []string{"kind"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toto_hub_events_total",
			Help: "Inbound events by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toto_hub_deliveries_total",
			Help: "Outbound frames queued to connections.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toto_hub_dropped_total",
			Help: "Outbound frames that could not be queued.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toto_hub_notifications_total",
			Help: "Created notifications by resulting state.",
		}, []string{"state"}),
		PushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toto_hub_push_failures_total",
			Help: "Failed push gateway deliveries.",
		}),
		StoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toto_hub_store_duration_seconds",
			Help:    "Durable store call latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op"}),
	}

	if r != nil {
		r.MustRegister(
			m.Connections, m.Channels, m.Events, m.Deliveries, m.Dropped,
			m.Notifications, m.PushFailures, m.StoreDuration,
		)
	}
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) ChannelOpened(kind string) {
	if m == nil {
		return
	}
	m.Channels.WithLabelValues(kind).Inc()
}

func (m *Metrics) ChannelEvicted(kind string) {
	if m == nil {
		return
	}
	m.Channels.WithLabelValues(kind).Dec()
}

func (m *Metrics) Event(kind, outcome string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Delivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Deliveries.Add(float64(n))
}

func (m *Metrics) Drop() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}

func (m *Metrics) Notification(state string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(state).Inc()
}

func (m *Metrics) PushFailed() {
	if m == nil {
		return
	}
	m.PushFailures.Inc()
}

// ObserveStore records the latency of a store call started at start.
func (m *Metrics) ObserveStore(op string, start time.Time) {
	if m == nil {
		return
	}
	m.StoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
