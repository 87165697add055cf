package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.Event("typing", "ok")
		m.ObserveStore("record_message", time.Now())
		m.PushFailed()
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Event("send-message", "ok")
	m.Delivered(3)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Connections))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Events.WithLabelValues("send-message", "ok")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.Deliveries))
}
