package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Interrupt("accepted")
	m.Interrupt("accepted")
	m.Interrupt("rate_limited")
	m.Strategy("TERMINATE", true)
	m.State("", "STREAMING")
	m.State("STREAMING", "INTERRUPTED")
	m.Chunk()
	m.Save("token-monitor-main", true)
	m.Clients(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.InterruptsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InterruptsTotal.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StrategiesTotal.WithLabelValues("TERMINATE", "true")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.GenerationState.WithLabelValues("STREAMING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GenerationState.WithLabelValues("INTERRUPTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateSavesTotal.WithLabelValues("token-monitor-main", "full")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ClientsConnected))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Interrupt("accepted")
	m.Strategy("RESUME", false)
	m.Stage("analysis", 0.1)
	m.Queue(3)
	m.State("IDLE", "STARTING")
	m.Chunk()
	m.Trigger("timer")
	m.Save("g", false)
	m.Clients(1)
}
