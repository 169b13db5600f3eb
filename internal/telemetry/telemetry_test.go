package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["conveyor_pipelines_started_total"])
	assert.True(t, names["conveyor_dlq_depth"])
	assert.True(t, names["conveyor_circuit_breaker_open"])
}

func TestMetricsRecordValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PipelinesStarted.WithLabelValues("small").Inc()
	m.DLQDepth.Set(3)
	m.CircuitBreakerOpen.WithLabelValues("agent").Set(1)

	var started dto.Metric
	require.NoError(t, m.PipelinesStarted.WithLabelValues("small").Write(&started))
	assert.Equal(t, 1.0, started.GetCounter().GetValue())

	var depth dto.Metric
	require.NoError(t, m.DLQDepth.Write(&depth))
	assert.Equal(t, 3.0, depth.GetGauge().GetValue())
}
