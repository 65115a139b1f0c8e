package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrosense/hydrostream/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry)
	require.NotNil(t, registry.PrometheusRegistry())
	require.NotNil(t, registry.CoreMetrics())
}

func TestRegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_readings_total",
		Help: "test counter",
	})

	err := registry.RegisterCounter("telemetry_input", "readings_total", counter)
	require.NoError(t, err)

	// Duplicate registration under the same key is invalid
	err = registry.RegisterCounter("telemetry_input", "readings_total", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegisterConflictingCollector(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_occupancy",
		Help: "test gauge",
	})
	second := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_occupancy",
		Help: "test gauge",
	})

	require.NoError(t, registry.RegisterGauge("buffer_a", "occupancy", first))

	// Same prometheus metric name under a different registry key conflicts
	err := registry.RegisterGauge("buffer_b", "occupancy", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_latency_seconds",
		Help: "test histogram",
	})

	require.NoError(t, registry.RegisterHistogram("pipeline", "latency", histogram))
	assert.True(t, registry.Unregister("pipeline", "latency"))
	assert.False(t, registry.Unregister("pipeline", "latency"))

	// Re-registration after unregister should succeed
	require.NoError(t, registry.RegisterHistogram("pipeline", "latency", histogram))
}

func TestCoreMetricsRecorders(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	// Recorders must not panic and should be observable via Gather
	core.RecordPipelineState("main", 2)
	core.RecordReadingReceived("main", "flow")
	core.RecordReadingProcessed("main", "flow", "normal")
	core.RecordReadingRejected("main", "malformed")
	core.RecordVerdict("main", "anomaly", "critical")
	core.RecordBufferOccupancy("main", 42.5)
	core.RecordNATSStatus(true)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["hydrostream_pipeline_state"])
	assert.True(t, names["hydrostream_readings_received_total"])
	assert.True(t, names["hydrostream_buffer_occupancy_percent"])
}
