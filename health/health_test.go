package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrosense/hydrostream/component"
)

func TestStatusConstructors(t *testing.T) {
	healthy := NewHealthy("ingest", "all good")
	assert.True(t, healthy.IsHealthy())
	assert.True(t, healthy.Healthy)

	unhealthy := NewUnhealthy("ingest", "connection lost")
	assert.True(t, unhealthy.IsUnhealthy())
	assert.False(t, unhealthy.Healthy)

	degraded := NewDegraded("ingest", "buffer filling")
	assert.True(t, degraded.IsDegraded())
	assert.False(t, degraded.Healthy)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		expected string
	}{
		{
			name:     "empty is healthy",
			statuses: nil,
			expected: "healthy",
		},
		{
			name: "all healthy",
			statuses: []Status{
				NewHealthy("a", ""),
				NewHealthy("b", ""),
			},
			expected: "healthy",
		},
		{
			name: "one degraded",
			statuses: []Status{
				NewHealthy("a", ""),
				NewDegraded("b", "slow"),
			},
			expected: "degraded",
		},
		{
			name: "unhealthy wins over degraded",
			statuses: []Status{
				NewDegraded("a", "slow"),
				NewUnhealthy("b", "down"),
			},
			expected: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := Aggregate("pipeline", tt.statuses)
			assert.Equal(t, tt.expected, agg.Status)
			assert.Len(t, agg.SubStatuses, len(tt.statuses))
		})
	}
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()

	m.UpdateHealthy("input", "connected")
	m.UpdateDegraded("pipeline", "buffer at 85%")

	status, ok := m.Get("input")
	require.True(t, ok)
	assert.Equal(t, "input", status.Component)
	assert.False(t, status.Timestamp.IsZero())

	assert.Equal(t, 2, m.Count())

	agg := m.AggregateHealth("hydrostream")
	assert.True(t, agg.IsDegraded())

	m.Remove("pipeline")
	assert.Equal(t, 1, m.Count())
	assert.True(t, m.AggregateHealth("hydrostream").IsHealthy())

	all := m.GetAll()
	assert.Len(t, all, 1)
}

func TestFromComponentHealth(t *testing.T) {
	ch := component.HealthStatus{
		Healthy:    false,
		LastError:  "subscription dropped",
		ErrorCount: 3,
		Uptime:     5 * time.Minute,
		LastCheck:  time.Now(),
	}

	status := FromComponentHealth("telemetry-input", ch)
	assert.Equal(t, "telemetry-input", status.Component)
	assert.True(t, status.IsUnhealthy())
	assert.Equal(t, "subscription dropped", status.Message)
	require.NotNil(t, status.Metrics)
	assert.Equal(t, 3, status.Metrics.ErrorCount)
}

type fakeDiscoverable struct{ healthy bool }

func (f fakeDiscoverable) Meta() component.Metadata {
	return component.Metadata{Name: "pipeline", Type: "pipeline"}
}

func (f fakeDiscoverable) Health() component.HealthStatus {
	return component.HealthStatus{Healthy: f.healthy}
}

func (f fakeDiscoverable) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{}
}

func TestObserveComponent(t *testing.T) {
	m := NewMonitor()

	m.ObserveComponent(fakeDiscoverable{healthy: true})
	status, ok := m.Get("pipeline")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())

	m.ObserveComponent(fakeDiscoverable{healthy: false})
	assert.True(t, m.AggregateHealth("hydrostream").IsUnhealthy())
}
