package pipeline

import (
	"fmt"
	"time"

	"github.com/hydrosense/hydrostream/component"
)

// Meta returns the component metadata.
func (p *Pipeline) Meta() component.Metadata {
	return component.Metadata{
		Name: p.name,
		Type: "pipeline",
		Description: fmt.Sprintf("telemetry pipeline (%d workers, buffer %d)",
			p.cfg.Pipeline.Workers, p.cfg.Pipeline.BufferCapacity),
		Version: "1.0.0",
	}
}

// Health returns the current health status. Draining and Stopped are not
// unhealthy by themselves; a Failed state or a high recent error rate is.
func (p *Pipeline) Health() component.HealthStatus {
	state := p.State()
	healthy := state == component.StateRunning

	var uptime time.Duration
	if !p.startTime.IsZero() {
		uptime = time.Since(p.startTime)
	}

	status := component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(p.errs.Load() + p.rejected.Load()),
		Uptime:     uptime,
	}
	if state == component.StateFailed {
		status.LastError = "pipeline in failed state"
	}
	return status
}

// DataFlow returns current throughput metrics.
func (p *Pipeline) DataFlow() component.FlowMetrics {
	received := p.received.Load()
	errorCount := p.errs.Load() + p.rejected.Load()
	lastActivity, _ := p.lastActivity.Load().(time.Time)

	var perSecond, errorRate float64
	if !p.startTime.IsZero() {
		if uptime := time.Since(p.startTime).Seconds(); uptime > 0 {
			perSecond = float64(received) / uptime
		}
	}
	if received > 0 {
		errorRate = float64(errorCount) / float64(received)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}
