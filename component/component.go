// Package component defines the lifecycle and discovery contracts shared by
// pipeline components (inputs, outputs, the pipeline coordinator itself).
package component

import (
	"time"
)

// Discoverable defines the interface for components that can be inspected
// by the management layer: the transport input, downstream outputs, and the
// pipeline coordinator all implement it.
type Discoverable interface {
	// Meta returns basic component information
	Meta() Metadata

	// Health returns current health status
	Health() HealthStatus

	// DataFlow returns current data flow metrics
	DataFlow() FlowMetrics
}

// Metadata describes what a component is
type Metadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "input", "pipeline", "output"
	Description string `json:"description"`
	Version     string `json:"version"`
}

// HealthStatus describes the current health state of a component
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
}

// FlowMetrics describes the current data flow through a component
type FlowMetrics struct {
	MessagesPerSecond float64   `json:"messages_per_second"`
	BytesPerSecond    float64   `json:"bytes_per_second"`
	ErrorRate         float64   `json:"error_rate"`
	LastActivity      time.Time `json:"last_activity"`
}
