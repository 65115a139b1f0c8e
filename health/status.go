// Package health provides health reporting for pipeline components.
package health

import (
	"time"

	"github.com/hydrosense/hydrostream/component"
)

// Status represents the health state of a component or of the whole pipeline.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries health-related counters alongside a status.
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy.
func (s Status) IsHealthy() bool {
	return s.Status == "healthy"
}

// IsDegraded returns true if the status is degraded.
func (s Status) IsDegraded() bool {
	return s.Status == "degraded"
}

// IsUnhealthy returns true if the status is unhealthy.
func (s Status) IsUnhealthy() bool {
	return s.Status == "unhealthy"
}

// WithMetrics returns a copy of the status with metrics attached.
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// NewHealthy creates a new healthy status.
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    "healthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates a new unhealthy status.
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		Status:    "unhealthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a new degraded status.
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		Status:    "degraded",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate creates a status by aggregating sub-statuses:
//   - all healthy: the aggregate is healthy
//   - any unhealthy: the aggregate is unhealthy
//   - otherwise at least one degraded: the aggregate is degraded
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "No sub-components to aggregate")
	}

	hasUnhealthy := false
	hasDegraded := false
	for _, sub := range subStatuses {
		if sub.IsUnhealthy() {
			hasUnhealthy = true
		} else if sub.IsDegraded() {
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "One or more sub-components are unhealthy")
	case hasDegraded:
		status = NewDegraded(component, "One or more sub-components are degraded")
	default:
		status = NewHealthy(component, "All sub-components are healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)

	return status
}

// FromComponentHealth converts a component.HealthStatus into a Status.
func FromComponentHealth(name string, ch component.HealthStatus) Status {
	status := "unhealthy"
	if ch.Healthy {
		status = "healthy"
	}

	message := "Component healthy"
	if ch.LastError != "" {
		message = ch.LastError
	}

	return Status{
		Component: name,
		Healthy:   ch.Healthy,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Metrics: &Metrics{
			Uptime:       ch.Uptime,
			ErrorCount:   ch.ErrorCount,
			LastActivity: ch.LastCheck,
		},
	}
}
