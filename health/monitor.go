package health

import (
	"sync"
	"time"

	"github.com/hydrosense/hydrostream/component"
)

// Monitor collects per-component health statuses and aggregates them into a
// single service-level answer for the /health endpoint. Safe for concurrent
// use: the refresh loop writes while HTTP handlers read.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty health monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
	}
}

// Update records the health status for a named component, stamping it with
// the current time when the caller left the timestamp zero.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.statuses[name] = status
}

// ObserveComponent refreshes the monitor from a component's own health check.
func (m *Monitor) ObserveComponent(c component.Discoverable) {
	name := c.Meta().Name
	m.Update(name, FromComponentHealth(name, c.Health()))
}

// UpdateHealthy records a component as healthy.
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy records a component as unhealthy.
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded records a component as degraded.
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get returns the last recorded status for a named component.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// GetAll returns a copy of every recorded status.
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		result[name] = status
	}
	return result
}

// Remove forgets a component, e.g. after it has been stopped deliberately.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
}

// AggregateHealth folds every recorded status into one service-level status
// using the Aggregate rules.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subStatuses := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subStatuses = append(subStatuses, status)
	}

	return Aggregate(systemName, subStatuses)
}

// Count returns how many components are currently tracked.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.statuses)
}
