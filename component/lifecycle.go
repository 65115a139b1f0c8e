package component

import (
	"context"
	"time"
)

// State represents the current lifecycle state of a component
type State int

const (
	// StateStopped indicates the component is not running
	StateStopped State = iota
	// StateStarting indicates the component is initializing its resources
	StateStarting
	// StateRunning indicates the component is processing
	StateRunning
	// StateDraining indicates the component stopped accepting new work and
	// is finishing buffered work
	StateDraining
	// StateFailed indicates the component failed during a lifecycle operation
	StateFailed
)

// String returns a string representation of the component state
func (cs State) String() string {
	switch cs {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LifecycleComponent defines components that support full lifecycle
// management following the unified pattern:
//   - Initialize() error                  // setup/create only, no context
//   - Start(ctx context.Context) error    // start with context passed through
//   - Stop(timeout time.Duration) error   // graceful shutdown with timeout
//
// Components never store the context; they receive it as a parameter. The
// caller owns the context and can cancel individual components.
type LifecycleComponent interface {
	Discoverable
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// AsLifecycleComponent safely casts a component to LifecycleComponent
func AsLifecycleComponent(comp Discoverable) (LifecycleComponent, bool) {
	lc, ok := comp.(LifecycleComponent)
	return lc, ok
}
