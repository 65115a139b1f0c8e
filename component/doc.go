// Package component defines the contracts shared by every stage of the
// telemetry pipeline.
//
// A component is anything with a name, a health report, and data-flow
// counters (the Discoverable interface). Components that own goroutines
// additionally implement LifecycleComponent, which adds the
// Initialize/Start/Stop protocol:
//
//	Initialize()            validate config, allocate resources
//	Start(ctx)              spawn goroutines, begin processing
//	Stop(timeout)           drain in-flight work, release resources
//
// Start spawns the component's goroutines and returns; cancelling ctx or
// calling Stop shuts them down. Stop is idempotent and returns once
// draining finishes or the timeout elapses.
package component
