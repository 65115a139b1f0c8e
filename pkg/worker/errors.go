package worker

import "errors"

var (
	// ErrNilProcessor is raised when a pool is created without a processor.
	ErrNilProcessor = errors.New("worker pool requires a processor function")

	// ErrNilKeyFunc is raised when a pool is created without a key function.
	ErrNilKeyFunc = errors.New("worker pool requires a key function")

	// ErrPoolNotStarted is returned when submitting to a pool that has not started.
	ErrPoolNotStarted = errors.New("worker pool not started")

	// ErrPoolAlreadyStarted is returned when starting a pool twice.
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrPoolStopped is returned when submitting to a stopped pool.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrQueueFull is returned by Submit when the target worker's queue is full.
	ErrQueueFull = errors.New("worker queue full")

	// ErrStopTimeout is returned when workers do not finish within the stop timeout.
	ErrStopTimeout = errors.New("worker pool stop timed out")
)
