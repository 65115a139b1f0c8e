// Package buffer provides generic, thread-safe bounded FIFO buffers with
// configurable overflow policies.
//
// The package offers:
//   - CircularBuffer: fixed-size FIFO with configurable overflow policies
//   - Reject, DropOldest, DropNewest, and Block overflow policies
//   - A blocking read path for consumer loops (ReadBlocking)
//   - Statistics always enabled for observability
//   - Optional Prometheus metrics integration via functional options
//
// The ingestion pipeline uses the Reject policy: a write against a full
// buffer fails with ErrBufferFull and the producer decides whether to drop
// or apply backpressure upstream.
package buffer

import (
	"context"
)

// Buffer represents a generic bounded FIFO that all buffer implementations
// must satisfy. The buffer is parameterized by item type T for type safety.
type Buffer[T any] interface {
	// Write adds an item to the buffer. Behavior when the buffer is full
	// depends on the configured overflow policy; under Reject the write
	// fails with an error satisfying errors.Is(err, errors.ErrBufferFull).
	Write(item T) error

	// Read retrieves and removes one item without blocking.
	// Returns the zero value and false if the buffer is empty.
	Read() (T, bool)

	// ReadBlocking retrieves and removes one item, blocking until an item
	// is available, the buffer is closed, or ctx is cancelled. The second
	// return value is false when the wait ended without an item.
	ReadBlocking(ctx context.Context) (T, bool)

	// ReadBatch retrieves and removes up to max items from the buffer.
	ReadBatch(max int) []T

	// Peek retrieves one item without removing it from the buffer.
	Peek() (T, bool)

	// Size returns the current number of items in the buffer.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// OccupancyPercent returns the fill level in [0,100] as a
	// side-effect-free read. Exactly 100 at capacity.
	OccupancyPercent() float64

	// IsFull returns true if the buffer is at maximum capacity.
	IsFull() bool

	// IsEmpty returns true if the buffer contains no items.
	IsEmpty() bool

	// Clear removes all items from the buffer.
	Clear()

	// Stats returns buffer statistics (always available for observability).
	Stats() *Statistics

	// Close shuts down the buffer and wakes all blocked readers and writers.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// Reject fails Write with ErrBufferFull when the buffer is full,
	// leaving the backpressure decision to the producer.
	Reject OverflowPolicy = iota

	// DropOldest removes the oldest item to make room for new items.
	DropOldest

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes Write operations to block until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case Reject:
		return "Reject"
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called when an item is dropped due to overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a new circular buffer with the specified
// capacity and options. Stats are always collected; Prometheus metrics are
// optional via WithMetrics(). Returns an error if metrics registration
// fails when metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
