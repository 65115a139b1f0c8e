package buffer

import (
	"context"
	"sync"

	"github.com/hydrosense/hydrostream/errors"
)

// circularBuffer is a thread-safe circular FIFO with configurable overflow
// policies.
type circularBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *bufferMetrics // optional Prometheus metrics
	opts     *bufferOptions[T]

	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	stats := NewStatistics()

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	cb := &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    stats,
		metrics:  metrics,
		opts:     opts,
	}

	cb.notEmpty = sync.NewCond(&cb.mu)
	cb.notFull = sync.NewCond(&cb.mu)

	return cb, nil
}

// Write adds an item to the buffer according to the overflow policy.
func (cb *circularBuffer[T]) Write(item T) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	if cb.size == cb.capacity {
		switch cb.opts.overflowPolicy {
		case Reject:
			cb.stats.Overflow()
			if cb.metrics != nil {
				cb.metrics.recordOverflow()
			}
			return errors.ErrBufferFull

		case DropOldest:
			droppedItem := cb.items[cb.tail]
			cb.tail = (cb.tail + 1) % cb.capacity
			cb.size--

			cb.stats.Overflow()
			cb.stats.Drop()
			if cb.metrics != nil {
				cb.metrics.recordOverflow()
				cb.metrics.recordDrop()
			}

			if cb.opts.dropCallback != nil {
				// Invoke outside the lock to avoid deadlock
				defer cb.opts.dropCallback(droppedItem)
			}

		case DropNewest:
			cb.stats.Overflow()
			cb.stats.Drop()
			if cb.metrics != nil {
				cb.metrics.recordOverflow()
				cb.metrics.recordDrop()
			}

			if cb.opts.dropCallback != nil {
				defer cb.opts.dropCallback(item)
			}
			return nil

		case Block:
			for cb.size == cb.capacity && !cb.closed {
				cb.notFull.Wait()
			}

			if cb.closed {
				return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write",
					"buffer closed during blocking wait")
			}
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size, cb.capacity)
	}

	cb.notEmpty.Signal()

	return nil
}

// Read retrieves and removes one item without blocking.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.readLocked()
}

// readLocked removes and returns the oldest item. Caller holds cb.mu.
func (cb *circularBuffer[T]) readLocked() (T, bool) {
	var zero T

	if cb.size == 0 {
		return zero, false
	}

	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero // clear for GC
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--

	cb.stats.Read()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordRead(cb.size, cb.capacity)
	}

	cb.notFull.Signal()

	return item, true
}

// ReadBlocking retrieves and removes one item, waiting until an item
// arrives, the buffer closes, or ctx is cancelled. This is the consumer
// loop's only suspension point.
func (cb *circularBuffer[T]) ReadBlocking(ctx context.Context) (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T

	// Wake waiters when the context is cancelled. Broadcast is safe to
	// call without holding the mutex.
	stop := context.AfterFunc(ctx, func() {
		cb.notEmpty.Broadcast()
	})
	defer stop()

	for cb.size == 0 {
		if cb.closed || ctx.Err() != nil {
			return zero, false
		}
		cb.notEmpty.Wait()
	}

	return cb.readLocked()
}

// ReadBatch retrieves and removes up to max items from the buffer.
func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}

	readCount := max
	if readCount > cb.size {
		readCount = cb.size
	}

	result := make([]T, readCount)
	var zero T

	for i := 0; i < readCount; i++ {
		result[i] = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.size--

		cb.stats.Read()
	}

	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.updateSize(cb.size, cb.capacity)
	}

	for i := 0; i < readCount; i++ {
		cb.notFull.Signal()
	}

	return result
}

// Peek retrieves one item without removing it from the buffer.
func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	var zero T

	if cb.size == 0 {
		return zero, false
	}

	item := cb.items[cb.tail]

	cb.stats.Peek()
	if cb.metrics != nil {
		cb.metrics.recordPeek()
	}

	return item, true
}

// Size returns the current number of items in the buffer.
func (cb *circularBuffer[T]) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity // immutable, no lock needed
}

// OccupancyPercent returns the fill level in [0,100].
func (cb *circularBuffer[T]) OccupancyPercent() float64 {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return float64(cb.size) / float64(cb.capacity) * 100
}

// IsFull returns true if the buffer is at maximum capacity.
func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size == cb.capacity
}

// IsEmpty returns true if the buffer contains no items.
func (cb *circularBuffer[T]) IsEmpty() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size == 0
}

// Clear removes all items from the buffer.
func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T

	if cb.opts.dropCallback != nil {
		itemsToDrop := make([]T, cb.size)
		for i := 0; i < cb.size; i++ {
			idx := (cb.tail + i) % cb.capacity
			itemsToDrop[i] = cb.items[idx]
		}
		defer func() {
			for _, item := range itemsToDrop {
				cb.opts.dropCallback(item)
			}
		}()
	}

	for i := 0; i < cb.capacity; i++ {
		cb.items[i] = zero
	}

	cb.head = 0
	cb.tail = 0
	cb.size = 0

	cb.stats.UpdateSize(0)
	if cb.metrics != nil {
		cb.metrics.updateSize(0, cb.capacity)
	}

	cb.notFull.Broadcast()
}

// Stats returns buffer statistics.
func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close shuts down the buffer and wakes all blocked readers and writers.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}

	cb.closed = true

	cb.notEmpty.Broadcast()
	cb.notFull.Broadcast()

	return nil
}
