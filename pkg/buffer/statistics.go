package buffer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks buffer performance metrics.
type Statistics struct {
	// Atomic counters for thread-safe updates
	writes    int64
	reads     int64
	peeks     int64
	overflows int64
	drops     int64

	// Protected by mutex
	mu          sync.RWMutex
	startTime   time.Time
	currentSize int64
	maxSize     int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{
		startTime: time.Now(),
	}
}

// Write records a buffer write operation.
func (s *Statistics) Write() {
	atomic.AddInt64(&s.writes, 1)
}

// Read records a buffer read operation.
func (s *Statistics) Read() {
	atomic.AddInt64(&s.reads, 1)
}

// Peek records a buffer peek operation.
func (s *Statistics) Peek() {
	atomic.AddInt64(&s.peeks, 1)
}

// Overflow records a buffer overflow event.
func (s *Statistics) Overflow() {
	atomic.AddInt64(&s.overflows, 1)
}

// Drop records an item drop due to overflow policy.
func (s *Statistics) Drop() {
	atomic.AddInt64(&s.drops, 1)
}

// UpdateSize updates the current buffer size and the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentSize = size
	if size > s.maxSize {
		s.maxSize = size
	}
}

// Writes returns the total number of write operations.
func (s *Statistics) Writes() int64 {
	return atomic.LoadInt64(&s.writes)
}

// Reads returns the total number of read operations.
func (s *Statistics) Reads() int64 {
	return atomic.LoadInt64(&s.reads)
}

// Peeks returns the total number of peek operations.
func (s *Statistics) Peeks() int64 {
	return atomic.LoadInt64(&s.peeks)
}

// Overflows returns the total number of overflow events.
func (s *Statistics) Overflows() int64 {
	return atomic.LoadInt64(&s.overflows)
}

// Drops returns the total number of dropped items.
func (s *Statistics) Drops() int64 {
	return atomic.LoadInt64(&s.drops)
}

// CurrentSize returns the last recorded buffer size.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// MaxSize returns the buffer size high-water mark.
func (s *Statistics) MaxSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSize
}

// Uptime returns the duration since statistics collection started.
func (s *Statistics) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of buffer statistics.
type Snapshot struct {
	Writes      int64         `json:"writes"`
	Reads       int64         `json:"reads"`
	Peeks       int64         `json:"peeks"`
	Overflows   int64         `json:"overflows"`
	Drops       int64         `json:"drops"`
	CurrentSize int64         `json:"current_size"`
	MaxSize     int64         `json:"max_size"`
	Uptime      time.Duration `json:"uptime"`
}

// Snapshot returns a consistent copy of the current statistics.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.RLock()
	currentSize := s.currentSize
	maxSize := s.maxSize
	uptime := time.Since(s.startTime)
	s.mu.RUnlock()

	return Snapshot{
		Writes:      atomic.LoadInt64(&s.writes),
		Reads:       atomic.LoadInt64(&s.reads),
		Peeks:       atomic.LoadInt64(&s.peeks),
		Overflows:   atomic.LoadInt64(&s.overflows),
		Drops:       atomic.LoadInt64(&s.drops),
		CurrentSize: currentSize,
		MaxSize:     maxSize,
		Uptime:      uptime,
	}
}
