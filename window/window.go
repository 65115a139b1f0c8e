// Package window maintains per-stream rolling statistics over a fixed-size
// window of recent readings. Mean and standard deviation are kept
// incrementally (Welford's method) so both insertion and eviction are O(1).
package window

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultSize is the number of samples retained per stream.
	DefaultSize = 600

	// DefaultMinSamples is the sample count below which statistics are
	// reported as low confidence.
	DefaultMinSamples = 30
)

// Stats is a point-in-time view of one stream's window.
type Stats struct {
	Mean          float64 `json:"mean"`
	StdDev        float64 `json:"std_dev"`
	Count         int     `json:"count"`
	LowConfidence bool    `json:"low_confidence"`
}

// State holds the rolling window for a single stream. It is not safe for
// concurrent use; the Tracker serializes access.
type State struct {
	values []float64
	head   int
	count  int

	mean float64
	m2   float64

	lastUpdate time.Time
}

func newState(size int) *State {
	return &State{values: make([]float64, size)}
}

// add inserts a value, evicting the oldest sample once the ring is full.
func (s *State) add(value float64) {
	if s.count == len(s.values) {
		s.remove(s.values[s.head])
		s.head = (s.head + 1) % len(s.values)
	}

	tail := (s.head + s.count) % len(s.values)
	s.values[tail] = value

	s.count++
	delta := value - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (value - s.mean)
}

// remove undoes the oldest sample's contribution to mean and m2.
func (s *State) remove(value float64) {
	if s.count <= 1 {
		s.count = 0
		s.mean = 0
		s.m2 = 0
		return
	}

	oldMean := s.mean
	s.count--
	s.mean = (oldMean*float64(s.count+1) - value) / float64(s.count)
	s.m2 -= (value - oldMean) * (value - s.mean)
	if s.m2 < 0 {
		// Floating point residue on near-constant streams.
		s.m2 = 0
	}
}

// stats computes the current view. Population statistics over the retained
// samples.
func (s *State) stats(minSamples int) Stats {
	st := Stats{
		Mean:          s.mean,
		Count:         s.count,
		LowConfidence: s.count < minSamples,
	}
	if s.count > 0 {
		st.StdDev = math.Sqrt(s.m2 / float64(s.count))
	}
	return st
}

// Recent returns up to n of the newest samples, oldest first. Used by the
// validator for interpolation context.
func (s *State) Recent(n int) []float64 {
	if n > s.count {
		n = s.count
	}
	out := make([]float64, 0, n)
	for i := s.count - n; i < s.count; i++ {
		out = append(out, s.values[(s.head+i)%len(s.values)])
	}
	return out
}

// Tracker owns the window state for every active stream.
type Tracker struct {
	mu         sync.Mutex
	streams    map[string]*State
	size       int
	minSamples int
	now        func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithSize overrides the per-stream window size.
func WithSize(size int) Option {
	return func(t *Tracker) {
		if size > 0 {
			t.size = size
		}
	}
}

// WithMinSamples overrides the low-confidence sample threshold.
func WithMinSamples(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.minSamples = n
		}
	}
}

// withClock injects a clock for tests.
func withClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker with the given options.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		streams:    make(map[string]*State),
		size:       DefaultSize,
		minSamples: DefaultMinSamples,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Update appends a value to the stream's window, creating the stream on
// first sight, and returns the statistics after the update.
func (t *Tracker) Update(streamID string, value float64) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.streams[streamID]
	if !ok {
		state = newState(t.size)
		t.streams[streamID] = state
	}

	state.add(value)
	state.lastUpdate = t.now()
	return state.stats(t.minSamples)
}

// Stats returns the current statistics for a stream without modifying it.
func (t *Tracker) Stats(streamID string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.streams[streamID]
	if !ok {
		return Stats{}, false
	}
	return state.stats(t.minSamples), true
}

// Recent returns up to n of the stream's newest samples, oldest first.
func (t *Tracker) Recent(streamID string, n int) []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.streams[streamID]
	if !ok {
		return nil
	}
	return state.Recent(n)
}

// SweepIdle evicts streams with no update for at least idleFor and returns
// how many were removed.
func (t *Tracker) SweepIdle(idleFor time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-idleFor)
	removed := 0
	for id, state := range t.streams {
		if state.lastUpdate.Before(cutoff) {
			delete(t.streams, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of active streams.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}
