package window

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstantStreamThenSpike(t *testing.T) {
	tracker := NewTracker(WithSize(5), WithMinSamples(1))

	var stats Stats
	for i := 0; i < 5; i++ {
		stats = tracker.Update("flow/m1", 10)
	}
	assert.Equal(t, 10.0, stats.Mean)
	assert.Equal(t, 0.0, stats.StdDev)
	assert.Equal(t, 5, stats.Count)

	// The window is full, so the spike evicts one of the 10s.
	stats = tracker.Update("flow/m1", 100)
	assert.Equal(t, 5, stats.Count)
	assert.InDelta(t, 28.0, stats.Mean, 1e-9)
	assert.InDelta(t, 36.0, stats.StdDev, 1e-9)
}

func TestLowConfidence(t *testing.T) {
	tracker := NewTracker(WithSize(100), WithMinSamples(30))

	var stats Stats
	for i := 0; i < 29; i++ {
		stats = tracker.Update("flow/m1", float64(i))
	}
	assert.True(t, stats.LowConfidence)

	stats = tracker.Update("flow/m1", 29)
	assert.False(t, stats.LowConfidence)
}

func TestMatchesPopulationStatistics(t *testing.T) {
	const size = 50
	rng := rand.New(rand.NewSource(42))
	tracker := NewTracker(WithSize(size), WithMinSamples(1))

	var samples []float64
	var stats Stats
	for i := 0; i < 500; i++ {
		v := rng.Float64()*200 - 100
		samples = append(samples, v)
		stats = tracker.Update("flow/m1", v)
	}

	// Exact population statistics over the retained window.
	window := samples[len(samples)-size:]
	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / size
	var sq float64
	for _, v := range window {
		sq += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(sq / size)

	assert.Equal(t, size, stats.Count)
	assert.InDelta(t, mean, stats.Mean, 1e-6)
	assert.InDelta(t, stddev, stats.StdDev, 1e-6)
}

func TestStreamsAreIndependent(t *testing.T) {
	tracker := NewTracker(WithSize(10), WithMinSamples(1))

	tracker.Update("flow/m1", 10)
	tracker.Update("flow/m2", 1000)

	stats, ok := tracker.Stats("flow/m1")
	require.True(t, ok)
	assert.Equal(t, 10.0, stats.Mean)
	assert.Equal(t, 1, stats.Count)

	_, ok = tracker.Stats("flow/unknown")
	assert.False(t, ok)
}

func TestRecent(t *testing.T) {
	tracker := NewTracker(WithSize(3), WithMinSamples(1))

	for _, v := range []float64{1, 2, 3, 4, 5} {
		tracker.Update("flow/m1", v)
	}

	assert.Equal(t, []float64{4, 5}, tracker.Recent("flow/m1", 2))
	assert.Equal(t, []float64{3, 4, 5}, tracker.Recent("flow/m1", 10))
	assert.Nil(t, tracker.Recent("flow/unknown", 2))
}

func TestSweepIdle(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tracker := NewTracker(WithSize(10), withClock(clock))

	tracker.Update("flow/m1", 1)
	tracker.Update("flow/m2", 2)

	now = now.Add(30 * time.Minute)
	tracker.Update("flow/m2", 3)

	now = now.Add(45 * time.Minute)
	removed := tracker.SweepIdle(time.Hour)

	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, tracker.Len())

	_, ok := tracker.Stats("flow/m1")
	assert.False(t, ok)
	_, ok = tracker.Stats("flow/m2")
	assert.True(t, ok)
}
