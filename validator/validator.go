// Package validator turns untrusted raw readings into cleaned readings:
// structural checks, physical range checks per category, interpolation of
// missing values, and per-stream timestamp ordering.
package validator

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hydrosense/hydrostream/config"
	"github.com/hydrosense/hydrostream/errors"
	"github.com/hydrosense/hydrostream/reading"
	"github.com/hydrosense/hydrostream/window"
)

// Validator validates and cleans raw readings. Safe for concurrent use.
type Validator struct {
	cfg     config.ValidationConfig
	windows *window.Tracker

	mu       sync.Mutex
	lastSeen map[string]streamMark

	now func() time.Time
}

// streamMark is the per-stream ordering state: the highest accepted reading
// timestamp and the wall-clock time it was last touched.
type streamMark struct {
	ts      time.Time
	touched time.Time
}

// New creates a Validator that draws interpolation context from windows.
func New(cfg config.ValidationConfig, windows *window.Tracker) *Validator {
	return &Validator{
		cfg:      cfg,
		windows:  windows,
		lastSeen: make(map[string]streamMark),
		now:      time.Now,
	}
}

// Validate checks raw and returns the cleaned reading. Rejections return a
// sentinel from the errors package; the caller maps them to rejection
// reasons for counting.
func (v *Validator) Validate(raw reading.RawReading) (reading.CleanedReading, error) {
	if !wellFormedSensorID(raw.SensorID) {
		return reading.CleanedReading{}, fmt.Errorf("%w: sensor id %q", errors.ErrUnknownSensor, raw.SensorID)
	}
	if raw.Timestamp.IsZero() {
		return reading.CleanedReading{}, fmt.Errorf("%w: zero timestamp", errors.ErrMalformed)
	}

	now := v.now()
	if raw.Timestamp.After(now.Add(v.cfg.LatenessTolerance)) {
		return reading.CleanedReading{}, fmt.Errorf("%w: timestamp %s is in the future",
			errors.ErrOutOfRange, raw.Timestamp.Format(time.RFC3339))
	}

	value, interpolated, err := v.resolveValue(raw)
	if err != nil {
		return reading.CleanedReading{}, err
	}

	if err := v.checkRange(raw.Category, value); err != nil {
		return reading.CleanedReading{}, err
	}

	timestamp, err := v.orderTimestamp(raw.StreamID(), raw.Timestamp)
	if err != nil {
		return reading.CleanedReading{}, err
	}

	quality := v.qualityScore(raw, interpolated, now)

	return reading.CleanedReading{
		ID:           raw.ID,
		SensorID:     raw.SensorID,
		Category:     raw.Category,
		Timestamp:    timestamp,
		Received:     raw.Received,
		Value:        value,
		QualityScore: quality,
		Interpolated: interpolated,
		Metadata:     raw.Metadata,
	}, nil
}

// resolveValue returns the reading's value, interpolating a missing one
// linearly between the stream's two most recent samples.
func (v *Validator) resolveValue(raw reading.RawReading) (float64, bool, error) {
	if raw.Value != nil {
		value := *raw.Value
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return 0, false, fmt.Errorf("%w: non-finite value", errors.ErrMalformed)
		}
		return value, false, nil
	}

	recent := v.windows.Recent(raw.StreamID(), 2)
	if len(recent) < 2 {
		return 0, false, fmt.Errorf("%w: stream %s has %d samples, need 2",
			errors.ErrInsufficientContext, raw.StreamID(), len(recent))
	}

	return (recent[0] + recent[1]) / 2, true, nil
}

// checkRange enforces the physical bounds for the reading's category.
func (v *Validator) checkRange(category reading.Category, value float64) error {
	var lo, hi float64
	switch category {
	case reading.CategoryFlow:
		lo, hi = 0, v.cfg.MaxFlowRate
	case reading.CategoryQuality:
		lo, hi = 0, v.cfg.MaxQualityIndex
	case reading.CategoryWeather:
		lo, hi = v.cfg.MinWeatherValue, v.cfg.MaxWeatherValue
	default:
		return fmt.Errorf("%w: category %q", errors.ErrMalformed, category)
	}

	if value < lo || value > hi {
		return fmt.Errorf("%w: %s value %g outside [%g, %g]", errors.ErrOutOfRange, category, value, lo, hi)
	}
	return nil
}

// orderTimestamp enforces per-stream non-decreasing timestamps. Out-of-order
// readings within the lateness tolerance are clamped to the last seen
// timestamp; older ones are rejected as stale.
func (v *Validator) orderTimestamp(streamID string, ts time.Time) (time.Time, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	mark, ok := v.lastSeen[streamID]
	if ok && ts.Before(mark.ts) {
		if mark.ts.Sub(ts) > v.cfg.LatenessTolerance {
			return time.Time{}, fmt.Errorf("%w: reading is %s behind the stream",
				errors.ErrStaleReading, mark.ts.Sub(ts))
		}
		ts = mark.ts
	}

	v.lastSeen[streamID] = streamMark{ts: ts, touched: v.now()}
	return ts, nil
}

// SweepIdle evicts ordering state for streams that have not produced a
// reading for at least idleFor. Returns the number of streams evicted.
func (v *Validator) SweepIdle(idleFor time.Duration) int {
	cutoff := v.now().Add(-idleFor)

	v.mu.Lock()
	defer v.mu.Unlock()

	removed := 0
	for id, mark := range v.lastSeen {
		if mark.touched.Before(cutoff) {
			delete(v.lastSeen, id)
			removed++
		}
	}
	return removed
}

// qualityScore derives the cleaned reading's quality score from the
// producer-reported score, the interpolation penalty, and staleness decay.
func (v *Validator) qualityScore(raw reading.RawReading, interpolated bool, now time.Time) float64 {
	quality := clamp01(raw.QualityScore)

	if interpolated {
		quality *= v.cfg.InterpolationPenalty
	}

	if age := now.Sub(raw.Timestamp); age > v.cfg.StalenessHorizon && v.cfg.StalenessHorizon > 0 {
		// Linear decay past the horizon, reaching zero at twice its length.
		factor := 1 - float64(age-v.cfg.StalenessHorizon)/float64(v.cfg.StalenessHorizon)
		quality *= clamp01(factor)
	}

	return clamp01(quality)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

// wellFormedSensorID accepts the id charset used across the fleet:
// alphanumerics, dashes, underscores.
func wellFormedSensorID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
