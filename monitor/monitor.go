// Package monitor tracks the pipeline's own performance: per-stage
// processing latency, outcome rates, and buffer occupancy over a trailing
// window, with threshold alerts on degradation.
package monitor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hydrosense/hydrostream/config"
)

// Stage names a measured processing stage.
type Stage string

const (
	StageProcess  Stage = "process" // full dequeue-to-dispatch path
	StageValidate Stage = "validate"
	StageClassify Stage = "classify"
	StageDeliver  Stage = "deliver"
)

// Outcome is the terminal result of processing one reading.
type Outcome string

const (
	OutcomeNormal  Outcome = "normal"
	OutcomeAnomaly Outcome = "anomaly"
	OutcomeError   Outcome = "error"
	OutcomeDropped Outcome = "dropped"
)

// AlertKind identifies what a threshold alert is about. The cooldown is
// tracked per kind.
type AlertKind string

const (
	AlertLatencyMean    AlertKind = "latency_mean"
	AlertLatencyP95     AlertKind = "latency_p95"
	AlertLatencySpike   AlertKind = "latency_spike"
	AlertErrorRate      AlertKind = "error_rate"
	AlertBufferPressure AlertKind = "buffer_pressure"
	AlertConnectivity   AlertKind = "connectivity"
)

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// Alert is a threshold violation report.
type Alert struct {
	ID        string        `json:"id"`
	Kind      AlertKind     `json:"kind"`
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
	Value     float64       `json:"value"`
	Threshold float64       `json:"threshold"`
	Timestamp time.Time     `json:"timestamp"`
}

type sample struct {
	at time.Time
	v  float64
}

// Monitor aggregates performance samples over a trailing window. Safe for
// concurrent use; writes hold the lock only long enough to append and prune.
type Monitor struct {
	cfg config.MonitorConfig

	mu        sync.RWMutex
	latencies map[Stage][]sample
	outcomes  map[Outcome][]sample
	occupancy []sample
	lastAlert map[AlertKind]time.Time

	now func() time.Time
}

// New creates a Monitor with the given thresholds.
func New(cfg config.MonitorConfig) *Monitor {
	return &Monitor{
		cfg:       cfg,
		latencies: make(map[Stage][]sample),
		outcomes:  make(map[Outcome][]sample),
		lastAlert: make(map[AlertKind]time.Time),
		now:       time.Now,
	}
}

// Record adds a latency sample for a stage.
func (m *Monitor) Record(stage Stage, d time.Duration) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latencies[stage] = appendPruned(m.latencies[stage], sample{now, float64(d)}, now.Add(-m.cfg.TrailingWindow))
}

// RecordOutcome counts a processing outcome.
func (m *Monitor) RecordOutcome(outcome Outcome) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outcomes[outcome] = appendPruned(m.outcomes[outcome], sample{now, 1}, now.Add(-m.cfg.TrailingWindow))
}

// RecordBufferOccupancy records the ingestion buffer's fill percentage.
func (m *Monitor) RecordBufferOccupancy(pct float64) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.occupancy = appendPruned(m.occupancy, sample{now, pct}, now.Add(-m.cfg.TrailingWindow))
}

// appendPruned drops samples older than cutoff and appends s. Samples are
// appended in time order, so pruning is a prefix cut.
func appendPruned(samples []sample, s sample, cutoff time.Time) []sample {
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		samples = append(samples[:0], samples[i:]...)
	}
	return append(samples, s)
}

// StageStats summarizes one stage's latency over the trailing window.
type StageStats struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean"`
	P95   time.Duration `json:"p95"`
	Max   time.Duration `json:"max"`
	Last  time.Duration `json:"last"`
}

// OccupancyStats summarizes buffer occupancy over the trailing window.
type OccupancyStats struct {
	Current float64 `json:"current"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
}

// Snapshot is a point-in-time view of the monitor's aggregates.
type Snapshot struct {
	Timestamp   time.Time            `json:"timestamp"`
	Stages      map[Stage]StageStats `json:"stages"`
	Outcomes    map[Outcome]int      `json:"outcomes"`
	ErrorRate   float64              `json:"error_rate"`
	AnomalyRate float64              `json:"anomaly_rate"`
	Occupancy   OccupancyStats       `json:"buffer_occupancy"`
}

// Snapshot returns current aggregates over the trailing window.
func (m *Monitor) Snapshot() Snapshot {
	now := m.now()
	cutoff := now.Add(-m.cfg.TrailingWindow)

	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Timestamp: now,
		Stages:    make(map[Stage]StageStats, len(m.latencies)),
		Outcomes:  make(map[Outcome]int, len(m.outcomes)),
	}

	for stage, samples := range m.latencies {
		if stats, ok := stageStats(samples, cutoff); ok {
			snap.Stages[stage] = stats
		}
	}

	total := 0
	for outcome, samples := range m.outcomes {
		n := countSince(samples, cutoff)
		snap.Outcomes[outcome] = n
		total += n
	}
	if total > 0 {
		snap.ErrorRate = float64(snap.Outcomes[OutcomeError]) / float64(total)
		snap.AnomalyRate = float64(snap.Outcomes[OutcomeAnomaly]) / float64(total)
	}

	snap.Occupancy = occupancyStats(m.occupancy, cutoff)

	return snap
}

func countSince(samples []sample, cutoff time.Time) int {
	n := 0
	for _, s := range samples {
		if !s.at.Before(cutoff) {
			n++
		}
	}
	return n
}

func stageStats(samples []sample, cutoff time.Time) (StageStats, bool) {
	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		if !s.at.Before(cutoff) {
			values = append(values, s.v)
		}
	}
	if len(values) == 0 {
		return StageStats{}, false
	}

	var sum, max float64
	for _, v := range values {
		sum += v
		if v > max {
			max = v
		}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	p95 := sorted[(len(sorted)*95)/100]

	return StageStats{
		Count: len(values),
		Mean:  time.Duration(sum / float64(len(values))),
		P95:   time.Duration(p95),
		Max:   time.Duration(max),
		Last:  time.Duration(values[len(values)-1]),
	}, true
}

func occupancyStats(samples []sample, cutoff time.Time) OccupancyStats {
	var stats OccupancyStats
	var sum float64
	n := 0
	for _, s := range samples {
		if s.at.Before(cutoff) {
			continue
		}
		n++
		sum += s.v
		stats.Current = s.v
		if s.v > stats.Max {
			stats.Max = s.v
		}
	}
	if n > 0 {
		stats.Mean = sum / float64(n)
	}
	return stats
}

// CheckThresholds evaluates the current aggregates against the configured
// thresholds and returns the alerts that are due. Each alert kind is
// suppressed for the cooldown period after it fires.
func (m *Monitor) CheckThresholds() []Alert {
	snap := m.Snapshot()
	now := snap.Timestamp

	var alerts []Alert
	raise := func(kind AlertKind, severity AlertSeverity, value, threshold float64, msg string) {
		m.mu.Lock()
		last, ok := m.lastAlert[kind]
		if ok && now.Sub(last) < m.cfg.AlertCooldown {
			m.mu.Unlock()
			return
		}
		m.lastAlert[kind] = now
		m.mu.Unlock()

		alerts = append(alerts, Alert{
			ID:        uuid.NewString(),
			Kind:      kind,
			Severity:  severity,
			Message:   msg,
			Value:     value,
			Threshold: threshold,
			Timestamp: now,
		})
	}

	if stats, ok := snap.Stages[StageProcess]; ok {
		if stats.Last > m.cfg.LatencyAlert {
			raise(AlertLatencySpike, AlertCritical,
				float64(stats.Last.Milliseconds()), float64(m.cfg.LatencyAlert.Milliseconds()),
				fmt.Sprintf("processing time %.2fms exceeds %.0fms",
					float64(stats.Last.Microseconds())/1000, float64(m.cfg.LatencyAlert.Milliseconds())))
		}
		if stats.P95 > m.cfg.LatencyP95Target {
			raise(AlertLatencyP95, AlertWarning,
				float64(stats.P95.Milliseconds()), float64(m.cfg.LatencyP95Target.Milliseconds()),
				fmt.Sprintf("p95 processing time %.2fms exceeds %.0fms target",
					float64(stats.P95.Microseconds())/1000, float64(m.cfg.LatencyP95Target.Milliseconds())))
		}
		if stats.Mean > m.cfg.LatencyTarget {
			raise(AlertLatencyMean, AlertWarning,
				float64(stats.Mean.Milliseconds()), float64(m.cfg.LatencyTarget.Milliseconds()),
				fmt.Sprintf("mean processing time %.2fms exceeds %.0fms target",
					float64(stats.Mean.Microseconds())/1000, float64(m.cfg.LatencyTarget.Milliseconds())))
		}
	}

	switch {
	case snap.ErrorRate > m.cfg.ErrorRateCritical:
		raise(AlertErrorRate, AlertCritical, snap.ErrorRate, m.cfg.ErrorRateCritical,
			fmt.Sprintf("error rate %.2f%% exceeds %.2f%%", snap.ErrorRate*100, m.cfg.ErrorRateCritical*100))
	case snap.ErrorRate > m.cfg.ErrorRateWarning:
		raise(AlertErrorRate, AlertWarning, snap.ErrorRate, m.cfg.ErrorRateWarning,
			fmt.Sprintf("error rate %.2f%% exceeds %.2f%%", snap.ErrorRate*100, m.cfg.ErrorRateWarning*100))
	}

	switch {
	case snap.Occupancy.Current > m.cfg.OccupancyCriticalPct:
		raise(AlertBufferPressure, AlertCritical, snap.Occupancy.Current, m.cfg.OccupancyCriticalPct,
			fmt.Sprintf("buffer at %.1f%% of capacity", snap.Occupancy.Current))
	case snap.Occupancy.Current > m.cfg.OccupancyWarningPct:
		raise(AlertBufferPressure, AlertWarning, snap.Occupancy.Current, m.cfg.OccupancyWarningPct,
			fmt.Sprintf("buffer approaching capacity: %.1f%%", snap.Occupancy.Current))
	}

	return alerts
}

// RaiseConnectivity creates a connectivity alert, subject to the same
// cooldown as threshold alerts. Returns false during the cooldown.
func (m *Monitor) RaiseConnectivity(msg string) (Alert, bool) {
	now := m.now()

	m.mu.Lock()
	last, ok := m.lastAlert[AlertConnectivity]
	if ok && now.Sub(last) < m.cfg.AlertCooldown {
		m.mu.Unlock()
		return Alert{}, false
	}
	m.lastAlert[AlertConnectivity] = now
	m.mu.Unlock()

	return Alert{
		ID:        uuid.NewString(),
		Kind:      AlertConnectivity,
		Severity:  AlertCritical,
		Message:   msg,
		Timestamp: now,
	}, true
}
