// Package detector classifies cleaned readings against their stream's
// rolling statistics: z-score thresholding gated by the reading's quality
// score and the window's confidence.
package detector

import (
	"math"
	"time"

	"github.com/hydrosense/hydrostream/config"
	"github.com/hydrosense/hydrostream/reading"
	"github.com/hydrosense/hydrostream/window"
)

// Classification is the outcome of classifying one reading.
type Classification string

const (
	ClassNormal      Classification = "normal"
	ClassAnomaly     Classification = "anomaly"
	ClassQuarantined Classification = "quarantined"
)

// Severity grades an anomaly.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Verdict is the immutable classification result for one reading.
type Verdict struct {
	ReadingID      string         `json:"reading_id"`
	StreamID       string         `json:"stream_id"`
	Value          float64        `json:"value"`
	ZScore         float64        `json:"z_score"`
	QualityScore   float64        `json:"quality_score"`
	Classification Classification `json:"classification"`
	Severity       Severity       `json:"severity"`
	WindowMean     float64        `json:"window_mean"`
	WindowStdDev   float64        `json:"window_std_dev"`
	WindowCount    int            `json:"window_count"`
	LowConfidence  bool           `json:"low_confidence"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Detector applies the classification rules. Stateless and safe for
// concurrent use.
type Detector struct {
	zThreshold       float64
	qualityThreshold float64
}

// New creates a Detector from detection config.
func New(cfg config.DetectionConfig) *Detector {
	return &Detector{
		zThreshold:       cfg.ZScoreThreshold,
		qualityThreshold: cfg.QualityThreshold,
	}
}

// Classify produces a verdict for cleaned given its stream's stats.
//
// Rules, in order: a quality score below the threshold quarantines the
// reading regardless of its z-score; a constant stream (stddev 0) never
// flags; low-confidence windows never flag (cold-start guard); otherwise
// |z| beyond the threshold is an anomaly, critical past twice the
// threshold.
func (d *Detector) Classify(cleaned reading.CleanedReading, stats window.Stats) Verdict {
	v := Verdict{
		ReadingID:      cleaned.ID,
		StreamID:       cleaned.StreamID(),
		Value:          cleaned.Value,
		QualityScore:   cleaned.QualityScore,
		Classification: ClassNormal,
		Severity:       SeverityNone,
		WindowMean:     stats.Mean,
		WindowStdDev:   stats.StdDev,
		WindowCount:    stats.Count,
		LowConfidence:  stats.LowConfidence,
		Timestamp:      cleaned.Timestamp,
	}

	if stats.StdDev > 0 {
		v.ZScore = (cleaned.Value - stats.Mean) / stats.StdDev
	}

	if cleaned.QualityScore < d.qualityThreshold {
		v.Classification = ClassQuarantined
		return v
	}

	if stats.LowConfidence {
		return v
	}

	if abs := math.Abs(v.ZScore); abs > d.zThreshold {
		v.Classification = ClassAnomaly
		if abs > 2*d.zThreshold {
			v.Severity = SeverityCritical
		} else {
			v.Severity = SeverityWarning
		}
	}

	return v
}
