// Package reading defines the telemetry data model: raw readings as they
// arrive off the wire and cleaned readings as the validator emits them.
package reading

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hydrosense/hydrostream/errors"
)

// Category identifies the kind of telemetry a sensor produces.
type Category string

const (
	CategoryFlow    Category = "flow"    // flow rate, liters/minute
	CategoryQuality Category = "quality" // water quality index
	CategoryWeather Category = "weather" // environmental readings
)

// ParseCategory maps a subject segment to a Category.
func ParseCategory(s string) (Category, error) {
	switch Category(strings.ToLower(s)) {
	case CategoryFlow:
		return CategoryFlow, nil
	case CategoryQuality:
		return CategoryQuality, nil
	case CategoryWeather:
		return CategoryWeather, nil
	default:
		return "", fmt.Errorf("%w: unknown category %q", errors.ErrMalformed, s)
	}
}

// RawReading is a reading as received from the transport. Nothing in it is
// trusted until it passes validation. A nil Value marks a missing sample
// that the validator may interpolate.
type RawReading struct {
	ID           string            `json:"id"`
	SensorID     string            `json:"sensor_id"`
	Category     Category          `json:"category"`
	Timestamp    time.Time         `json:"timestamp"`
	Received     time.Time         `json:"received"`
	Value        *float64          `json:"value"`
	QualityScore float64           `json:"quality_score"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// StreamID identifies the logical stream a reading belongs to. Window
// statistics and worker partitioning are both keyed on it.
func (r RawReading) StreamID() string {
	return string(r.Category) + "/" + r.SensorID
}

// CleanedReading is a reading that passed validation: finite in-range value,
// per-stream non-decreasing timestamp, quality score clamped to [0,1].
type CleanedReading struct {
	ID           string            `json:"id"`
	SensorID     string            `json:"sensor_id"`
	Category     Category          `json:"category"`
	Timestamp    time.Time         `json:"timestamp"`
	Received     time.Time         `json:"received"`
	Value        float64           `json:"value"`
	QualityScore float64           `json:"quality_score"`
	Interpolated bool              `json:"interpolated"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// StreamID identifies the logical stream the reading belongs to.
func (r CleanedReading) StreamID() string {
	return string(r.Category) + "/" + r.SensorID
}

// wireReading is the on-the-wire payload shape. Value stays untyped so a
// corrupt producer sending a string cannot fail the whole decode silently.
type wireReading struct {
	SensorID     string            `json:"sensor_id"`
	Timestamp    string            `json:"timestamp"`
	Value        any               `json:"value"`
	QualityScore *float64          `json:"quality_score"`
	Metadata     map[string]string `json:"metadata"`
}

// ParsePayload decodes a telemetry message received on subject into a
// RawReading. The subject carries the stream identity
// (sensors.water.<category>.<sensor-id>); the payload carries the sample.
// Anything undecodable returns ErrMalformed.
func ParsePayload(subject string, payload []byte) (RawReading, error) {
	category, sensorID, err := splitSubject(subject)
	if err != nil {
		return RawReading{}, err
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	var wire wireReading
	if err := dec.Decode(&wire); err != nil {
		return RawReading{}, fmt.Errorf("%w: %v", errors.ErrMalformed, err)
	}

	if wire.SensorID != "" && wire.SensorID != sensorID {
		return RawReading{}, fmt.Errorf("%w: payload sensor %q does not match subject sensor %q",
			errors.ErrMalformed, wire.SensorID, sensorID)
	}

	if wire.Timestamp == "" {
		return RawReading{}, fmt.Errorf("%w: missing timestamp", errors.ErrMalformed)
	}
	ts, err := time.Parse(time.RFC3339Nano, wire.Timestamp)
	if err != nil {
		return RawReading{}, fmt.Errorf("%w: bad timestamp %q", errors.ErrMalformed, wire.Timestamp)
	}

	if wire.QualityScore == nil {
		return RawReading{}, fmt.Errorf("%w: missing quality_score", errors.ErrMalformed)
	}
	quality := *wire.QualityScore
	if math.IsNaN(quality) || math.IsInf(quality, 0) {
		return RawReading{}, fmt.Errorf("%w: non-finite quality_score", errors.ErrMalformed)
	}

	var value *float64
	switch v := wire.Value.(type) {
	case nil:
		// Missing sample, candidate for interpolation.
	case float64:
		value = &v
	default:
		return RawReading{}, fmt.Errorf("%w: value has type %T, want number or null", errors.ErrMalformed, wire.Value)
	}

	return RawReading{
		ID:           uuid.NewString(),
		SensorID:     sensorID,
		Category:     category,
		Timestamp:    ts,
		Received:     time.Now(),
		Value:        value,
		QualityScore: quality,
		Metadata:     wire.Metadata,
	}, nil
}

// splitSubject extracts the category and sensor id from a telemetry subject
// of the form sensors.water.<category>.<sensor-id>.
func splitSubject(subject string) (Category, string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0] != "sensors" || parts[1] != "water" {
		return "", "", fmt.Errorf("%w: unexpected subject %q", errors.ErrMalformed, subject)
	}

	category, err := ParseCategory(parts[2])
	if err != nil {
		return "", "", err
	}

	if parts[3] == "" {
		return "", "", fmt.Errorf("%w: empty sensor id in subject %q", errors.ErrUnknownSensor, subject)
	}

	return category, parts[3], nil
}
