// Package detect compares expected and actual sensor readings and classifies deviations.
package detect

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"hydrotwin-backend/internal/telemetry"
)

const defaultEpsilon = 1e-9

type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity accepts "", "none", "warning" and "critical" in any case.
func ParseSeverity(value string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "none":
		return SeverityNone, nil
	case "warning":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return "", fmt.Errorf("unknown severity %q", value)
	}
}

type Thresholds struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
	Epsilon  float64 `yaml:"epsilon"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.05, Critical: 0.15, Epsilon: defaultEpsilon}
}

func (t Thresholds) Validate() error {
	if t.Warning <= 0 {
		return errors.New("warning threshold must be positive")
	}
	if t.Critical < t.Warning {
		return errors.New("critical threshold must not be below warning threshold")
	}
	if t.Epsilon < 0 {
		return errors.New("epsilon must not be negative")
	}
	return nil
}

// Deviation is |actual-expected| relative to |expected|, with eps guarding against
// division by zero for near-zero baselines.
func Deviation(expected, actual, eps float64) float64 {
	if eps <= 0 {
		eps = defaultEpsilon
	}
	return math.Abs(actual-expected) / math.Max(math.Abs(expected), eps)
}

// Compare returns the deviation and its severity. A deviation equal to a
// threshold falls into the higher band.
func (t Thresholds) Compare(expected, actual float64) (float64, Severity) {
	dev := Deviation(expected, actual, t.Epsilon)
	return dev, t.Classify(dev)
}

func (t Thresholds) Classify(deviation float64) Severity {
	switch {
	case deviation >= t.Critical:
		return SeverityCritical
	case deviation >= t.Warning:
		return SeverityWarning
	default:
		return SeverityNone
	}
}

type Anomaly struct {
	ID         string               `json:"id,omitempty"`
	NetworkID  string               `json:"network_id"`
	SensorID   string               `json:"sensor_id"`
	SensorType telemetry.SensorType `json:"sensor_type"`
	Timestamp  time.Time            `json:"timestamp"`
	Expected   float64              `json:"expected_value"`
	Actual     float64              `json:"actual_value"`
	Deviation  float64              `json:"deviation_fraction"`
	Severity   Severity             `json:"severity"`
}

// Evaluate compares each actual reading with the expected reading of the same
// sensor and tick, returning anomalies for deviations at or above the warning band.
func Evaluate(networkID string, expected, actual []telemetry.Reading, th Thresholds) ([]Anomaly, error) {
	type key struct {
		sensor string
		ts     int64
	}
	index := make(map[key]float64, len(expected))
	for _, r := range expected {
		index[key{r.SensorID, r.Timestamp.UnixNano()}] = r.Value
	}
	anomalies := []Anomaly{}
	for _, r := range actual {
		exp, ok := index[key{r.SensorID, r.Timestamp.UnixNano()}]
		if !ok {
			return nil, fmt.Errorf("no expected reading for sensor %s at %s", r.SensorID, r.Timestamp.Format(time.RFC3339))
		}
		dev, severity := th.Compare(exp, r.Value)
		if math.IsNaN(dev) {
			return nil, fmt.Errorf("sensor %s produced NaN deviation", r.SensorID)
		}
		if severity == SeverityNone {
			continue
		}
		anomalies = append(anomalies, Anomaly{
			NetworkID:  networkID,
			SensorID:   r.SensorID,
			SensorType: r.SensorType,
			Timestamp:  r.Timestamp,
			Expected:   exp,
			Actual:     r.Value,
			Deviation:  dev,
			Severity:   severity,
		})
	}
	return anomalies, nil
}
