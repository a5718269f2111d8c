// Package telemetry simulates SCADA sensor readings from a hydraulic baseline.
package telemetry

import (
	"fmt"
	"strings"
	"time"

	"hydrotwin-backend/internal/baseline"
)

type SensorType string

const (
	SensorPressure SensorType = "PRESSURE"
	SensorFlow     SensorType = "FLOW"
	SensorLevel    SensorType = "LEVEL"
)

// SensorTypes lists every type in emission order.
var SensorTypes = []SensorType{SensorPressure, SensorFlow, SensorLevel}

func (t SensorType) Unit() string {
	switch t {
	case SensorPressure:
		return "psi"
	case SensorFlow:
		return "L/s"
	case SensorLevel:
		return "ft"
	default:
		return ""
	}
}

func (t SensorType) order() int {
	for i, st := range SensorTypes {
		if st == t {
			return i
		}
	}
	return len(SensorTypes)
}

func ParseSensorType(value string) (SensorType, error) {
	st := SensorType(strings.ToUpper(strings.TrimSpace(value)))
	switch st {
	case SensorPressure, SensorFlow, SensorLevel:
		return st, nil
	default:
		return "", fmt.Errorf("unknown sensor type %q", value)
	}
}

// SensorID derives the stable id of the sensor of type t at a location.
func SensorID(t SensorType, locationID string) string {
	return string(t) + "_" + locationID
}

type Sensor struct {
	ID         string     `json:"sensor_id"`
	Type       SensorType `json:"sensor_type"`
	LocationID string     `json:"location_id"`
	Unit       string     `json:"unit"`
}

type Reading struct {
	Timestamp  time.Time  `json:"timestamp"`
	SensorID   string     `json:"sensor_id"`
	SensorType SensorType `json:"sensor_type"`
	Value      float64    `json:"value"`
	LocationID string     `json:"location_id"`
}

// Sensors enumerates every sensor derivable from a baseline, ordered by type then location id.
func Sensors(snapshot *baseline.Snapshot) []Sensor {
	if snapshot == nil {
		return nil
	}
	sensors := make([]Sensor, 0, snapshot.Len())
	add := func(t SensorType, ids []string) {
		for _, id := range ids {
			sensors = append(sensors, Sensor{ID: SensorID(t, id), Type: t, LocationID: id, Unit: t.Unit()})
		}
	}
	add(SensorPressure, snapshot.PressureIDs())
	add(SensorFlow, snapshot.FlowIDs())
	add(SensorLevel, snapshot.TankIDs())
	return sensors
}

// Less orders readings by timestamp, then sensor type, then location id.
func Less(a, b Reading) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.SensorType != b.SensorType {
		return a.SensorType.order() < b.SensorType.order()
	}
	return a.LocationID < b.LocationID
}
