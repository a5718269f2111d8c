package telemetry

import (
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"time"

	"hydrotwin-backend/internal/baseline"
	"hydrotwin-backend/internal/pattern"
)

// Model holds the heuristic coefficients relating sensor values to the demand
// multiplier and the per-type noise levels. The coefficients are illustrative,
// not derived from hydraulics.
type Model struct {
	PressureCoefficient float64 `yaml:"pressureCoefficient"`
	LevelCoefficient    float64 `yaml:"levelCoefficient"`
	PressureNoise       float64 `yaml:"pressureNoisePercent"`
	FlowNoise           float64 `yaml:"flowNoisePercent"`
	LevelNoise          float64 `yaml:"levelNoisePercent"`
}

func DefaultModel() Model {
	return Model{
		PressureCoefficient: 0.3,
		LevelCoefficient:    0.05,
		PressureNoise:       2,
		FlowNoise:           3,
		LevelNoise:          1,
	}
}

func (m Model) Validate() error {
	values := map[string]float64{
		"pressureCoefficient":  m.PressureCoefficient,
		"levelCoefficient":     m.LevelCoefficient,
		"pressureNoisePercent": m.PressureNoise,
		"flowNoisePercent":     m.FlowNoise,
		"levelNoisePercent":    m.LevelNoise,
	}
	for name, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be finite", name)
		}
	}
	if m.PressureNoise < 0 || m.FlowNoise < 0 || m.LevelNoise < 0 {
		return fmt.Errorf("noise percentages must not be negative")
	}
	return nil
}

func (m Model) NoisePercent(t SensorType) float64 {
	switch t {
	case SensorPressure:
		return m.PressureNoise
	case SensorFlow:
		return m.FlowNoise
	case SensorLevel:
		return m.LevelNoise
	default:
		return 0
	}
}

// Value applies the demand multiplier to a baseline value of the given sensor type.
func (m Model) Value(t SensorType, base, multiplier float64) float64 {
	switch t {
	case SensorPressure:
		return base * (1 - (multiplier-1)*m.PressureCoefficient)
	case SensorFlow:
		return base * multiplier
	case SensorLevel:
		return base * (1 + (multiplier-1)*m.LevelCoefficient)
	default:
		return base
	}
}

// NoiseSource yields standard normal samples. *rand.Rand satisfies it.
type NoiseSource interface {
	NormFloat64() float64
}

// NewSeededSource returns a deterministic PCG-backed source.
func NewSeededSource(seed uint64) NoiseSource {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Generator combines a baseline, the diurnal pattern and the noise model. A
// Generator is not safe for concurrent use; each monitoring session owns one.
type Generator struct {
	pattern pattern.Pattern
	model   Model
	noise   NoiseSource
}

func NewGenerator(p pattern.Pattern, model Model, noise NoiseSource) *Generator {
	return &Generator{pattern: p, model: model, noise: noise}
}

func (g *Generator) Model() Model { return g.model }

// Multiplier returns the demand multiplier at t.
func (g *Generator) Multiplier(t time.Time) float64 {
	return g.pattern.Multiplier(pattern.FractionalHour(t))
}

// At produces one reading per sensor for the tick at t. It fails when the
// baseline yields a non-finite value.
func (g *Generator) At(snapshot *baseline.Snapshot, t time.Time, noise bool) ([]Reading, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("baseline is not set")
	}
	readings := g.tick(snapshot, t, noise)
	for _, r := range readings {
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			return nil, fmt.Errorf("sensor %s produced non-finite value %v", r.SensorID, r.Value)
		}
	}
	return readings, nil
}

// Generate lazily yields readings for every tick in [start, end) stepped by
// interval; start == end yields the single tick at start. Each iteration
// restarts from start. A non-positive interval yields only the tick at start.
func (g *Generator) Generate(snapshot *baseline.Snapshot, start, end time.Time, interval time.Duration, noise bool) iter.Seq[Reading] {
	return func(yield func(Reading) bool) {
		if snapshot == nil || end.Before(start) {
			return
		}
		for t := start; t.Equal(start) || t.Before(end); t = t.Add(interval) {
			for _, r := range g.tick(snapshot, t, noise) {
				if !yield(r) {
					return
				}
			}
			if interval <= 0 {
				return
			}
		}
	}
}

func (g *Generator) tick(snapshot *baseline.Snapshot, t time.Time, noise bool) []Reading {
	m := g.Multiplier(t)
	readings := make([]Reading, 0, snapshot.Len())
	emit := func(st SensorType, ids []string, lookup func(string) (float64, bool)) {
		for _, id := range ids {
			base, _ := lookup(id)
			value := g.model.Value(st, base, m)
			if noise {
				value = g.applyNoise(st, value)
			}
			readings = append(readings, Reading{
				Timestamp:  t,
				SensorID:   SensorID(st, id),
				SensorType: st,
				Value:      value,
				LocationID: id,
			})
		}
	}
	emit(SensorPressure, snapshot.PressureIDs(), snapshot.Pressure)
	emit(SensorFlow, snapshot.FlowIDs(), snapshot.Flow)
	emit(SensorLevel, snapshot.TankIDs(), snapshot.TankLevel)
	return readings
}

func (g *Generator) applyNoise(st SensorType, value float64) float64 {
	pct := g.model.NoisePercent(st)
	if pct <= 0 || g.noise == nil {
		return value
	}
	value *= 1 + g.noise.NormFloat64()*pct/100
	if (st == SensorPressure || st == SensorLevel) && value < 0 {
		return 0
	}
	return value
}
