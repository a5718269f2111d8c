// Package pattern maps time of day to a relative demand multiplier.
package pattern

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const hoursPerDay = 24.0

// Pattern returns the demand multiplier for an hour of day. Implementations are
// deterministic, periodic over 24h and total over real inputs.
type Pattern interface {
	Multiplier(hour float64) float64
}

type Config struct {
	Type      string    `yaml:"type"`
	Min       float64   `yaml:"min"`
	Max       float64   `yaml:"max"`
	Factors   []float64 `yaml:"factors"`
	Mean      float64   `yaml:"mean"`
	Amplitude float64   `yaml:"amplitude"`
	PeakHour  float64   `yaml:"peakHour"`
}

// DefaultFactors is a residential diurnal curve: overnight trough, morning and evening peaks.
var DefaultFactors = []float64{
	0.60, 0.55, 0.50, 0.50, 0.55, 0.70, 1.00, 1.30,
	1.45, 1.35, 1.15, 1.05, 1.05, 1.00, 0.95, 0.95,
	1.05, 1.25, 1.40, 1.45, 1.30, 1.10, 0.85, 0.70,
}

func DefaultConfig() Config {
	factors := make([]float64, len(DefaultFactors))
	copy(factors, DefaultFactors)
	return Config{
		Type:      "piecewise",
		Min:       0.5,
		Max:       1.5,
		Factors:   factors,
		Mean:      1.0,
		Amplitude: 0.4,
		PeakHour:  8,
	}
}

func New(cfg Config) (Pattern, error) {
	if cfg.Min <= 0 || cfg.Max < cfg.Min {
		return nil, fmt.Errorf("invalid multiplier bounds [%v, %v]", cfg.Min, cfg.Max)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "piecewise":
		factors := cfg.Factors
		if len(factors) == 0 {
			factors = DefaultFactors
		}
		return NewPiecewise(factors, cfg.Min, cfg.Max)
	case "sinusoidal":
		return NewSinusoidal(cfg.Mean, cfg.Amplitude, cfg.PeakHour, cfg.Min, cfg.Max)
	default:
		return nil, fmt.Errorf("unsupported pattern type %q", cfg.Type)
	}
}

// Piecewise interpolates linearly between equally spaced factors across the day,
// wrapping from the last factor back to the first.
type Piecewise struct {
	factors []float64
	min     float64
	max     float64
}

func NewPiecewise(factors []float64, min, max float64) (*Piecewise, error) {
	if len(factors) == 0 {
		return nil, errors.New("pattern requires at least one factor")
	}
	copied := make([]float64, len(factors))
	for i, f := range factors {
		if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("factor %d must be positive, got %v", i, f)
		}
		copied[i] = f
	}
	return &Piecewise{factors: copied, min: min, max: max}, nil
}

func (p *Piecewise) Multiplier(hour float64) float64 {
	n := len(p.factors)
	step := hoursPerDay / float64(n)
	pos := WrapHour(hour) / step
	idx := int(math.Floor(pos))
	if idx >= n {
		idx = n - 1
	}
	frac := pos - float64(idx)
	lo := p.factors[idx]
	hi := p.factors[(idx+1)%n]
	return clamp(lo+(hi-lo)*frac, p.min, p.max)
}

// Sinusoidal is a single-harmonic curve peaking at PeakHour.
type Sinusoidal struct {
	mean      float64
	amplitude float64
	peakHour  float64
	min       float64
	max       float64
}

func NewSinusoidal(mean, amplitude, peakHour, min, max float64) (*Sinusoidal, error) {
	if mean <= 0 {
		return nil, fmt.Errorf("mean multiplier must be positive, got %v", mean)
	}
	if amplitude < 0 {
		return nil, fmt.Errorf("amplitude must not be negative, got %v", amplitude)
	}
	return &Sinusoidal{mean: mean, amplitude: amplitude, peakHour: WrapHour(peakHour), min: min, max: max}, nil
}

func (s *Sinusoidal) Multiplier(hour float64) float64 {
	angle := 2 * math.Pi * (WrapHour(hour) - s.peakHour) / hoursPerDay
	return clamp(s.mean+s.amplitude*math.Cos(angle), s.min, s.max)
}

// WrapHour reduces any real hour into [0, 24). Non-finite input maps to 0.
func WrapHour(hour float64) float64 {
	if math.IsNaN(hour) || math.IsInf(hour, 0) {
		return 0
	}
	h := math.Mod(hour, hoursPerDay)
	if h < 0 {
		h += hoursPerDay
	}
	if h >= hoursPerDay {
		h = 0
	}
	return h
}

// FractionalHour returns the hour of day of t in its own location, including minutes and seconds.
func FractionalHour(t time.Time) float64 {
	return float64(t.Hour()) +
		float64(t.Minute())/60 +
		(float64(t.Second())+float64(t.Nanosecond())/1e9)/3600
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
