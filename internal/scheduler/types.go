package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hydrotwin-backend/internal/bus"
	"hydrotwin-backend/internal/detect"
	"hydrotwin-backend/internal/metrics"
	"hydrotwin-backend/internal/monitor"
	"hydrotwin-backend/internal/pattern"
	"hydrotwin-backend/internal/security"
	"hydrotwin-backend/internal/telemetry"
)

var ErrInvalidInput = errors.New("invalid input")

type State string

const (
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Sink receives each tick's simulated readings and detected anomalies.
type Sink interface {
	StoreScadaReadings(ctx context.Context, id string, readings []telemetry.Reading) error
	StoreAnomalies(ctx context.Context, id string, anomalies []detect.Anomaly) error
}

type Dependencies struct {
	Sink      Sink
	Publisher bus.Publisher
	Cooldown  *monitor.Cooldown
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Options struct {
	Pattern    pattern.Pattern
	Model      telemetry.Model
	Thresholds detect.Thresholds
	Limits     security.Limits
	// Seed fixes every session's noise stream; zero seeds from the wall clock.
	Seed  uint64
	Clock func() time.Time
}

func DefaultOptions() Options {
	p, _ := pattern.New(pattern.DefaultConfig())
	return Options{
		Pattern:    p,
		Model:      telemetry.DefaultModel(),
		Thresholds: detect.DefaultThresholds(),
		Limits:     security.DefaultLimits(),
		Clock:      time.Now,
	}
}

type SessionInfo struct {
	NetworkID       string        `json:"networkId"`
	RunID           string        `json:"runId,omitempty"`
	TopologyRef     string        `json:"topologyRef,omitempty"`
	State           State         `json:"state"`
	Interval        time.Duration `json:"-"`
	IntervalSeconds float64       `json:"intervalSeconds,omitempty"`
	StartedAt       time.Time     `json:"startedAt,omitzero"`
	LastTick        time.Time     `json:"lastTick,omitzero"`
	Ticks           int64         `json:"ticks"`
	Anomalies       int64         `json:"anomalies"`
	LastError       string        `json:"lastError,omitempty"`
}
