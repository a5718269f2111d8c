// Package bus announces monitoring events to message brokers.
package bus

import (
	"errors"
	"time"

	"hydrotwin-backend/internal/detect"
)

const (
	SessionStarted = "started"
	SessionStopped = "stopped"
	SessionFailed  = "failed"
)

// Publisher sends a JSON-encoded payload on a dot-separated subject.
type Publisher interface {
	Publish(subject string, payload any) error
	Close()
}

type AnomalyEvent struct {
	NetworkID string         `json:"network_id"`
	RunID     string         `json:"run_id"`
	Anomaly   detect.Anomaly `json:"anomaly"`
}

type SessionEvent struct {
	NetworkID       string    `json:"network_id"`
	RunID           string    `json:"run_id"`
	State           string    `json:"state"`
	IntervalSeconds float64   `json:"interval_seconds,omitempty"`
	Error           string    `json:"error,omitempty"`
	At              time.Time `json:"at"`
}

func AnomalySubject(severity detect.Severity) string {
	return "monitoring.anomaly." + string(severity)
}

func SessionSubject(state string) string {
	return "monitoring.session." + state
}

// Nop drops every event. It is the default when no broker is configured.
type Nop struct{}

func (Nop) Publish(string, any) error { return nil }
func (Nop) Close()                    {}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(subject string, payload any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(subject, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() {
	for _, p := range m {
		p.Close()
	}
}
