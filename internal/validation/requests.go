package validation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"hydrotwin-backend/internal/scheduler"
	"hydrotwin-backend/internal/security"
)

var ErrNotAllowed = errors.New("network not allowlisted")

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", scheduler.ErrInvalidInput, msg)
}

func ValidateNetwork(networkID string, allowlist security.Allowlist) error {
	if !security.IsSafeIdentifier(networkID) {
		return invalid("unsafe network id")
	}
	if !allowlist.AllowsNetwork(networkID) {
		return ErrNotAllowed
	}
	return nil
}

// ValidateMonitoring checks a start request and converts its interval.
func ValidateMonitoring(networkID string, intervalMinutes float64, topologyRef string, allowlist security.Allowlist, limits security.Limits) (time.Duration, error) {
	if err := ValidateNetwork(networkID, allowlist); err != nil {
		return 0, err
	}
	if math.IsNaN(intervalMinutes) || math.IsInf(intervalMinutes, 0) || intervalMinutes <= 0 {
		return 0, invalid("intervalMinutes must be a positive number")
	}
	interval := time.Duration(intervalMinutes * float64(time.Minute))
	if !limits.AllowsInterval(interval) {
		return 0, invalid(fmt.Sprintf("interval %s out of bounds", interval))
	}
	if len(topologyRef) > 512 {
		return 0, invalid("topologyRef too long")
	}
	return interval, nil
}

// ValidateRange checks an inclusive query window against the configured maximum span.
func ValidateRange(start, end time.Time, limits security.Limits) error {
	if start.IsZero() || end.IsZero() {
		return invalid("start and end are required")
	}
	if end.Before(start) {
		return invalid("end must not be before start")
	}
	if limits.MaxQueryRange > 0 && end.Sub(start) > limits.MaxQueryRange {
		return invalid("query range exceeds limit")
	}
	return nil
}
