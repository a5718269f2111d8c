package storage

import (
	"context"
	"time"

	"hydrotwin-backend/internal/baseline"
	"hydrotwin-backend/internal/detect"
	"hydrotwin-backend/internal/telemetry"
)

type NetworkRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	TopologyRef string    `json:"topology_ref"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Backend is the full storage collaborator. Time ranges are inclusive on both
// ends; an empty severity filter (or "none") returns every anomaly.
type Backend interface {
	StoreNetwork(ctx context.Context, id, name, ref string) error
	GetNetwork(ctx context.Context, id string) (NetworkRecord, error)
	StoreBaseline(ctx context.Context, id string, snapshot *baseline.Snapshot) error
	GetBaseline(ctx context.Context, id string) (*baseline.Snapshot, error)
	StoreScadaReadings(ctx context.Context, id string, readings []telemetry.Reading) error
	GetScadaReadings(ctx context.Context, id string, start, end time.Time) ([]telemetry.Reading, error)
	StoreAnomalies(ctx context.Context, id string, anomalies []detect.Anomaly) error
	GetAnomalies(ctx context.Context, id string, start, end time.Time, severity detect.Severity) ([]detect.Anomaly, error)
	Close()
}

func matchesSeverity(filter, severity detect.Severity) bool {
	if filter == "" || filter == detect.SeverityNone {
		return true
	}
	return filter == severity
}
