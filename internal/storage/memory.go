package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hydrotwin-backend/internal/baseline"
	"hydrotwin-backend/internal/detect"
	"hydrotwin-backend/internal/telemetry"
)

// DefaultRetention caps readings and anomalies kept per network by Memory.
const DefaultRetention = 200000

// Memory is an in-process backend used when no database is configured.
// Retention bounds each network's readings and anomalies; the oldest stored
// rows are dropped first. Zero or negative keeps everything.
type Memory struct {
	Retention int

	mu        sync.RWMutex
	networks  map[string]NetworkRecord
	baselines map[string]*baseline.Snapshot
	readings  map[string][]telemetry.Reading
	anomalies map[string][]detect.Anomaly
	maxRows   int
	now       func() time.Time
}

func NewMemory(maxRows int) *Memory {
	return &Memory{
		Retention: DefaultRetention,
		networks:  map[string]NetworkRecord{},
		baselines: map[string]*baseline.Snapshot{},
		readings:  map[string][]telemetry.Reading{},
		anomalies: map[string][]detect.Anomaly{},
		maxRows:   maxRows,
		now:       time.Now,
	}
}

func (m *Memory) Close() {}

func (m *Memory) StoreNetwork(ctx context.Context, id, name, ref string) error {
	if err := ctx.Err(); err != nil {
		return Wrap("store network", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	rec, ok := m.networks[id]
	if !ok {
		rec = NetworkRecord{ID: id, CreatedAt: now}
	}
	rec.Name = name
	rec.TopologyRef = ref
	rec.UpdatedAt = now
	m.networks[id] = rec
	return nil
}

func (m *Memory) GetNetwork(ctx context.Context, id string) (NetworkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.networks[id]
	if !ok {
		return NetworkRecord{}, Wrap("get network", ErrNotFound)
	}
	return rec, nil
}

func (m *Memory) StoreBaseline(ctx context.Context, id string, snapshot *baseline.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return Wrap("store baseline", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[id] = snapshot
	return nil
}

func (m *Memory) GetBaseline(ctx context.Context, id string) (*baseline.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.baselines[id]
	if !ok {
		return nil, Wrap("get baseline", ErrNotFound)
	}
	return snapshot, nil
}

func (m *Memory) StoreScadaReadings(ctx context.Context, id string, readings []telemetry.Reading) error {
	if err := ctx.Err(); err != nil {
		return Wrap("store readings", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings[id] = retain(append(m.readings[id], readings...), m.Retention)
	return nil
}

func (m *Memory) GetScadaReadings(ctx context.Context, id string, start, end time.Time) ([]telemetry.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := []telemetry.Reading{}
	for _, r := range m.readings[id] {
		if r.Timestamp.Before(start) || r.Timestamp.After(end) {
			continue
		}
		results = append(results, r)
	}
	sort.SliceStable(results, func(i, j int) bool { return telemetry.Less(results[i], results[j]) })
	if m.maxRows > 0 && len(results) > m.maxRows {
		results = results[:m.maxRows]
	}
	return results, nil
}

func (m *Memory) StoreAnomalies(ctx context.Context, id string, anomalies []detect.Anomaly) error {
	if err := ctx.Err(); err != nil {
		return Wrap("store anomalies", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range anomalies {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.NetworkID = id
		m.anomalies[id] = append(m.anomalies[id], a)
	}
	m.anomalies[id] = retain(m.anomalies[id], m.Retention)
	return nil
}

func (m *Memory) GetAnomalies(ctx context.Context, id string, start, end time.Time, severity detect.Severity) ([]detect.Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := []detect.Anomaly{}
	for _, a := range m.anomalies[id] {
		if a.Timestamp.Before(start) || a.Timestamp.After(end) || !matchesSeverity(severity, a.Severity) {
			continue
		}
		results = append(results, a)
	}
	sort.SliceStable(results, func(i, j int) bool {
		if !results[i].Timestamp.Equal(results[j].Timestamp) {
			return results[i].Timestamp.Before(results[j].Timestamp)
		}
		return results[i].SensorID < results[j].SensorID
	})
	if m.maxRows > 0 && len(results) > m.maxRows {
		results = results[:m.maxRows]
	}
	return results, nil
}

// retain keeps the newest limit rows, reusing the backing array.
func retain[T any](rows []T, limit int) []T {
	if limit <= 0 || len(rows) <= limit {
		return rows
	}
	n := copy(rows, rows[len(rows)-limit:])
	clear(rows[n:])
	return rows[:n]
}
