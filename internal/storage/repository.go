package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"hydrotwin-backend/internal/baseline"
	"hydrotwin-backend/internal/detect"
	"hydrotwin-backend/internal/telemetry"
)

// Repository is the PostgreSQL backend on a pgx pool.
type Repository struct {
	Store   *Store
	MaxRows int
}

func NewRepository(store *Store) *Repository {
	return &Repository{Store: store}
}

func (r *Repository) Close() {
	r.Store.Close()
}

func (r *Repository) StoreNetwork(ctx context.Context, id, name, ref string) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO networks (id, name, topology_ref, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, topology_ref=EXCLUDED.topology_ref, updated_at=now()`,
		id, name, ref)
	return Wrap("store network", err)
}

func (r *Repository) GetNetwork(ctx context.Context, id string) (NetworkRecord, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT id, name, topology_ref, created_at, updated_at FROM networks WHERE id=$1`, id)
	var rec NetworkRecord
	if err := row.Scan(&rec.ID, &rec.Name, &rec.TopologyRef, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return NetworkRecord{}, Wrap("get network", ErrNotFound)
		}
		return NetworkRecord{}, Wrap("get network", err)
	}
	return rec, nil
}

func (r *Repository) StoreBaseline(ctx context.Context, id string, snapshot *baseline.Snapshot) error {
	if snapshot == nil {
		return Wrap("store baseline", errors.New("baseline is nil"))
	}
	payload, err := json.Marshal(snapshot.Data())
	if err != nil {
		return Wrap("store baseline", err)
	}
	_, err = r.Store.Pool.Exec(ctx, `
		INSERT INTO baselines (network_id, snapshot, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (network_id) DO UPDATE SET snapshot=EXCLUDED.snapshot, created_at=now()`,
		id, payload)
	return Wrap("store baseline", err)
}

func (r *Repository) GetBaseline(ctx context.Context, id string) (*baseline.Snapshot, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT snapshot FROM baselines WHERE network_id=$1`, id)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, Wrap("get baseline", ErrNotFound)
		}
		return nil, Wrap("get baseline", err)
	}
	var data baseline.Data
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, Wrap("get baseline", err)
	}
	return baseline.NewSnapshot(data), nil
}

func (r *Repository) StoreScadaReadings(ctx context.Context, id string, readings []telemetry.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, reading := range readings {
		batch.Queue(`
			INSERT INTO scada_readings (network_id, ts, sensor_id, sensor_type, location_id, value)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (network_id, sensor_id, ts) DO NOTHING`,
			id, reading.Timestamp.UTC(), reading.SensorID, string(reading.SensorType), reading.LocationID, reading.Value)
	}
	return Wrap("store readings", r.Store.Pool.SendBatch(ctx, batch).Close())
}

func (r *Repository) GetScadaReadings(ctx context.Context, id string, start, end time.Time) ([]telemetry.Reading, error) {
	query := `
		SELECT ts, sensor_id, sensor_type, location_id, value
		FROM scada_readings WHERE network_id=$1 AND ts >= $2 AND ts <= $3
		ORDER BY ts`
	args := []any{id, start.UTC(), end.UTC()}
	if r.MaxRows > 0 {
		query += ` LIMIT $4`
		args = append(args, r.MaxRows)
	}
	rows, err := r.Store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, Wrap("get readings", err)
	}
	defer rows.Close()
	results := []telemetry.Reading{}
	for rows.Next() {
		var rec telemetry.Reading
		var sensorType string
		if err := rows.Scan(&rec.Timestamp, &rec.SensorID, &sensorType, &rec.LocationID, &rec.Value); err != nil {
			return nil, Wrap("get readings", err)
		}
		rec.SensorType = telemetry.SensorType(sensorType)
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, Wrap("get readings", err)
	}
	sort.SliceStable(results, func(i, j int) bool { return telemetry.Less(results[i], results[j]) })
	return results, nil
}

func (r *Repository) StoreAnomalies(ctx context.Context, id string, anomalies []detect.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range anomalies {
		anomalyID := a.ID
		if anomalyID == "" {
			anomalyID = uuid.NewString()
		}
		batch.Queue(`
			INSERT INTO anomalies (id, network_id, sensor_id, sensor_type, ts, expected_value, actual_value, deviation, severity)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			anomalyID, id, a.SensorID, string(a.SensorType), a.Timestamp.UTC(), a.Expected, a.Actual, a.Deviation, string(a.Severity))
	}
	return Wrap("store anomalies", r.Store.Pool.SendBatch(ctx, batch).Close())
}

func (r *Repository) GetAnomalies(ctx context.Context, id string, start, end time.Time, severity detect.Severity) ([]detect.Anomaly, error) {
	query := `
		SELECT id::text, sensor_id, sensor_type, ts, expected_value, actual_value, deviation, severity
		FROM anomalies WHERE network_id=$1 AND ts >= $2 AND ts <= $3`
	args := []any{id, start.UTC(), end.UTC()}
	if severity != "" && severity != detect.SeverityNone {
		args = append(args, string(severity))
		query += fmt.Sprintf(` AND severity=$%d`, len(args))
	}
	query += ` ORDER BY ts, sensor_id`
	if r.MaxRows > 0 {
		args = append(args, r.MaxRows)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := r.Store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, Wrap("get anomalies", err)
	}
	defer rows.Close()
	results := []detect.Anomaly{}
	for rows.Next() {
		a := detect.Anomaly{NetworkID: id}
		var sensorType, sev string
		if err := rows.Scan(&a.ID, &a.SensorID, &sensorType, &a.Timestamp, &a.Expected, &a.Actual, &a.Deviation, &sev); err != nil {
			return nil, Wrap("get anomalies", err)
		}
		a.SensorType = telemetry.SensorType(sensorType)
		a.Severity = detect.Severity(sev)
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, Wrap("get anomalies", err)
	}
	return results, nil
}
