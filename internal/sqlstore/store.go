// Package sqlstore is the database/sql storage backend for MySQL, PostgreSQL
// and SQL Server deployments that do not run the pgx repository.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"

	"hydrotwin-backend/internal/baseline"
	"hydrotwin-backend/internal/detect"
	"hydrotwin-backend/internal/storage"
	"hydrotwin-backend/internal/telemetry"
)

type ConnectionConfig struct {
	Type     string `yaml:"type"` // mysql | postgres | sqlserver
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslMode"`
	Schema   string `yaml:"schema"`
	MaxRows  int    `yaml:"maxRows"`
}

type tables struct {
	networks  string
	baselines string
	readings  string
	anomalies string
}

// Store implements storage.Backend on database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect
	tables  tables
	MaxRows int
}

var _ storage.Backend = (*Store)(nil)

// Open builds the DSN for cfg.Type, opens the pool and pings it.
func Open(ctx context.Context, cfg ConnectionConfig) (*Store, error) {
	d, err := dialectFor(cfg.Type)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsnFor(d, cfg))
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", d.name, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	store, err := newStore(db, d, cfg.Schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.MaxRows = cfg.MaxRows
	return store, nil
}

// New wraps an existing handle. kind selects the dialect.
func New(db *sql.DB, kind, schema string) (*Store, error) {
	d, err := dialectFor(kind)
	if err != nil {
		return nil, err
	}
	return newStore(db, d, schema)
}

func newStore(db *sql.DB, d dialect, schema string) (*Store, error) {
	qualify := func(name string) (string, error) {
		if schema != "" {
			name = schema + "." + name
		}
		return d.quoteQualified(name)
	}
	var t tables
	var err error
	if t.networks, err = qualify("networks"); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	if t.baselines, err = qualify("baselines"); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	if t.readings, err = qualify("scada_readings"); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	if t.anomalies, err = qualify("anomalies"); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Store{db: db, dialect: d, tables: t}, nil
}

func dsnFor(d dialect, cfg ConnectionConfig) string {
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	switch d.name {
	case "mysql":
		port := cfg.Port
		if port == 0 {
			port = 3306
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC", cfg.User, cfg.Password, cfg.Host, port, cfg.Database)
		if sslMode == "disable" {
			dsn += "&tls=false"
		} else if sslMode != "" {
			dsn += "&tls=true"
		}
		return dsn
	case "sqlserver":
		port := cfg.Port
		if port == 0 {
			port = 1433
		}
		encrypt := "true"
		if sslMode == "disable" {
			encrypt = "disable"
		}
		return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s",
			url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password), cfg.Host, port, url.QueryEscape(cfg.Database), encrypt)
	default:
		port := cfg.Port
		if port == 0 {
			port = 5432
		}
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", cfg.Host, port, cfg.User, cfg.Password, cfg.Database, sslMode)
	}
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Store) ph(n int) string { return s.dialect.placeholder(n) }

// upsert runs update-then-insert inside a transaction, which every supported
// engine accepts without dialect-specific merge syntax.
func (s *Store) upsert(ctx context.Context, update string, updateArgs []any, insert string, insertArgs []any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, update, updateArgs...)
	if err != nil {
		tx.Rollback()
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected > 0 {
		return tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, insert, insertArgs...); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) StoreNetwork(ctx context.Context, id, name, ref string) error {
	now := time.Now().UTC()
	update := fmt.Sprintf("UPDATE %s SET name = %s, topology_ref = %s, updated_at = %s WHERE id = %s",
		s.tables.networks, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	insert := fmt.Sprintf("INSERT INTO %s (id, name, topology_ref, created_at, updated_at) VALUES (%s)",
		s.tables.networks, s.dialect.binds(1, 5))
	err := s.upsert(ctx, update, []any{name, ref, now, id}, insert, []any{id, name, ref, now, now})
	return storage.Wrap("store network", err)
}

func (s *Store) GetNetwork(ctx context.Context, id string) (storage.NetworkRecord, error) {
	query := fmt.Sprintf("SELECT id, name, topology_ref, created_at, updated_at FROM %s WHERE id = %s", s.tables.networks, s.ph(1))
	var rec storage.NetworkRecord
	err := s.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.Name, &rec.TopologyRef, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.NetworkRecord{}, storage.Wrap("get network", storage.ErrNotFound)
	}
	if err != nil {
		return storage.NetworkRecord{}, storage.Wrap("get network", err)
	}
	return rec, nil
}

func (s *Store) StoreBaseline(ctx context.Context, id string, snapshot *baseline.Snapshot) error {
	if snapshot == nil {
		return storage.Wrap("store baseline", errors.New("baseline is nil"))
	}
	payload, err := json.Marshal(snapshot.Data())
	if err != nil {
		return storage.Wrap("store baseline", err)
	}
	now := time.Now().UTC()
	update := fmt.Sprintf("UPDATE %s SET snapshot = %s, created_at = %s WHERE network_id = %s",
		s.tables.baselines, s.ph(1), s.ph(2), s.ph(3))
	insert := fmt.Sprintf("INSERT INTO %s (network_id, snapshot, created_at) VALUES (%s)",
		s.tables.baselines, s.dialect.binds(1, 3))
	err = s.upsert(ctx, update, []any{string(payload), now, id}, insert, []any{id, string(payload), now})
	return storage.Wrap("store baseline", err)
}

func (s *Store) GetBaseline(ctx context.Context, id string) (*baseline.Snapshot, error) {
	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE network_id = %s", s.tables.baselines, s.ph(1))
	var payload string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.Wrap("get baseline", storage.ErrNotFound)
	}
	if err != nil {
		return nil, storage.Wrap("get baseline", err)
	}
	var data baseline.Data
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return nil, storage.Wrap("get baseline", err)
	}
	return baseline.NewSnapshot(data), nil
}

// insertAll prepares stmt once and executes it for every row in one transaction.
func (s *Store) insertAll(ctx context.Context, stmt string, rows [][]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer prepared.Close()
	for _, args := range rows {
		if _, err := prepared.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) StoreScadaReadings(ctx context.Context, id string, readings []telemetry.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	stmt := fmt.Sprintf("INSERT INTO %s (network_id, ts, sensor_id, sensor_type, location_id, value) VALUES (%s)",
		s.tables.readings, s.dialect.binds(1, 6))
	rows := make([][]any, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, []any{id, r.Timestamp.UTC(), r.SensorID, string(r.SensorType), r.LocationID, r.Value})
	}
	return storage.Wrap("store readings", s.insertAll(ctx, stmt, rows))
}

func (s *Store) GetScadaReadings(ctx context.Context, id string, start, end time.Time) ([]telemetry.Reading, error) {
	query := fmt.Sprintf("SELECT ts, sensor_id, sensor_type, location_id, value FROM %s WHERE network_id = %s AND ts >= %s AND ts <= %s ORDER BY ts",
		s.tables.readings, s.ph(1), s.ph(2), s.ph(3))
	rows, err := s.db.QueryContext(ctx, s.dialect.limit(query, s.MaxRows), id, start.UTC(), end.UTC())
	if err != nil {
		return nil, storage.Wrap("get readings", err)
	}
	defer rows.Close()
	results := []telemetry.Reading{}
	for rows.Next() {
		var rec telemetry.Reading
		var sensorType string
		if err := rows.Scan(&rec.Timestamp, &rec.SensorID, &sensorType, &rec.LocationID, &rec.Value); err != nil {
			return nil, storage.Wrap("get readings", err)
		}
		rec.Timestamp = rec.Timestamp.UTC()
		rec.SensorType = telemetry.SensorType(sensorType)
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("get readings", err)
	}
	sort.SliceStable(results, func(i, j int) bool { return telemetry.Less(results[i], results[j]) })
	return results, nil
}

func (s *Store) StoreAnomalies(ctx context.Context, id string, anomalies []detect.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	stmt := fmt.Sprintf("INSERT INTO %s (id, network_id, sensor_id, sensor_type, ts, expected_value, actual_value, deviation, severity) VALUES (%s)",
		s.tables.anomalies, s.dialect.binds(1, 9))
	rows := make([][]any, 0, len(anomalies))
	for _, a := range anomalies {
		anomalyID := a.ID
		if anomalyID == "" {
			anomalyID = uuid.NewString()
		}
		rows = append(rows, []any{anomalyID, id, a.SensorID, string(a.SensorType), a.Timestamp.UTC(), a.Expected, a.Actual, a.Deviation, string(a.Severity)})
	}
	return storage.Wrap("store anomalies", s.insertAll(ctx, stmt, rows))
}

func (s *Store) GetAnomalies(ctx context.Context, id string, start, end time.Time, severity detect.Severity) ([]detect.Anomaly, error) {
	query := fmt.Sprintf("SELECT id, sensor_id, sensor_type, ts, expected_value, actual_value, deviation, severity FROM %s WHERE network_id = %s AND ts >= %s AND ts <= %s",
		s.tables.anomalies, s.ph(1), s.ph(2), s.ph(3))
	args := []any{id, start.UTC(), end.UTC()}
	if severity != "" && severity != detect.SeverityNone {
		args = append(args, string(severity))
		query += " AND severity = " + s.ph(len(args))
	}
	query = s.dialect.limit(query+" ORDER BY ts, sensor_id", s.MaxRows)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Wrap("get anomalies", err)
	}
	defer rows.Close()
	results := []detect.Anomaly{}
	for rows.Next() {
		a := detect.Anomaly{NetworkID: id}
		var sensorType, sev string
		if err := rows.Scan(&a.ID, &a.SensorID, &sensorType, &a.Timestamp, &a.Expected, &a.Actual, &a.Deviation, &sev); err != nil {
			return nil, storage.Wrap("get anomalies", err)
		}
		a.Timestamp = a.Timestamp.UTC()
		a.SensorType = telemetry.SensorType(sensorType)
		a.Severity = detect.Severity(sev)
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("get anomalies", err)
	}
	return results, nil
}
