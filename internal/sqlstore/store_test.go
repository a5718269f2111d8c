package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"hydrotwin-backend/internal/baseline"
	"hydrotwin-backend/internal/detect"
	"hydrotwin-backend/internal/storage"
	"hydrotwin-backend/internal/telemetry"
)

func newMockStore(t *testing.T, kind string) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := New(db, kind, "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, mock
}

func TestDialectFor(t *testing.T) {
	cases := []struct {
		kind    string
		want    string
		wantErr bool
	}{
		{kind: "mysql", want: "mysql"},
		{kind: "PostgreSQL", want: "postgres"},
		{kind: "mssql", want: "sqlserver"},
		{kind: "sqlserver", want: "sqlserver"},
		{kind: "", wantErr: true},
		{kind: "oracle", wantErr: true},
	}
	for _, tc := range cases {
		d, err := dialectFor(tc.kind)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.kind)
			}
			continue
		}
		if err != nil || d.name != tc.want {
			t.Fatalf("%q: got %q %v", tc.kind, d.name, err)
		}
	}
}

func TestQuoteQualified(t *testing.T) {
	got, err := postgresDialect.quoteQualified("monitoring.networks")
	if err != nil || got != `"monitoring"."networks"` {
		t.Fatalf("unexpected %q %v", got, err)
	}
	got, err = sqlserverDialect.quoteQualified("dbo.anomalies")
	if err != nil || got != "[dbo].[anomalies]" {
		t.Fatalf("unexpected %q %v", got, err)
	}
	if _, err := mysqlDialect.quoteQualified("a.b.c"); err == nil {
		t.Fatalf("expected too many segments error")
	}
	if _, err := mysqlDialect.quoteQualified("bad-name"); err == nil {
		t.Fatalf("expected invalid identifier error")
	}
	if _, err := New(nil, "postgres", "bad schema"); err == nil {
		t.Fatalf("expected invalid schema error")
	}
}

func TestLimit(t *testing.T) {
	if got := mysqlDialect.limit("SELECT 1 ORDER BY ts", 10); got != "SELECT 1 ORDER BY ts LIMIT 10" {
		t.Fatalf("unexpected mysql limit %q", got)
	}
	if got := sqlserverDialect.limit("SELECT 1 ORDER BY ts", 10); got != "SELECT 1 ORDER BY ts OFFSET 0 ROWS FETCH NEXT 10 ROWS ONLY" {
		t.Fatalf("unexpected sqlserver limit %q", got)
	}
	if got := postgresDialect.limit("SELECT 1", 0); got != "SELECT 1" {
		t.Fatalf("expected no limit, got %q", got)
	}
}

func TestDSNFor(t *testing.T) {
	cfg := ConnectionConfig{Host: "db", User: "u", Password: "p@ss", Database: "twin"}
	if got := dsnFor(mysqlDialect, cfg); got != "u:p@ss@tcp(db:3306)/twin?parseTime=true&loc=UTC" {
		t.Fatalf("unexpected mysql dsn %q", got)
	}
	if got := dsnFor(postgresDialect, cfg); got != "host=db port=5432 user=u password=p@ss dbname=twin sslmode=disable" {
		t.Fatalf("unexpected postgres dsn %q", got)
	}
	if got := dsnFor(sqlserverDialect, cfg); got != "sqlserver://u:p%40ss@db:1433?database=twin&encrypt=true" {
		t.Fatalf("unexpected sqlserver dsn %q", got)
	}
}

func TestStoreNetworkInsertsWhenMissing(t *testing.T) {
	store, mock := newMockStore(t, "mysql")
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `networks` SET name = ?, topology_ref = ?, updated_at = ? WHERE id = ?")).
		WithArgs("North", "north.inp", sqlmock.AnyArg(), "net1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `networks` (id, name, topology_ref, created_at, updated_at) VALUES (?, ?, ?, ?, ?)")).
		WithArgs("net1", "North", "north.inp", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.StoreNetwork(context.Background(), "net1", "North", "north.inp"); err != nil {
		t.Fatalf("store network: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreBaselineUpdatesExisting(t *testing.T) {
	store, mock := newMockStore(t, "postgres")
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "baselines" SET snapshot = $1, created_at = $2 WHERE network_id = $3`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "net1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	snapshot := baseline.NewSnapshot(baseline.Data{Flows: map[string]float64{"10": 2.5}})
	if err := store.StoreBaseline(context.Background(), "net1", snapshot); err != nil {
		t.Fatalf("store baseline: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetBaselineNotFound(t *testing.T) {
	store, mock := newMockStore(t, "postgres")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT snapshot FROM "baselines" WHERE network_id = $1`)).
		WithArgs("net1").
		WillReturnError(sql.ErrNoRows)
	_, err := store.GetBaseline(context.Background(), "net1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestGetBaselineDecodes(t *testing.T) {
	store, mock := newMockStore(t, "mysql")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT snapshot FROM `baselines` WHERE network_id = ?")).
		WithArgs("net1").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(`{"pressures":{"29":45.2},"tank_levels":{"2":970.5}}`))
	snapshot, err := store.GetBaseline(context.Background(), "net1")
	if err != nil {
		t.Fatalf("get baseline: %v", err)
	}
	if v, ok := snapshot.TankLevel("2"); !ok || v != 970.5 {
		t.Fatalf("unexpected tank level %v %v", v, ok)
	}
}

func TestStoreScadaReadingsSingleTransaction(t *testing.T) {
	store, mock := newMockStore(t, "sqlserver")
	ts := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO [scada_readings] (network_id, ts, sensor_id, sensor_type, location_id, value) VALUES (@p1, @p2, @p3, @p4, @p5, @p6)"))
	prep.ExpectExec().WithArgs("net1", ts, "PRESSURE_29", "PRESSURE", "29", 45.2).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("net1", ts, "FLOW_10", "FLOW", "10", 2.5).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	readings := []telemetry.Reading{
		{Timestamp: ts, SensorID: "PRESSURE_29", SensorType: telemetry.SensorPressure, LocationID: "29", Value: 45.2},
		{Timestamp: ts, SensorID: "FLOW_10", SensorType: telemetry.SensorFlow, LocationID: "10", Value: 2.5},
	}
	if err := store.StoreScadaReadings(context.Background(), "net1", readings); err != nil {
		t.Fatalf("store readings: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreReadingsRollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t, "mysql")
	ts := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO `scada_readings`")
	prep.ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.StoreScadaReadings(context.Background(), "net1", []telemetry.Reading{{Timestamp: ts, SensorID: "FLOW_10", SensorType: telemetry.SensorFlow, LocationID: "10", Value: 1}})
	var storageErr *storage.Error
	if !errors.As(err, &storageErr) || storageErr.Op != "store readings" {
		t.Fatalf("expected storage error got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetScadaReadingsOrdersAndLimits(t *testing.T) {
	store, mock := newMockStore(t, "postgres")
	store.MaxRows = 100
	ts := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"ts", "sensor_id", "sensor_type", "location_id", "value"}).
		AddRow(ts, "LEVEL_2", "LEVEL", "2", 970.1).
		AddRow(ts, "PRESSURE_29", "PRESSURE", "29", 45.0)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ts, sensor_id, sensor_type, location_id, value FROM "scada_readings" WHERE network_id = $1 AND ts >= $2 AND ts <= $3 ORDER BY ts LIMIT 100`)).
		WithArgs("net1", ts, ts).
		WillReturnRows(rows)

	got, err := store.GetScadaReadings(context.Background(), "net1", ts, ts)
	if err != nil {
		t.Fatalf("get readings: %v", err)
	}
	if len(got) != 2 || got[0].SensorID != "PRESSURE_29" || got[1].SensorType != telemetry.SensorLevel {
		t.Fatalf("unexpected readings %+v", got)
	}
}

func TestGetAnomaliesSeverityFilter(t *testing.T) {
	store, mock := newMockStore(t, "sqlserver")
	ts := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "sensor_id", "sensor_type", "ts", "expected_value", "actual_value", "deviation", "severity"}).
		AddRow("a1", "FLOW_10", "FLOW", ts, 2.5, 3.0, 0.2, "critical")
	mock.ExpectQuery(regexp.QuoteMeta("FROM [anomalies] WHERE network_id = @p1 AND ts >= @p2 AND ts <= @p3 AND severity = @p4 ORDER BY ts, sensor_id")).
		WithArgs("net1", ts, ts.Add(time.Hour), "critical").
		WillReturnRows(rows)

	got, err := store.GetAnomalies(context.Background(), "net1", ts, ts.Add(time.Hour), detect.SeverityCritical)
	if err != nil {
		t.Fatalf("get anomalies: %v", err)
	}
	if len(got) != 1 || got[0].Severity != detect.SeverityCritical || got[0].NetworkID != "net1" {
		t.Fatalf("unexpected anomalies %+v", got)
	}
}

func TestStoreAnomaliesAssignsIDs(t *testing.T) {
	store, mock := newMockStore(t, "postgres")
	ts := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta(`INSERT INTO "anomalies"`))
	prep.ExpectExec().WithArgs(sqlmock.AnyArg(), "net1", "FLOW_10", "FLOW", ts, 2.5, 3.0, 0.2, "critical").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	anomalies := []detect.Anomaly{{SensorID: "FLOW_10", SensorType: telemetry.SensorFlow, Timestamp: ts, Expected: 2.5, Actual: 3, Deviation: 0.2, Severity: detect.SeverityCritical}}
	if err := store.StoreAnomalies(context.Background(), "net1", anomalies); err != nil {
		t.Fatalf("store anomalies: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
