package database

import (
	"context"
	"database/sql/driver"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsenis-cmd/AirAware/internal/geo"
	"github.com/arsenis-cmd/AirAware/internal/model"
	"github.com/arsenis-cmd/AirAware/internal/store"
)

var day = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

func newMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return New(conn), mock
}

func sampleReading() model.Reading {
	return model.Reading{
		ID:               "r-1",
		Timestamp:        day,
		Latitude:         37.7749,
		Longitude:        -122.4194,
		PM25:             model.Float(35.5),
		AQI:              101,
		AQICategory:      "unhealthy_sensitive",
		DeviceID:         "dev-1",
		IsOutdoor:        true,
		ReliabilityScore: 1,
	}
}

func readingColumnNames() []string {
	var cols []string
	for _, c := range strings.Split(readingColumns, ",") {
		cols = append(cols, strings.TrimSpace(c))
	}
	return cols
}

func readingRow(r model.Reading) []driver.Value {
	var pm25 driver.Value
	if r.PM25 != nil {
		pm25 = *r.PM25
	}
	return []driver.Value{
		r.ID, r.Timestamp, r.Latitude, r.Longitude, nil,
		pm25, nil, nil, nil, nil, nil, nil,
		nil, nil, nil,
		int64(r.AQI), string(r.AQICategory), "sensor", r.DeviceID, nil,
		r.IsOutdoor, r.ReliabilityScore, nil,
	}
}

const (
	createPartitionRe = `CREATE TABLE IF NOT EXISTS "readings_p20240501" PARTITION OF readings`
	upsertRe          = `(?s)INSERT INTO readings \(.*\) VALUES \(.*\) ON CONFLICT \(ts, latitude, longitude\) DO UPDATE SET`
	insertIgnoreRe    = `(?s)INSERT INTO readings \(.*\) ON CONFLICT \(ts, latitude, longitude\) DO NOTHING`
)

func TestReadingStore_AppendCreatesPartitionOnce(t *testing.T) {
	db, mock := newMock(t)
	s := NewReadingStore(db, 24*time.Hour, store.LastWriteWins)

	mock.ExpectExec(regexp.QuoteMeta(createPartitionRe)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(upsertRe).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsertRe).WillReturnResult(sqlmock.NewResult(0, 1))

	r := sampleReading()
	_, err := s.Append(context.Background(), r)
	require.NoError(t, err)

	r.Timestamp = day.Add(time.Hour)
	_, err = s.Append(context.Background(), r)
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingStore_AppendValidation(t *testing.T) {
	db, mock := newMock(t)
	s := NewReadingStore(db, 24*time.Hour, store.LastWriteWins)

	r := sampleReading()
	r.Latitude = 120
	_, err := s.Append(context.Background(), r)
	assert.True(t, model.IsValidation(err))
	assert.NoError(t, mock.ExpectationsWereMet(), "invalid readings never reach the database")
}

func TestReadingStore_AppendRejectsDuplicates(t *testing.T) {
	db, mock := newMock(t)
	s := NewReadingStore(db, 24*time.Hour, store.RejectDuplicates)

	mock.ExpectExec(regexp.QuoteMeta(createPartitionRe)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(insertIgnoreRe).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertIgnoreRe).WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := s.Append(context.Background(), sampleReading())
	require.NoError(t, err)

	_, err = s.Append(context.Background(), sampleReading())
	assert.True(t, model.IsConflict(err), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingStore_AppendTransientErrors(t *testing.T) {
	db, mock := newMock(t)
	s := NewReadingStore(db, 24*time.Hour, store.LastWriteWins)

	mock.ExpectExec(regexp.QuoteMeta(createPartitionRe)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(upsertRe).WillReturnError(&pq.Error{Code: "08006"})
	mock.ExpectExec(upsertRe).WillReturnError(&pq.Error{Code: "23502"})

	_, err := s.Append(context.Background(), sampleReading())
	assert.True(t, model.IsTransient(err), "connection failures are retryable")

	_, err = s.Append(context.Background(), sampleReading())
	require.Error(t, err)
	assert.False(t, model.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingStore_AppendRecreatesDroppedPartition(t *testing.T) {
	db, mock := newMock(t)
	s := NewReadingStore(db, 24*time.Hour, store.LastWriteWins)

	mock.ExpectExec(regexp.QuoteMeta(createPartitionRe)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(upsertRe).WillReturnResult(sqlmock.NewResult(0, 1))
	// another process swept the partition
	mock.ExpectExec(upsertRe).WillReturnError(&pq.Error{Code: codeCheckViolation})
	mock.ExpectExec(regexp.QuoteMeta(createPartitionRe)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(upsertRe).WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := s.Append(context.Background(), sampleReading())
	require.NoError(t, err)
	_, err = s.Append(context.Background(), sampleReading())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingStore_QueryByDevice(t *testing.T) {
	db, mock := newMock(t)
	s := NewReadingStore(db, 24*time.Hour, store.LastWriteWins)

	tr := model.TimeRange{From: day.Add(-time.Hour), To: day.Add(time.Hour)}
	want := sampleReading()

	rows := sqlmock.NewRows(readingColumnNames()).AddRow(readingRow(want)...)
	mock.ExpectQuery(regexp.QuoteMeta("FROM readings WHERE ts >= $1 AND ts < $2 AND device_id = $3 ORDER BY ts DESC, latitude, longitude LIMIT $4")).
		WithArgs(tr.From, tr.To, "dev-1", model.DefaultQueryLimit).
		WillReturnRows(rows)

	got, err := s.Query(context.Background(), model.Query{Range: tr, Filter: model.Filter{DeviceID: "dev-1"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want.Timestamp, got[0].Timestamp)
	assert.Equal(t, 35.5, *got[0].PM25)
	assert.Nil(t, got[0].PM10)
	assert.Equal(t, "dev-1", got[0].DeviceID)
	assert.Empty(t, got[0].UserID)
	assert.Equal(t, model.SourceSensor, got[0].SourceType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildReadingQuery(t *testing.T) {
	tr := model.TimeRange{From: day, To: day.Add(time.Hour)}
	box := geo.BBox{MinLat: 1, MinLon: 2, MaxLat: 3, MaxLon: 4}

	stmt, args := buildReadingQuery(model.Query{Range: tr, Filter: model.Filter{BBox: &box}, Order: model.OrderAsc, Limit: 10, Offset: 20})
	assert.Contains(t, stmt, "latitude BETWEEN $3 AND $4 AND longitude BETWEEN $5 AND $6")
	assert.Contains(t, stmt, "ORDER BY ts ASC, latitude, longitude LIMIT $7 OFFSET $8")
	assert.Equal(t, []any{tr.From, tr.To, 1.0, 3.0, 2.0, 4.0, 10, 20}, args)

	stmt, args = buildReadingQuery(model.Query{Range: tr, Order: model.OrderDesc})
	assert.NotContains(t, stmt, "LIMIT")
	assert.Len(t, args, 2)
}

func TestReadingStore_DropChunksBefore(t *testing.T) {
	db, mock := newMock(t)
	s := NewReadingStore(db, 24*time.Hour, store.LastWriteWins)
	cutoff := time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)

	list := func(names ...string) *sqlmock.Rows {
		rows := sqlmock.NewRows([]string{"relname"})
		for _, n := range names {
			rows.AddRow(n)
		}
		return rows
	}

	mock.ExpectQuery("SELECT c.relname").WithArgs("readings").
		WillReturnRows(list("readings_p20240429", "readings_p20240430", "readings_p20240501"))
	mock.ExpectExec(regexp.QuoteMeta(`DROP TABLE IF EXISTS "readings_p20240429"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT c.relname").WithArgs("readings").
		WillReturnRows(list("readings_p20240430", "readings_p20240501"))

	dropped, err := s.DropChunksBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	dropped, err = s.DropChunksBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingStore_CorruptPartitionAbortsSweep(t *testing.T) {
	db, mock := newMock(t)
	s := NewReadingStore(db, 24*time.Hour, store.LastWriteWins)

	mock.ExpectQuery("SELECT c.relname").
		WillReturnRows(sqlmock.NewRows([]string{"relname"}).AddRow("readings_p20240429").AddRow("readings_pdefault"))

	dropped, err := s.DropChunksBefore(context.Background(), day)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrCorruptPartition))
	assert.Zero(t, dropped, "nothing is dropped before the listing is fully understood")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingStore_Chunks(t *testing.T) {
	db, mock := newMock(t)
	s := NewReadingStore(db, 24*time.Hour, store.LastWriteWins)

	mock.ExpectQuery("SELECT c.relname").
		WillReturnRows(sqlmock.NewRows([]string{"relname"}).AddRow("readings_p20240501"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "readings_p20240501"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	chunks, err := s.Chunks(context.Background())
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), chunks[0].Start)
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), chunks[0].End)
	assert.Equal(t, 7, chunks[0].Rows)
}

func TestPartitionNames(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "readings_p20240501", partitionName(start, 24*time.Hour))
	assert.Equal(t, "readings_p20240501_06", partitionName(start.Add(6*time.Hour), 6*time.Hour))

	got, err := parsePartitionName("readings_p20240501_06")
	require.NoError(t, err)
	assert.Equal(t, start.Add(6*time.Hour), got)

	for _, bad := range []string{"readings_default", "readings_p2024", "readings_p20241301"} {
		_, err := parsePartitionName(bad)
		assert.Error(t, err, bad)
	}
}

func TestRollupStore_ReplaceBucket(t *testing.T) {
	db, mock := newMock(t)
	s := NewRollupStore(db)
	bucket := model.Bucket{Width: model.WidthHourly, Start: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	rollups := []model.Rollup{{
		Width: model.WidthHourly, BucketStart: bucket.Start, Latitude: 1, Longitude: 2, Count: 3,
		Fields: map[string]model.FieldStats{model.FieldPM25: {Count: 3, Avg: 10, Min: 5, Max: 15}},
	}}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM hourly_rollups WHERE bucket_start = $1")).
		WithArgs(bucket.Start).WillReturnResult(sqlmock.NewResult(0, 2))
	prep := mock.ExpectPrepare("INSERT INTO hourly_rollups")
	prep.ExpectExec().WithArgs(bucket.Start, 1.0, 2.0, 3, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.ReplaceBucket(context.Background(), bucket, rollups))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollupStore_ReplaceBucketRollsBack(t *testing.T) {
	db, mock := newMock(t)
	s := NewRollupStore(db)
	bucket := model.Bucket{Width: model.WidthDaily, Start: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM daily_rollups").WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()

	err := s.ReplaceBucket(context.Background(), bucket, nil)
	assert.True(t, model.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollupStore_Query(t *testing.T) {
	db, mock := newMock(t)
	s := NewRollupStore(db)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	box := geo.BBox{MinLat: 0, MinLon: 0, MaxLat: 5, MaxLon: 5}

	rows := sqlmock.NewRows([]string{"bucket_start", "latitude", "longitude", "sample_count", "fields", "computed_at"}).
		AddRow(start, 1.0, 2.0, 4, []byte(`{"pm25":{"count":4,"avg":12.5,"min":10,"max":15}}`), start.Add(5*time.Minute))
	mock.ExpectQuery(regexp.QuoteMeta("FROM hourly_rollups WHERE bucket_start >= $1 AND bucket_start < $2 AND latitude BETWEEN $3 AND $4")).
		WillReturnRows(rows)

	got, err := s.Query(context.Background(), store.RollupQuery{
		Width:  model.WidthHourly,
		Range:  model.TimeRange{From: start, To: start.Add(time.Hour)},
		Filter: model.Filter{BBox: &box},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 12.5, got[0].Fields[model.FieldPM25].Avg)
	assert.Equal(t, model.WidthHourly, got[0].Width)

	_, err = s.Query(context.Background(), store.RollupQuery{
		Width:  model.WidthHourly,
		Range:  model.TimeRange{From: start, To: start.Add(time.Hour)},
		Filter: model.Filter{DeviceID: "dev-1"},
	})
	assert.True(t, model.IsValidation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollupStore_DeleteBefore(t *testing.T) {
	db, mock := newMock(t)
	s := NewRollupStore(db)
	cutoff := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM hourly_rollups WHERE bucket_start < $1")).
		WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := s.DeleteBefore(context.Background(), model.WidthHourly, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	_, err = s.DeleteBefore(context.Background(), model.WidthRaw, cutoff)
	assert.True(t, model.IsValidation(err))
}

func TestRunMigrationsInOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_second.sql"), []byte("CREATE TABLE b (id int);"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_first.sql"), []byte("CREATE TABLE a (id int);"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not sql"), 0o644))

	db, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE a (id int);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id int);")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.RunMigrations(context.Background(), dir))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassify(t *testing.T) {
	for _, code := range []string{"08006", "08001", "57P01", "40001", "53300"} {
		assert.True(t, model.IsTransient(classify("op", &pq.Error{Code: pq.ErrorCode(code)})), code)
	}
	assert.True(t, model.IsTransient(classify("op", driver.ErrBadConn)))
	assert.False(t, model.IsTransient(classify("op", &pq.Error{Code: "23502"})))

	conflict := &model.ConflictError{Key: "k"}
	assert.Same(t, conflict, classify("op", conflict))
	assert.NoError(t, classify("op", nil))
}
