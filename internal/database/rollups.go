package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/arsenis-cmd/AirAware/internal/model"
	"github.com/arsenis-cmd/AirAware/internal/store"
)

// RollupStore persists hourly and daily rollups in their own tables
type RollupStore struct {
	db *DB
}

// NewRollupStore creates a rollup store on top of an open connection
func NewRollupStore(db *DB) *RollupStore {
	return &RollupStore{db: db}
}

func rollupTable(width model.BucketWidth) (string, error) {
	switch width {
	case model.WidthHourly:
		return "hourly_rollups", nil
	case model.WidthDaily:
		return "daily_rollups", nil
	}
	return "", model.NewValidationError("bucket", "rollups are hourly or daily")
}

// ReplaceBucket deletes and re-inserts a bucket inside one transaction
func (s *RollupStore) ReplaceBucket(ctx context.Context, bucket model.Bucket, rollups []model.Rollup) error {
	table, err := rollupTable(bucket.Width)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin replace bucket", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE bucket_start = $1", table), bucket.Start); err != nil {
		return classify("clear bucket", err)
	}

	if len(rollups) > 0 {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (bucket_start, latitude, longitude, sample_count, fields, computed_at) VALUES ($1, $2, $3, $4, $5, $6)",
			table,
		))
		if err != nil {
			return classify("prepare rollup insert", err)
		}
		defer stmt.Close()

		for _, r := range rollups {
			fields, err := json.Marshal(r.Fields)
			if err != nil {
				return eris.Wrap(err, "database: encode rollup fields")
			}
			if _, err := stmt.ExecContext(ctx, bucket.Start, r.Latitude, r.Longitude, r.Count, fields, r.ComputedAt); err != nil {
				return classify("insert rollup", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("commit replace bucket", err)
	}
	return nil
}

// Query returns rollups ordered newest bucket first, then by coordinate
func (s *RollupStore) Query(ctx context.Context, q store.RollupQuery) ([]model.Rollup, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	table, err := rollupTable(q.Width)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	args := []any{q.Range.From, q.Range.To}
	fmt.Fprintf(&b, "SELECT bucket_start, latitude, longitude, sample_count, fields, computed_at FROM %s WHERE bucket_start >= $1 AND bucket_start < $2", table)
	if box := q.Filter.BBox; box != nil {
		args = append(args, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
		b.WriteString(" AND latitude BETWEEN $3 AND $4 AND longitude BETWEEN $5 AND $6")
	}
	b.WriteString(" ORDER BY bucket_start DESC, latitude, longitude")
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, classify("query rollups", err)
	}
	defer rows.Close()

	out := []model.Rollup{}
	for rows.Next() {
		r, err := scanRollup(rows, q.Width)
		if err != nil {
			return nil, classify("query rollups", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query rollups", err)
	}
	return out, nil
}

// DeleteBefore removes rollups of one width whose bucket started before cutoff
func (s *RollupStore) DeleteBefore(ctx context.Context, width model.BucketWidth, cutoff time.Time) (int, error) {
	table, err := rollupTable(width)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE bucket_start < $1", table), cutoff)
	if err != nil {
		return 0, classify("delete rollups", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("delete rollups", err)
	}
	return int(n), nil
}
