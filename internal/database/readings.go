package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/arsenis-cmd/AirAware/internal/model"
	"github.com/arsenis-cmd/AirAware/internal/store"
)

// ReadingStore keeps raw readings in a range-partitioned postgres table,
// one partition per chunk
type ReadingStore struct {
	db         *DB
	width      time.Duration
	policy     store.ConflictPolicy
	partitions *partitionSet
	insertSQL  string
}

// NewReadingStore creates a reading store on top of an open connection
func NewReadingStore(db *DB, width time.Duration, policy store.ConflictPolicy) *ReadingStore {
	if width <= 0 {
		width = store.DefaultChunkWidth
	}
	if policy == "" {
		policy = store.LastWriteWins
	}
	return &ReadingStore{
		db:         db,
		width:      width,
		policy:     policy,
		partitions: newPartitionSet(),
		insertSQL:  buildInsertSQL(policy),
	}
}

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ph, ", ")
}

func buildInsertSQL(policy store.ConflictPolicy) string {
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", readingsTable, readingColumns, placeholders(readingColumnCount))
	if policy == store.RejectDuplicates {
		return insert + " ON CONFLICT (ts, latitude, longitude) DO NOTHING"
	}

	// Every non-key column takes the incoming value
	var sets []string
	for _, col := range strings.Split(readingColumns, ",") {
		col = strings.TrimSpace(col)
		switch col {
		case "ts", "latitude", "longitude":
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	return insert + " ON CONFLICT (ts, latitude, longitude) DO UPDATE SET " + strings.Join(sets, ", ")
}

// Append inserts a reading, creating its partition on first use
func (s *ReadingStore) Append(ctx context.Context, r model.Reading) (model.Reading, error) {
	r, err := store.PrepareForAppend(r)
	if err != nil {
		return r, err
	}
	start := store.ChunkStart(r.Timestamp, s.width)

	if err := s.ensurePartition(ctx, start); err != nil {
		return r, err
	}

	res, err := s.db.ExecContext(ctx, s.insertSQL, readingArgs(&r)...)
	if err != nil && hasCode(err, codeCheckViolation) {
		// The partition was dropped by another process since it was cached
		s.partitions.forget(start)
		if err := s.ensurePartition(ctx, start); err != nil {
			return r, err
		}
		res, err = s.db.ExecContext(ctx, s.insertSQL, readingArgs(&r)...)
	}
	if err != nil {
		return r, classify("append", err)
	}

	if s.policy == store.RejectDuplicates {
		n, err := res.RowsAffected()
		if err != nil {
			return r, classify("append", err)
		}
		if n == 0 {
			return r, &model.ConflictError{Key: r.Identity().String()}
		}
	}
	return r, nil
}

func (s *ReadingStore) ensurePartition(ctx context.Context, start time.Time) error {
	if s.partitions.has(start) {
		return nil
	}
	_, err := s.db.ExecContext(ctx, createPartitionSQL(start, s.width))
	// Concurrent creators race on the catalog; losing the race is fine
	if err != nil && !hasCode(err, codeDuplicateTable, codeUniqueViolation) {
		return classify("create partition", err)
	}
	s.partitions.add(start)
	return nil
}

// Query builds a single statement; partition pruning restricts it to the
// chunks overlapping the range
func (s *ReadingStore) Query(ctx context.Context, q model.Query) ([]model.Reading, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	stmt, args := buildReadingQuery(q)
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify("query", err)
	}
	defer rows.Close()

	out := []model.Reading{}
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, classify("query", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query", err)
	}
	return out, nil
}

func buildReadingQuery(q model.Query) (string, []any) {
	var b strings.Builder
	args := []any{q.Range.From, q.Range.To}
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE ts >= $1 AND ts < $2", readingColumns, readingsTable)

	f := q.Filter
	switch {
	case f.DeviceID != "":
		args = append(args, f.DeviceID)
		fmt.Fprintf(&b, " AND device_id = $%d", len(args))
	case f.UserID != "":
		args = append(args, f.UserID)
		fmt.Fprintf(&b, " AND user_id = $%d", len(args))
	case f.BBox != nil:
		args = append(args, f.BBox.MinLat, f.BBox.MaxLat, f.BBox.MinLon, f.BBox.MaxLon)
		n := len(args)
		fmt.Fprintf(&b, " AND latitude BETWEEN $%d AND $%d AND longitude BETWEEN $%d AND $%d", n-3, n-2, n-1, n)
	}

	dir := "DESC"
	if q.Order == model.OrderAsc {
		dir = "ASC"
	}
	fmt.Fprintf(&b, " ORDER BY ts %s, latitude, longitude", dir)

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

// Chunks lists partitions with exact row counts
func (s *ReadingStore) Chunks(ctx context.Context) ([]store.ChunkInfo, error) {
	parts, err := s.listPartitions(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]store.ChunkInfo, 0, len(parts))
	for _, p := range parts {
		var rows int
		stmt := "SELECT count(*) FROM " + pq.QuoteIdentifier(p.name)
		if err := s.db.QueryRowContext(ctx, stmt).Scan(&rows); err != nil {
			return nil, classify("count chunk", err)
		}
		infos = append(infos, store.ChunkInfo{Start: p.start, End: p.start.Add(s.width), Rows: rows})
	}
	return infos, nil
}

// DropChunksBefore drops every partition whose end is at or before cutoff.
// Dropping a table costs the same regardless of its row count.
func (s *ReadingStore) DropChunksBefore(ctx context.Context, cutoff time.Time) (int, error) {
	parts, err := s.listPartitions(ctx)
	if err != nil {
		return 0, err
	}

	dropped := 0
	for _, p := range parts {
		if p.start.Add(s.width).After(cutoff) {
			continue
		}
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+pq.QuoteIdentifier(p.name)); err != nil {
			return dropped, classify("drop chunk", err)
		}
		s.partitions.forget(p.start)
		dropped++
		s.db.logger.Info("dropped reading partition", zap.String("partition", p.name))
	}
	return dropped, nil
}

// Close releases the connection pool
func (s *ReadingStore) Close() error {
	return s.db.Close()
}
