package database

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rotisserie/eris"
)

const (
	readingsTable   = "readings"
	partitionPrefix = readingsTable + "_p"
	dayLayout       = "20060102"
	hourLayout      = "20060102_15"
)

// ErrCorruptPartition aborts a sweep that meets a partition it cannot parse
var ErrCorruptPartition = eris.New("unparsable readings partition name")

// partitionName derives the child table for a chunk. Day-aligned widths use
// readings_pYYYYMMDD; finer widths add the hour.
func partitionName(start time.Time, width time.Duration) string {
	start = start.UTC()
	if width%(24*time.Hour) == 0 {
		return partitionPrefix + start.Format(dayLayout)
	}
	return partitionPrefix + start.Format(hourLayout)
}

func parsePartitionName(name string) (time.Time, error) {
	suffix, ok := strings.CutPrefix(name, partitionPrefix)
	if !ok {
		return time.Time{}, eris.Wrapf(ErrCorruptPartition, "partition %q", name)
	}
	for _, layout := range []string{dayLayout, hourLayout} {
		if len(suffix) != len(layout) {
			continue
		}
		if t, err := time.ParseInLocation(layout, suffix, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Wrapf(ErrCorruptPartition, "partition %q", name)
}

// partitionSet caches partitions known to exist so a write only issues DDL
// the first time it lands in a chunk
type partitionSet struct {
	mu    sync.Mutex
	known map[int64]bool
}

func newPartitionSet() *partitionSet {
	return &partitionSet{known: make(map[int64]bool)}
}

func (p *partitionSet) has(start time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.known[start.Unix()]
}

func (p *partitionSet) add(start time.Time) {
	p.mu.Lock()
	p.known[start.Unix()] = true
	p.mu.Unlock()
}

func (p *partitionSet) forget(start time.Time) {
	p.mu.Lock()
	delete(p.known, start.Unix())
	p.mu.Unlock()
}

func createPartitionSQL(start time.Time, width time.Duration) string {
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM (%s) TO (%s)",
		pq.QuoteIdentifier(partitionName(start, width)),
		readingsTable,
		pq.QuoteLiteral(start.UTC().Format(time.RFC3339)),
		pq.QuoteLiteral(start.Add(width).UTC().Format(time.RFC3339)),
	)
}

const listPartitionsSQL = `
	SELECT c.relname
	FROM pg_inherits i
	JOIN pg_class c ON c.oid = i.inhrelid
	JOIN pg_class p ON p.oid = i.inhparent
	WHERE p.relname = $1
	ORDER BY c.relname`

type partition struct {
	name  string
	start time.Time
}

// listPartitions returns the child tables of readings ordered by start.
// A name that does not parse is fatal for the caller.
func (s *ReadingStore) listPartitions(ctx context.Context) ([]partition, error) {
	rows, err := s.db.QueryContext(ctx, listPartitionsSQL, readingsTable)
	if err != nil {
		return nil, classify("list partitions", err)
	}
	defer rows.Close()

	var parts []partition
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classify("list partitions", err)
		}
		start, err := parsePartitionName(name)
		if err != nil {
			return nil, err
		}
		parts = append(parts, partition{name: name, start: start})
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list partitions", err)
	}
	return parts, nil
}
