package store

import (
	"context"
	"fmt"
	"time"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

// ConflictPolicy decides what happens when a write hits an existing identity
type ConflictPolicy string

const (
	// LastWriteWins replaces the stored reading with the new one
	LastWriteWins ConflictPolicy = "last_write_wins"
	// RejectDuplicates keeps the stored reading and returns a ConflictError
	RejectDuplicates ConflictPolicy = "reject"
)

// ParseConflictPolicy maps a config value to a policy; empty means last-write-wins
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case "", LastWriteWins:
		return LastWriteWins, nil
	case RejectDuplicates:
		return RejectDuplicates, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// DefaultChunkWidth partitions raw readings by UTC day
const DefaultChunkWidth = 24 * time.Hour

// ReadingStore is the time-partitioned store of raw readings
type ReadingStore interface {
	// Append validates and stores a reading, applying the conflict policy
	Append(ctx context.Context, r model.Reading) (model.Reading, error)
	// Query returns readings matching the filter inside the range, fanning out
	// only to chunks that overlap it
	Query(ctx context.Context, q model.Query) ([]model.Reading, error)
	// Chunks lists live chunks ordered by start time
	Chunks(ctx context.Context) ([]ChunkInfo, error)
	// DropChunksBefore removes every chunk whose end is at or before cutoff
	DropChunksBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// RollupStore holds derived aggregates, separately from raw readings
type RollupStore interface {
	// ReplaceBucket atomically swaps every rollup of one bucket for rollups
	ReplaceBucket(ctx context.Context, bucket model.Bucket, rollups []model.Rollup) error
	// Query returns rollups of one width whose bucket starts inside the range
	Query(ctx context.Context, q RollupQuery) ([]model.Rollup, error)
	// DeleteBefore removes rollups of one width whose bucket started before cutoff
	DeleteBefore(ctx context.Context, width model.BucketWidth, cutoff time.Time) (int, error)
}

// RollupQuery selects rollups by width, time range and optional bounding box
type RollupQuery struct {
	Width  model.BucketWidth
	Range  model.TimeRange
	Filter model.Filter
	Limit  int
}

// Validate rejects raw widths and identity filters, which rollups do not carry
func (q RollupQuery) Validate() error {
	if q.Width != model.WidthHourly && q.Width != model.WidthDaily {
		return model.NewValidationError("bucket", "rollups are hourly or daily")
	}
	if q.Filter.DeviceID != "" || q.Filter.UserID != "" {
		return model.NewValidationError("filter", "rollups only support a bounding box filter")
	}
	if err := q.Filter.Validate(); err != nil {
		return err
	}
	return q.Range.Validate()
}

// ChunkInfo describes one time partition
type ChunkInfo struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Rows  int       `json:"rows"`
}

// ChunkStart returns the start of the chunk of the given width containing t
func ChunkStart(t time.Time, width time.Duration) time.Time {
	return t.UTC().Truncate(width)
}

// ChunksOverlapping lists chunk starts whose interval intersects [from, to)
func ChunksOverlapping(r model.TimeRange, width time.Duration) []time.Time {
	var starts []time.Time
	for s := ChunkStart(r.From, width); s.Before(r.To); s = s.Add(width) {
		starts = append(starts, s)
	}
	return starts
}

// PrepareForAppend validates a reading and fills the defaults every backend stores
func PrepareForAppend(r model.Reading) (model.Reading, error) {
	r.Timestamp = model.NormalizeTime(r.Timestamp)
	if !r.ReceivedAt.IsZero() {
		r.ReceivedAt = model.NormalizeTime(r.ReceivedAt)
	}
	if r.SourceType == "" {
		r.SourceType = model.SourceSensor
	}
	if err := r.Validate(); err != nil {
		return r, err
	}
	return r, nil
}
