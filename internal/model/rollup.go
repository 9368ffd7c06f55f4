package model

import (
	"fmt"
	"time"
)

// BucketWidth is the granularity of a rollup
type BucketWidth string

const (
	WidthRaw    BucketWidth = "raw"
	WidthHourly BucketWidth = "hourly"
	WidthDaily  BucketWidth = "daily"
)

// ParseBucketWidth accepts raw, hourly or daily; empty means raw
func ParseBucketWidth(s string) (BucketWidth, error) {
	switch BucketWidth(s) {
	case "", WidthRaw:
		return WidthRaw, nil
	case WidthHourly, WidthDaily:
		return BucketWidth(s), nil
	}
	return "", NewValidationError("bucket", fmt.Sprintf("unknown width %q", s))
}

// Duration returns the bucket length; raw has none
func (w BucketWidth) Duration() time.Duration {
	switch w {
	case WidthHourly:
		return time.Hour
	case WidthDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Truncate returns the start of the UTC bucket containing t
func (w BucketWidth) Truncate(t time.Time) time.Time {
	d := w.Duration()
	if d == 0 {
		return t
	}
	return t.UTC().Truncate(d)
}

// FieldStats summarizes one numeric field over a bucket
type FieldStats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Rollup is a derived aggregate over one bucket at one coordinate
type Rollup struct {
	Width       BucketWidth           `json:"width"`
	BucketStart time.Time             `json:"bucket_start"`
	Latitude    float64               `json:"latitude"`
	Longitude   float64               `json:"longitude"`
	Count       int                   `json:"count"`
	Fields      map[string]FieldStats `json:"fields"`
	ComputedAt  time.Time             `json:"computed_at"`
}

// RollupKey identifies a rollup row
type RollupKey struct {
	Width       BucketWidth
	BucketStart time.Time
	Latitude    float64
	Longitude   float64
}

// Key returns the identity of the rollup
func (r *Rollup) Key() RollupKey {
	return RollupKey{Width: r.Width, BucketStart: r.BucketStart, Latitude: r.Latitude, Longitude: r.Longitude}
}

// Bucket identifies one time bucket of one width
type Bucket struct {
	Width BucketWidth
	Start time.Time
}

// End returns the exclusive end of the bucket
func (b Bucket) End() time.Time {
	return b.Start.Add(b.Width.Duration())
}

func (b Bucket) String() string {
	return fmt.Sprintf("%s@%s", b.Width, b.Start.Format(time.RFC3339))
}
