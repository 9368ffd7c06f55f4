package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

type bucketID struct {
	width model.BucketWidth
	start int64
}

// MemoryRollupStore keeps rollups grouped by bucket so a refresh can swap a
// whole bucket under one lock.
type MemoryRollupStore struct {
	mu      sync.RWMutex
	buckets map[bucketID][]model.Rollup
}

// NewMemoryRollupStore creates an empty rollup store
func NewMemoryRollupStore() *MemoryRollupStore {
	return &MemoryRollupStore{buckets: make(map[bucketID][]model.Rollup)}
}

// ReplaceBucket swaps the bucket's rollups; an empty slice clears the bucket
func (s *MemoryRollupStore) ReplaceBucket(ctx context.Context, bucket model.Bucket, rollups []model.Rollup) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := bucketID{width: bucket.Width, start: bucket.Start.Unix()}

	copied := make([]model.Rollup, len(rollups))
	copy(copied, rollups)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(copied) == 0 {
		delete(s.buckets, id)
		return nil
	}
	s.buckets[id] = copied
	return nil
}

// Query returns rollups ordered by bucket start descending, then coordinate
func (s *MemoryRollupStore) Query(ctx context.Context, q RollupQuery) ([]model.Rollup, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []model.Rollup
	for id, rollups := range s.buckets {
		if id.width != q.Width {
			continue
		}
		if !q.Range.Contains(time.Unix(id.start, 0)) {
			continue
		}
		for _, r := range rollups {
			if q.Filter.BBox != nil && !q.Filter.BBox.Contains(r.Latitude, r.Longitude) {
				continue
			}
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	SortRollups(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// DeleteBefore removes whole buckets that started before cutoff
func (s *MemoryRollupStore) DeleteBefore(ctx context.Context, width model.BucketWidth, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, rollups := range s.buckets {
		if id.width == width && time.Unix(id.start, 0).Before(cutoff) {
			deleted += len(rollups)
			delete(s.buckets, id)
		}
	}
	return deleted, nil
}

// SortRollups orders rollups newest bucket first, then by coordinate
func SortRollups(rollups []model.Rollup) {
	sort.Slice(rollups, func(i, j int) bool {
		a, b := &rollups[i], &rollups[j]
		if !a.BucketStart.Equal(b.BucketStart) {
			return a.BucketStart.After(b.BucketStart)
		}
		if a.Latitude != b.Latitude {
			return a.Latitude < b.Latitude
		}
		return a.Longitude < b.Longitude
	})
}
