package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsenis-cmd/AirAware/internal/geo"
	"github.com/arsenis-cmd/AirAware/internal/model"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T, policy ConflictPolicy) ReadingStore

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, policy ConflictPolicy) ReadingStore {
			s := NewMemoryStore(24*time.Hour, policy)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"badger": func(t *testing.T, policy ConflictPolicy) ReadingStore {
			s, err := NewBadgerStore(BadgerConfig{InMemory: true, ChunkWidth: 24 * time.Hour, Policy: policy})
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func reading(ts time.Time, lat, lon float64) model.Reading {
	return model.Reading{
		Timestamp:        ts,
		Latitude:         lat,
		Longitude:        lon,
		PM25:             model.Float(10),
		ReliabilityScore: 1,
		IsOutdoor:        true,
	}
}

func dayRange(days int) model.TimeRange {
	return model.TimeRange{From: baseTime.Add(-time.Duration(days) * 24 * time.Hour), To: baseTime.Add(24 * time.Hour)}
}

func TestReadingStore_AppendAndQueryOrder(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, LastWriteWins)
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				_, err := s.Append(ctx, reading(baseTime.Add(time.Duration(i)*time.Hour), 37.77, -122.41))
				require.NoError(t, err)
			}
			// one reading in the previous day's chunk
			_, err := s.Append(ctx, reading(baseTime.Add(-20*time.Hour), 37.77, -122.41))
			require.NoError(t, err)

			got, err := s.Query(ctx, model.Query{Range: dayRange(2)})
			require.NoError(t, err)
			require.Len(t, got, 6)
			assert.Equal(t, baseTime.Add(4*time.Hour), got[0].Timestamp)
			assert.Equal(t, baseTime.Add(-20*time.Hour), got[5].Timestamp)

			got, err = s.Query(ctx, model.Query{Range: dayRange(2), Order: model.OrderAsc, Limit: 2, Offset: 1})
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, baseTime, got[0].Timestamp)
			assert.Equal(t, baseTime.Add(time.Hour), got[1].Timestamp)

			got, err = s.Query(ctx, model.Query{Range: model.TimeRange{From: baseTime.Add(time.Hour), To: baseTime.Add(3 * time.Hour)}})
			require.NoError(t, err)
			assert.Len(t, got, 2, "range is half-open")
		})
	}
}

func TestReadingStore_Validation(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, LastWriteWins)
			ctx := context.Background()

			_, err := s.Append(ctx, reading(time.Time{}, 10, 10))
			assert.True(t, model.IsValidation(err))

			_, err = s.Append(ctx, reading(baseTime, 91, 10))
			assert.True(t, model.IsValidation(err))

			_, err = s.Append(ctx, reading(baseTime, 10, 181))
			assert.True(t, model.IsValidation(err))

			got, err := s.Query(ctx, model.Query{Range: dayRange(1)})
			require.NoError(t, err)
			assert.Empty(t, got, "rejected readings must not be stored")
		})
	}
}

func TestReadingStore_LastWriteWins(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, LastWriteWins)
			ctx := context.Background()

			first := reading(baseTime, 37.77, -122.41)
			first.DeviceID = "dev-a"
			_, err := s.Append(ctx, first)
			require.NoError(t, err)

			second := reading(baseTime, 37.77, -122.41)
			second.PM25 = model.Float(42)
			second.DeviceID = "dev-b"
			_, err = s.Append(ctx, second)
			require.NoError(t, err)

			got, err := s.Query(ctx, model.Query{Range: dayRange(1)})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, 42.0, *got[0].PM25)

			byOld, err := s.Query(ctx, model.Query{Range: dayRange(1), Filter: model.Filter{DeviceID: "dev-a"}})
			require.NoError(t, err)
			assert.Empty(t, byOld, "replaced reading must leave the device index")
		})
	}
}

func TestReadingStore_RejectDuplicates(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, RejectDuplicates)
			ctx := context.Background()

			_, err := s.Append(ctx, reading(baseTime, 37.77, -122.41))
			require.NoError(t, err)

			dup := reading(baseTime, 37.77, -122.41)
			dup.PM25 = model.Float(99)
			_, err = s.Append(ctx, dup)
			assert.True(t, model.IsConflict(err), "got %v", err)

			got, err := s.Query(ctx, model.Query{Range: dayRange(1)})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, 10.0, *got[0].PM25)
		})
	}
}

func TestReadingStore_Filters(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, LastWriteWins)
			ctx := context.Background()

			a := reading(baseTime, 37.77, -122.41)
			a.DeviceID = "dev-1"
			b := reading(baseTime.Add(time.Minute), 40.71, -74.0)
			b.UserID = "user-1"
			c := reading(baseTime.Add(2*time.Minute), 37.78, -122.42)
			for _, r := range []model.Reading{a, b, c} {
				_, err := s.Append(ctx, r)
				require.NoError(t, err)
			}

			got, err := s.Query(ctx, model.Query{Range: dayRange(1), Filter: model.Filter{DeviceID: "dev-1"}})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, 37.77, got[0].Latitude)

			got, err = s.Query(ctx, model.Query{Range: dayRange(1), Filter: model.Filter{UserID: "user-1"}})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, 40.71, got[0].Latitude)

			box := geo.BBox{MinLat: 37, MinLon: -123, MaxLat: 38, MaxLon: -122}
			got, err = s.Query(ctx, model.Query{Range: dayRange(1), Filter: model.Filter{BBox: &box}})
			require.NoError(t, err)
			assert.Len(t, got, 2)

			world := geo.BBox{MinLat: -90, MinLon: -180, MaxLat: 90, MaxLon: 180}
			got, err = s.Query(ctx, model.Query{Range: dayRange(1), Filter: model.Filter{BBox: &world}})
			require.NoError(t, err)
			assert.Len(t, got, 3)
		})
	}
}

func TestReadingStore_RetentionIsIdempotent(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, LastWriteWins)
			ctx := context.Background()

			for day := 0; day < 3; day++ {
				for i := 0; i < 4; i++ {
					ts := baseTime.Add(-time.Duration(day) * 24 * time.Hour).Add(time.Duration(i) * time.Minute)
					_, err := s.Append(ctx, reading(ts, 37.77, -122.41))
					require.NoError(t, err)
				}
			}

			chunks, err := s.Chunks(ctx)
			require.NoError(t, err)
			require.Len(t, chunks, 3)
			assert.Equal(t, 4, chunks[0].Rows)

			// Expire everything older than the start of yesterday's chunk
			cutoff := ChunkStart(baseTime, 24*time.Hour).Add(-24 * time.Hour)
			dropped, err := s.DropChunksBefore(ctx, cutoff)
			require.NoError(t, err)
			assert.Equal(t, 1, dropped)

			after, err := s.Query(ctx, model.Query{Range: dayRange(3), Unbounded: true})
			require.NoError(t, err)

			dropped, err = s.DropChunksBefore(ctx, cutoff)
			require.NoError(t, err)
			assert.Equal(t, 0, dropped)

			again, err := s.Query(ctx, model.Query{Range: dayRange(3), Unbounded: true})
			require.NoError(t, err)
			assert.Equal(t, after, again)
			assert.Len(t, again, 8)

			chunks, err = s.Chunks(ctx)
			require.NoError(t, err)
			assert.Len(t, chunks, 2)
		})
	}
}

func TestReadingStore_ConcurrentWrites(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, LastWriteWins)
			ctx := context.Background()

			var wg sync.WaitGroup
			errs := make(chan error, 100)
			for i := 0; i < 50; i++ {
				wg.Add(2)
				go func(i int) {
					defer wg.Done()
					_, err := s.Append(ctx, reading(baseTime.Add(time.Duration(i)*time.Second), 37.77, -122.41))
					errs <- err
				}(i)
				// every goroutine below fights over one identity
				go func(i int) {
					defer wg.Done()
					r := reading(baseTime.Add(-time.Hour), 1, 1)
					r.PM25 = model.Float(float64(i))
					_, err := retryTransient(func() error {
						_, err := s.Append(ctx, r)
						return err
					})
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			got, err := s.Query(ctx, model.Query{Range: dayRange(1), Unbounded: true})
			require.NoError(t, err)
			assert.Len(t, got, 51)
		})
	}
}

// retryTransient mimics the gateway's retry for optimistic-transaction conflicts
func retryTransient(fn func() error) (int, error) {
	var err error
	for attempt := 1; attempt <= 20; attempt++ {
		if err = fn(); err == nil || !model.IsTransient(err) {
			return attempt, err
		}
	}
	return 20, fmt.Errorf("still transient: %w", err)
}

func TestMemoryStore_QueryOnDroppedChunkIsTransient(t *testing.T) {
	s := NewMemoryStore(24*time.Hour, LastWriteWins)
	_, err := s.Append(context.Background(), reading(baseTime, 1, 1))
	require.NoError(t, err)

	c, err := s.chunkFor(ChunkStart(baseTime, 24*time.Hour))
	require.NoError(t, err)
	c.dropped.Store(true)

	_, err = s.Query(context.Background(), model.Query{Range: dayRange(1)})
	assert.True(t, model.IsTransient(err))
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore(0, "")
	require.NoError(t, s.Close())
	_, err := s.Append(context.Background(), reading(baseTime, 1, 1))
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestChunksOverlapping(t *testing.T) {
	r := model.TimeRange{From: baseTime, To: baseTime.Add(36 * time.Hour)}
	starts := ChunksOverlapping(r, 24*time.Hour)
	require.Len(t, starts, 2)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), starts[0])
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), starts[1])
}

func TestParseConflictPolicy(t *testing.T) {
	p, err := ParseConflictPolicy("")
	require.NoError(t, err)
	assert.Equal(t, LastWriteWins, p)
	p, err = ParseConflictPolicy("reject")
	require.NoError(t, err)
	assert.Equal(t, RejectDuplicates, p)
	_, err = ParseConflictPolicy("first_wins")
	assert.Error(t, err)
}
