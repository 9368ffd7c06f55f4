package aggregation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arsenis-cmd/AirAware/internal/keylock"
	"github.com/arsenis-cmd/AirAware/internal/model"
	"github.com/arsenis-cmd/AirAware/internal/store"
)

// DefaultParallelism bounds concurrent bucket refreshes
const DefaultParallelism = 4

// rolledWidths are the widths derived from raw readings
var rolledWidths = []model.BucketWidth{model.WidthHourly, model.WidthDaily}

type bucketKey struct {
	width model.BucketWidth
	start int64
}

func keyOf(b model.Bucket) bucketKey {
	return bucketKey{width: b.Width, start: b.Start.Unix()}
}

func (k bucketKey) bucket() model.Bucket {
	return model.Bucket{Width: k.width, Start: time.Unix(k.start, 0).UTC()}
}

// RefreshReport summarizes one Refresh cycle
type RefreshReport struct {
	Buckets   int           `json:"buckets"`
	Refreshed int           `json:"refreshed"`
	Failed    int           `json:"failed"`
	Deferred  int           `json:"deferred"`
	Expired   int           `json:"expired"`
	Rollups   int           `json:"rollups"`
	Duration  time.Duration `json:"duration"`
}

// Engine keeps hourly and daily rollups in step with raw readings. Writers
// mark the buckets they touch dirty; Refresh recomputes only those.
type Engine struct {
	readings    store.ReadingStore
	rollups     store.RollupStore
	parallelism int
	rawKeep     time.Duration
	now         func() time.Time
	logger      *zap.Logger

	mu    sync.Mutex
	dirty map[bucketKey]struct{}
	locks *keylock.Map[bucketKey]
}

// Option configures an Engine
type Option func(*Engine)

// WithParallelism sets how many buckets refresh at once
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithClock overrides the time source stamped on rollups
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRawRetention stops the engine from touching buckets whose raw
// readings are past retention, so their rollups are never rebuilt from a
// partial scan. Zero keeps raw readings forever.
func WithRawRetention(d time.Duration) Option {
	return func(e *Engine) { e.rawKeep = d }
}

// NewEngine creates a rollup engine over the given stores
func NewEngine(readings store.ReadingStore, rollups store.RollupStore, opts ...Option) *Engine {
	e := &Engine{
		readings:    readings,
		rollups:     rollups,
		parallelism: DefaultParallelism,
		now:         time.Now,
		logger:      zap.L().With(zap.String("component", "rollup")),
		dirty:       make(map[bucketKey]struct{}),
		locks:       keylock.New[bucketKey](),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// expired reports whether b ends at or before the raw retention cutoff
func (e *Engine) expired(b model.Bucket) bool {
	if e.rawKeep <= 0 {
		return false
	}
	return !b.End().After(e.now().Add(-e.rawKeep))
}

// MarkDirty marks the hourly and daily buckets containing ts
func (e *Engine) MarkDirty(ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range rolledWidths {
		key := bucketKey{width: w, start: w.Truncate(ts).Unix()}
		if !e.expired(key.bucket()) {
			e.dirty[key] = struct{}{}
		}
	}
}

// MarkRange marks every bucket overlapping [from, to) that is still inside
// raw retention
func (e *Engine) MarkRange(from, to time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range rolledWidths {
		for start := w.Truncate(from); start.Before(to); start = start.Add(w.Duration()) {
			key := bucketKey{width: w, start: start.Unix()}
			if !e.expired(key.bucket()) {
				e.dirty[key] = struct{}{}
			}
		}
	}
}

// Pending returns the number of dirty buckets
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dirty)
}

func (e *Engine) takeDirty() []bucketKey {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := make([]bucketKey, 0, len(e.dirty))
	for k := range e.dirty {
		keys = append(keys, k)
	}
	e.dirty = make(map[bucketKey]struct{})

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].start != keys[j].start {
			return keys[i].start < keys[j].start
		}
		return keys[i].width < keys[j].width
	})
	return keys
}

func (e *Engine) remark(keys ...bucketKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range keys {
		e.dirty[k] = struct{}{}
	}
}

// Refresh recomputes every dirty bucket. A failed bucket is marked dirty
// again for the next cycle without blocking the others; on cancellation the
// unprocessed buckets are re-marked so the work resumes later.
func (e *Engine) Refresh(ctx context.Context) (RefreshReport, error) {
	started := time.Now()
	keys := e.takeDirty()
	report := RefreshReport{Buckets: len(keys)}
	if len(keys) == 0 {
		return report, nil
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	g := new(errgroup.Group)
	g.SetLimit(e.parallelism)

	for i, key := range keys {
		if e.expired(key.bucket()) {
			// Marked before the sweep caught up with it
			report.Expired++
			continue
		}
		if ctx.Err() != nil {
			e.remark(keys[i:]...)
			mu.Lock()
			report.Deferred += len(keys) - i
			mu.Unlock()
			break
		}

		key := key
		g.Go(func() error {
			if ctx.Err() != nil {
				e.remark(key)
				mu.Lock()
				report.Deferred++
				mu.Unlock()
				return nil
			}

			n, err := e.RefreshBucket(ctx, key.width, time.Unix(key.start, 0))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.remark(key)
				report.Failed++
				if firstErr == nil {
					firstErr = err
				}
				e.logger.Warn("bucket refresh failed", zap.Stringer("bucket", key.bucket()), zap.Error(err))
				return nil
			}
			report.Refreshed++
			report.Rollups += n
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(started)
	e.logger.Info("refresh completed",
		zap.Int("buckets", report.Buckets),
		zap.Int("refreshed", report.Refreshed),
		zap.Int("failed", report.Failed),
		zap.Int("deferred", report.Deferred),
		zap.Int("expired", report.Expired),
		zap.Duration("duration", report.Duration),
	)

	if firstErr != nil {
		return report, eris.Wrapf(firstErr, "aggregation: %d of %d buckets failed", report.Failed, report.Buckets)
	}
	if report.Deferred > 0 {
		return report, eris.Wrap(ctx.Err(), "aggregation: refresh interrupted")
	}
	return report, nil
}

// RefreshBucket recomputes one bucket from raw readings and replaces its
// rollups. Concurrent refreshes of the same bucket are serialized; writes
// are never blocked.
func (e *Engine) RefreshBucket(ctx context.Context, width model.BucketWidth, start time.Time) (int, error) {
	if width != model.WidthHourly && width != model.WidthDaily {
		return 0, model.NewValidationError("bucket", "only hourly and daily buckets are rolled up")
	}
	bucket := model.Bucket{Width: width, Start: width.Truncate(start)}
	if e.expired(bucket) {
		return 0, model.NewValidationError("bucket", "raw readings for "+bucket.String()+" are past retention")
	}

	unlock := e.locks.Lock(keyOf(bucket))
	defer unlock()

	readings, err := e.readings.Query(ctx, model.Query{
		Range:     model.TimeRange{From: bucket.Start, To: bucket.End()},
		Order:     model.OrderAsc,
		Unbounded: true,
	})
	if err != nil {
		return 0, eris.Wrapf(err, "aggregation: scan %s", bucket)
	}

	rollups := Summarize(bucket, readings, e.now().UTC())
	if err := e.rollups.ReplaceBucket(ctx, bucket, rollups); err != nil {
		return 0, eris.Wrapf(err, "aggregation: replace %s", bucket)
	}
	return len(rollups), nil
}
