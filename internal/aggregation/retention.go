package aggregation

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arsenis-cmd/AirAware/internal/model"
	"github.com/arsenis-cmd/AirAware/internal/store"
)

// RetentionPolicy sets how long each tier is kept; zero keeps it forever
type RetentionPolicy struct {
	Raw    time.Duration
	Hourly time.Duration
	Daily  time.Duration
}

// DefaultRetention keeps raw readings 90 days, hourly rollups a year and
// daily rollups indefinitely
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		Raw:    90 * 24 * time.Hour,
		Hourly: 365 * 24 * time.Hour,
	}
}

// SweepReport summarizes one sweep
type SweepReport struct {
	ChunksDropped int           `json:"chunks_dropped"`
	HourlyDeleted int           `json:"hourly_deleted"`
	DailyDeleted  int           `json:"daily_deleted"`
	Duration      time.Duration `json:"duration"`
}

// Sweeper enforces retention on raw chunks and on each rollup tier
type Sweeper struct {
	readings store.ReadingStore
	rollups  store.RollupStore
	policy   RetentionPolicy
	logger   *zap.Logger
}

// NewSweeper creates a sweeper with the given policy
func NewSweeper(readings store.ReadingStore, rollups store.RollupStore, policy RetentionPolicy) *Sweeper {
	return &Sweeper{
		readings: readings,
		rollups:  rollups,
		policy:   policy,
		logger:   zap.L().With(zap.String("component", "retention")),
	}
}

// Sweep drops expired data as of now. Each tier is swept independently; a
// failure in one is reported and the others still run. Running it twice
// leaves the same state as running it once.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	started := time.Now()
	var report SweepReport
	var errs []error

	if s.policy.Raw > 0 {
		n, err := s.readings.DropChunksBefore(ctx, now.Add(-s.policy.Raw))
		report.ChunksDropped = n
		if err != nil {
			errs = append(errs, eris.Wrap(err, "retention: raw chunks"))
		}
	}

	tiers := []struct {
		width  model.BucketWidth
		keep   time.Duration
		result *int
	}{
		{model.WidthHourly, s.policy.Hourly, &report.HourlyDeleted},
		{model.WidthDaily, s.policy.Daily, &report.DailyDeleted},
	}
	for _, tier := range tiers {
		if tier.keep <= 0 || s.rollups == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := s.rollups.DeleteBefore(ctx, tier.width, now.Add(-tier.keep))
		*tier.result = n
		if err != nil {
			errs = append(errs, eris.Wrapf(err, "retention: %s rollups", tier.width))
		}
	}

	report.Duration = time.Since(started)
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("sweep incomplete", zap.Error(err))
	} else {
		s.logger.Info("sweep completed",
			zap.Int("chunks_dropped", report.ChunksDropped),
			zap.Int("hourly_deleted", report.HourlyDeleted),
			zap.Int("daily_deleted", report.DailyDeleted),
		)
	}
	return report, err
}
