// Package app builds the components every AirAware process shares from a
// loaded configuration. Nothing here is global; each process owns what it
// builds and closes it on shutdown.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arsenis-cmd/AirAware/internal/aggregation"
	"github.com/arsenis-cmd/AirAware/internal/alarming"
	"github.com/arsenis-cmd/AirAware/internal/database"
	"github.com/arsenis-cmd/AirAware/internal/ingest"
	"github.com/arsenis-cmd/AirAware/internal/query"
	"github.com/arsenis-cmd/AirAware/internal/queue"
	"github.com/arsenis-cmd/AirAware/internal/store"
	"github.com/arsenis-cmd/AirAware/internal/timer"
	"github.com/arsenis-cmd/AirAware/pkg/config"
)

// Stores holds the opened reading and rollup stores
type Stores struct {
	Readings store.ReadingStore
	Rollups  store.RollupStore
	// Badger is set for the badger backend so value log GC can be scheduled
	Badger *store.BadgerStore
}

// Close releases the reading store
func (s *Stores) Close() error {
	if s.Readings == nil {
		return nil
	}
	return s.Readings.Close()
}

// OpenStores opens the configured backend. Rollups are kept by the same
// backend as raw readings; the memory backend loses both on exit.
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	policy, err := store.ParseConflictPolicy(cfg.Store.ConflictPolicy)
	if err != nil {
		return nil, eris.Wrap(err, "app: conflict policy")
	}
	logger := zap.L().With(zap.String("component", "app"))

	switch cfg.Store.Backend {
	case "memory":
		logger.Info("using in-memory reading store")
		return &Stores{
			Readings: store.NewMemoryStore(cfg.Store.ChunkWidth, policy),
			Rollups:  store.NewMemoryRollupStore(),
		}, nil

	case "badger":
		bs, err := store.NewBadgerStore(store.BadgerConfig{
			Path:        cfg.Store.BadgerPath,
			ChunkWidth:  cfg.Store.ChunkWidth,
			Policy:      policy,
			MaxMemoryMB: cfg.Store.BadgerMemoryMB,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("opened badger reading store", zap.String("path", cfg.Store.BadgerPath))
		return &Stores{Readings: bs, Rollups: bs.Rollups(), Badger: bs}, nil

	case "postgres":
		db, err := database.Connect(ctx, cfg.Database.ConnectionString(), database.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx, cfg.Database.MigrationsDir); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("connected to postgres", zap.String("host", cfg.Database.Host))
		return &Stores{
			Readings: database.NewReadingStore(db, cfg.Store.ChunkWidth, policy),
			Rollups:  database.NewRollupStore(db),
		}, nil
	}
	return nil, eris.Errorf("app: unknown store backend %q", cfg.Store.Backend)
}

// NewRollupEngine creates the engine and marks the catch-up window dirty
func NewRollupEngine(cfg *config.Config, stores *Stores) *aggregation.Engine {
	engine := aggregation.NewEngine(stores.Readings, stores.Rollups,
		aggregation.WithParallelism(cfg.Rollup.Parallelism),
		aggregation.WithRawRetention(cfg.Rollup.RetainRaw))
	if cfg.Rollup.CatchUp > 0 {
		now := time.Now()
		engine.MarkRange(now.Add(-cfg.Rollup.CatchUp), now)
	}
	return engine
}

// NewSweeper creates the retention sweeper
func NewSweeper(cfg *config.Config, stores *Stores) *aggregation.Sweeper {
	return aggregation.NewSweeper(stores.Readings, stores.Rollups, aggregation.RetentionPolicy{
		Raw:    cfg.Rollup.RetainRaw,
		Hourly: cfg.Rollup.RetainHourly,
		Daily:  cfg.Rollup.RetainDaily,
	})
}

// NewQueryService creates the geo query service over the stores
func NewQueryService(cfg *config.Config, stores *Stores) *query.Service {
	return query.NewService(stores.Readings, stores.Rollups,
		query.NewRecentDevices(stores.Readings, cfg.Query.DeviceWindow, cfg.Server.MaxClockSkew),
		query.Options{
			Window:       cfg.Query.Window,
			SnapDecimals: cfg.Query.SnapDecimals,
			NearbyLimit:  cfg.Query.NearbyLimit,
			ClockSkew:    cfg.Server.MaxClockSkew,
		})
}

// ConnectRedis returns nil when redis is not configured
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, eris.Wrapf(err, "app: ping redis at %s", cfg.Addr)
	}
	return client, nil
}

// AlertStack is the alert engine plus the stores it reads and writes
type AlertStack struct {
	Engine     *alarming.Engine
	Thresholds alarming.ThresholdSource
	// Memory is set when state is kept in process and needs pruning
	Memory *alarming.MemoryStateStore
}

// NewAlertStack keeps alert state and thresholds in redis when a client is
// given, otherwise in memory with no thresholds configured
func NewAlertStack(cfg config.AlertConfig, rdb *redis.Client) *AlertStack {
	engineCfg := alarming.Config{Cooldown: cfg.Cooldown, MinDelta: cfg.MinDelta}
	if rdb != nil {
		return &AlertStack{
			Engine:     alarming.NewEngine(alarming.NewRedisStateStore(rdb), engineCfg),
			Thresholds: alarming.NewCachedThresholds(alarming.NewRedisThresholds(rdb), cfg.ThresholdCache),
		}
	}
	mem := alarming.NewMemoryStateStore()
	return &AlertStack{
		Engine:     alarming.NewEngine(mem, engineCfg),
		Thresholds: alarming.StaticThresholds{},
		Memory:     mem,
	}
}

// Gateway options for the stack with the given notifier
func (a *AlertStack) Gateway(notifier alarming.Notifier) ingest.Alerts {
	return ingest.Alerts{Engine: a.Engine, Thresholds: a.Thresholds, Notifier: notifier}
}

// EnsureTopics creates the three topics, logging ones that already exist
func EnsureTopics(cfg config.KafkaConfig) {
	logger := zap.L().With(zap.String("component", "app"))
	for _, topic := range []string{cfg.TopicSubmissions, cfg.TopicReadings, cfg.TopicAlerts} {
		if err := queue.CreateTopic(cfg.Brokers, topic, cfg.NumPartitions, cfg.ReplicationFactor); err != nil {
			logger.Info("topic not created (may already exist)", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Maintenance lists the periodic jobs to register
type Maintenance struct {
	Engine  *aggregation.Engine
	Sweeper *aggregation.Sweeper
	Badger  *store.BadgerStore
	Alerts  *alarming.MemoryStateStore
}

// Schedule registers rollup refresh, retention, badger GC and alert state
// pruning on the scheduler. Nil components are skipped.
func (m Maintenance) Schedule(s *timer.Scheduler, cfg *config.Config) error {
	logger := zap.L().With(zap.String("component", "maintenance"))
	var errs []error

	if m.Engine != nil {
		errs = append(errs, s.Every("rollup-refresh", cfg.Rollup.RefreshInterval, 0, func(ctx context.Context) {
			report, err := m.Engine.Refresh(ctx)
			if err != nil {
				logger.Warn("rollup refresh incomplete", zap.Error(err))
			}
			if report.Buckets > 0 {
				logger.Info("rollups refreshed",
					zap.Int("refreshed", report.Refreshed),
					zap.Int("failed", report.Failed),
					zap.Int("rollups", report.Rollups),
					zap.Duration("duration", report.Duration))
			}
		}))
	}

	if m.Sweeper != nil {
		// Five minutes past the interval boundary, clear of the refresh
		errs = append(errs, s.Every("retention-sweep", cfg.Rollup.SweepInterval, 5*time.Minute, func(ctx context.Context) {
			report, err := m.Sweeper.Sweep(ctx, time.Now())
			if err != nil {
				logger.Error("retention sweep failed", zap.Error(err))
				return
			}
			logger.Info("retention sweep",
				zap.Int("chunks_dropped", report.ChunksDropped),
				zap.Int("hourly_deleted", report.HourlyDeleted),
				zap.Int("daily_deleted", report.DailyDeleted))
		}))
	}

	if m.Badger != nil {
		errs = append(errs, s.Every("badger-gc", cfg.Store.GCInterval, 0, func(context.Context) {
			if err := m.Badger.RunGC(0.5); err != nil {
				logger.Warn("badger gc", zap.Error(err))
			}
		}))
	}

	if m.Alerts != nil {
		errs = append(errs, s.Every("alert-prune", cfg.Alert.PruneInterval, 0, func(context.Context) {
			if n := m.Alerts.Prune(time.Now()); n > 0 {
				logger.Debug("pruned alert state", zap.Int("entries", n))
			}
		}))
	}

	return errors.Join(errs...)
}
