package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/arsenis-cmd/AirAware/internal/app"
	"github.com/arsenis-cmd/AirAware/internal/protocol"
	"github.com/arsenis-cmd/AirAware/internal/queue"
	"github.com/arsenis-cmd/AirAware/internal/timer"
	"github.com/arsenis-cmd/AirAware/pkg/config"
)

// The aggregator keeps rollups and retention for a shared store. It learns
// which buckets changed from reading events.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := config.InitLogger(cfg.Log); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zap.L().Sync()
	logger := zap.L().With(zap.String("component", "main"))

	if cfg.Store.Backend != "postgres" {
		logger.Fatal("the standalone aggregator needs the postgres backend",
			zap.String("store", cfg.Store.Backend))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		logger.Fatal("open stores", zap.Error(err))
	}
	defer stores.Close()

	engine := app.NewRollupEngine(cfg, stores)
	sweeper := app.NewSweeper(cfg, stores)

	timers := timer.NewScheduler(2)
	timers.Start()
	defer timers.Stop()

	if err := (app.Maintenance{Engine: engine, Sweeper: sweeper}).Schedule(timers, cfg); err != nil {
		logger.Fatal("schedule maintenance", zap.Error(err))
	}

	var writer *queue.BatchWriter
	if cfg.Kafka.Enabled() {
		consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicReadings, cfg.Kafka.Group("aggregator"))
		defer consumer.Close()

		writer = queue.NewBatchWriter(consumer, queue.ReadingEventHandler(func(_ context.Context, ev *protocol.ReadingEvent) error {
			engine.MarkDirty(ev.Reading.Timestamp)
			return nil
		}), cfg.Kafka.BatchSize, cfg.Kafka.FlushInterval)
		writer.Start(ctx)
		logger.Info("consuming reading events", zap.String("topic", cfg.Kafka.TopicReadings))
	} else {
		logger.Warn("kafka not configured; only the startup catch-up window is refreshed")
	}

	logger.Info("aggregator running",
		zap.Duration("refresh_interval", cfg.Rollup.RefreshInterval),
		zap.Duration("sweep_interval", cfg.Rollup.SweepInterval))

	<-ctx.Done()
	logger.Info("shutting down gracefully")
	if writer != nil {
		if err := writer.Stop(); err != nil {
			logger.Error("event consumer stopped on error", zap.Error(err))
		}
	}
	// Flush what is still dirty before exiting
	if _, err := engine.Refresh(context.Background()); err != nil {
		logger.Warn("final refresh incomplete", zap.Error(err))
	}
}
