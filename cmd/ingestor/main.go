package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/arsenis-cmd/AirAware/internal/app"
	"github.com/arsenis-cmd/AirAware/internal/ingest"
	"github.com/arsenis-cmd/AirAware/internal/queue"
	"github.com/arsenis-cmd/AirAware/pkg/config"
)

// The ingestor drains the submission topic into the reading store. Reading
// events it emits drive the aggregator; alerts go to the alert topic.
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

	if !cfg.Kafka.Enabled() {
		logger.Fatal("ingestor needs kafka brokers")
	}
	if cfg.Store.Backend == "memory" {
		logger.Warn("ingesting into an in-memory store; nothing else can read it")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		logger.Fatal("open stores", zap.Error(err))
	}
	defer stores.Close()

	rdb, err := app.ConnectRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("connect redis", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
	}

	app.EnsureTopics(cfg.Kafka)

	readingsProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicReadings)
	defer readingsProducer.Close()
	alertsProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts)
	defer alertsProducer.Close()

	alerts := app.NewAlertStack(cfg.Alert, rdb)
	gateway := ingest.NewGateway(stores.Readings,
		ingest.WithEventSinks(queue.NewReadingPublisher(readingsProducer)),
		ingest.WithAlerts(alerts.Gateway(queue.NewAlertPublisher(alertsProducer))),
		ingest.WithMaxClockSkew(cfg.Server.MaxClockSkew),
		ingest.WithRawRetention(cfg.Rollup.RetainRaw),
	)

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicSubmissions, cfg.Kafka.Group("ingestor"))
	defer consumer.Close()

	writer := queue.NewBatchWriter(consumer, queue.SubmissionHandler(gateway.SubmitQueued),
		cfg.Kafka.BatchSize, cfg.Kafka.FlushInterval)
	writer.Start(ctx)
	logger.Info("ingestor running",
		zap.String("topic", cfg.Kafka.TopicSubmissions),
		zap.String("store", cfg.Store.Backend))

	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	case <-writer.Done():
	}
	if err := writer.Stop(); err != nil {
		// Uncommitted messages are redelivered on restart
		logger.Error("ingestor stopped on error", zap.Error(err))
		os.Exit(1)
	}
}
