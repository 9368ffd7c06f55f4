package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/arsenis-cmd/AirAware/internal/alarming"
	"github.com/arsenis-cmd/AirAware/internal/app"
	"github.com/arsenis-cmd/AirAware/internal/notification"
	"github.com/arsenis-cmd/AirAware/internal/protocol"
	"github.com/arsenis-cmd/AirAware/internal/queue"
	"github.com/arsenis-cmd/AirAware/internal/resilience"
	"github.com/arsenis-cmd/AirAware/pkg/config"
)

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
		logger.Fatal("notification service needs kafka brokers")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []notification.Option
	rdb, err := app.ConnectRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("connect redis", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
		opts = append(opts, notification.WithRecipients(alarming.NewRedisThresholds(rdb)))
	}
	notifier := notification.NewEmailNotifier(cfg.SMTP, opts...)

	// Test SMTP connection (optional, will skip if not configured)
	if err := notifier.TestConnection(); err != nil {
		logger.Info("notifications will be logged only", zap.Error(err))
	}

	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("notification", "send email")
	retry.ShouldRetry = func(error) bool { return true }

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts, cfg.Kafka.Group("notification"))
	defer consumer.Close()

	writer := queue.NewBatchWriter(consumer, queue.AlertEventHandler(func(ctx context.Context, ev *protocol.AlertEvent) error {
		return resilience.Do(ctx, retry, func(ctx context.Context) error {
			return notifier.SendAlert(ctx, ev)
		})
	}), 1, cfg.Kafka.FlushInterval)
	writer.Start(ctx)
	logger.Info("notification service running", zap.String("topic", cfg.Kafka.TopicAlerts))

	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	case <-writer.Done():
	}
	if err := writer.Stop(); err != nil {
		// Don't commit on error - the alert is redelivered on restart
		logger.Error("notification service stopped on error", zap.Error(err))
		os.Exit(1)
	}
}
