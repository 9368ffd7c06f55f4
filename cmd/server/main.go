package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/arsenis-cmd/AirAware/internal/alarming"
	"github.com/arsenis-cmd/AirAware/internal/api"
	"github.com/arsenis-cmd/AirAware/internal/app"
	"github.com/arsenis-cmd/AirAware/internal/connection"
	"github.com/arsenis-cmd/AirAware/internal/ingest"
	"github.com/arsenis-cmd/AirAware/internal/live"
	"github.com/arsenis-cmd/AirAware/internal/notification"
	"github.com/arsenis-cmd/AirAware/internal/queue"
	"github.com/arsenis-cmd/AirAware/internal/server"
	"github.com/arsenis-cmd/AirAware/internal/timer"
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

	ctx := context.Background()

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

	engine := app.NewRollupEngine(cfg, stores)
	sweeper := app.NewSweeper(cfg, stores)
	alerts := app.NewAlertStack(cfg.Alert, rdb)
	hub := live.NewHub(cfg.Server.MaxLiveClients)
	defer hub.Close()

	sinks := []ingest.EventSink{hub}
	var notifier alarming.Notifier
	var submissions server.SubmissionSink

	if cfg.Kafka.Enabled() {
		app.EnsureTopics(cfg.Kafka)

		readingsProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicReadings)
		defer readingsProducer.Close()
		alertsProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts)
		defer alertsProducer.Close()

		sinks = append(sinks, queue.NewReadingPublisher(readingsProducer))
		notifier = queue.NewAlertPublisher(alertsProducer)

		if cfg.Server.TCPQueue {
			submissionsProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicSubmissions)
			defer submissionsProducer.Close()
			submissions = queue.NewSubmissionPublisher(submissionsProducer)
		}
		logger.Info("kafka publishers initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	} else {
		var opts []notification.Option
		if rdb != nil {
			opts = append(opts, notification.WithRecipients(alarming.NewRedisThresholds(rdb)))
		}
		notifier = notification.NewEmailNotifier(cfg.SMTP, opts...)
		logger.Info("kafka not configured, alerts are e-mailed directly")
	}

	gateway := ingest.NewGateway(stores.Readings,
		ingest.WithDirtyMarker(engine),
		ingest.WithEventSinks(sinks...),
		ingest.WithAlerts(alerts.Gateway(notifier)),
		ingest.WithMaxClockSkew(cfg.Server.MaxClockSkew),
		ingest.WithRawRetention(cfg.Rollup.RetainRaw),
	)

	timers := timer.NewScheduler(runtime.NumCPU())
	timers.Start()
	defer timers.Stop()

	maintenance := app.Maintenance{Engine: engine, Sweeper: sweeper, Badger: stores.Badger, Alerts: alerts.Memory}
	if err := maintenance.Schedule(timers, cfg); err != nil {
		logger.Fatal("schedule maintenance", zap.Error(err))
	}

	limiter := api.NewClientLimiter(cfg.Server.RatePerSecond, cfg.Server.RateBurst)
	timers.Every("limiter-prune", 5*time.Minute, 0, func(context.Context) { limiter.Prune() })

	connManager := connection.NewManager(cfg.Server.MaxConnections)
	workers := cfg.Server.Workers
	if workers == 0 {
		workers = runtime.NumCPU() * 4
	}
	var tcpOpts []server.Option
	if submissions != nil {
		tcpOpts = append(tcpOpts, server.WithSubmissionQueue(submissions))
	}
	tcpServer := server.NewTCPServer(server.Config{
		Addr:              fmt.Sprintf(":%d", cfg.Server.TCPPort),
		MaxConnections:    cfg.Server.MaxConnections,
		IdentifyTimeout:   cfg.Server.IdentifyTimeout,
		InactivityTimeout: cfg.Server.InactivityTimeout,
		Workers:           workers,
	}, connManager, timers, gateway, tcpOpts...)
	if err := tcpServer.Start(); err != nil {
		logger.Fatal("start tcp server", zap.Error(err))
	}
	defer tcpServer.Stop()

	handlers := api.NewServer(api.Deps{
		Gateway:  gateway,
		Query:    app.NewQueryService(cfg, stores),
		Readings: stores.Readings,
		Live:     hub,
		Limiter:  limiter,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           handlers.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	// Print statistics periodically
	timers.Every("stats", 30*time.Second, 0, func(context.Context) {
		stats := connManager.Stats()
		logger.Info("server statistics",
			zap.Int("tcp_connections", stats.TotalConnections),
			zap.Int("tcp_devices", stats.UniqueDevices),
			zap.Int("live_subscribers", hub.Count()),
			zap.Int("dirty_buckets", engine.Pending()),
			zap.Int("scheduled_timers", timers.Stats().ScheduledTasks))
	})

	logger.Info("AirAware server is running",
		zap.String("store", cfg.Store.Backend),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("tcp_port", cfg.Server.TCPPort))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}
