package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"github.com/benvon/sessiongate/internal/config"
	"github.com/benvon/sessiongate/internal/database"
	"github.com/benvon/sessiongate/internal/events"
	"github.com/benvon/sessiongate/internal/logger"
	"github.com/benvon/sessiongate/internal/workers"
	"go.uber.org/zap"
)

func main() {
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	debugMode := cfg.WorkerDebugMode || *debugFlag
	zapLogger, err := logger.NewProductionLogger("sessiongate-worker", debugMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync(zapLogger) }()

	if cfg.RabbitMQURL == "" {
		zapLogger.Fatal("rabbitmq_url_required")
	}

	zapLogger.Info("starting_worker",
		zap.Bool("debug_mode", debugMode),
		zap.Int("prefetch", cfg.RabbitMQPrefetch),
	)

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		zapLogger.Fatal("failed_to_connect_to_database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			zapLogger.Warn("failed_to_close_database_connection", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(ctx); err != nil {
		zapLogger.Fatal("failed_to_migrate_database", zap.Error(err))
	}
	zapLogger.Info("connected_to_database")

	broker, err := events.NewRabbitMQBroker(cfg.RabbitMQURL)
	if err != nil {
		zapLogger.Fatal("failed_to_connect_to_rabbitmq", zap.Error(err))
	}
	defer func() {
		if err := broker.Close(); err != nil {
			zapLogger.Warn("failed_to_close_rabbitmq_connection", zap.Error(err))
		}
	}()

	msgs, errs, err := broker.Consume(ctx, cfg.RabbitMQPrefetch)
	if err != nil {
		zapLogger.Fatal("failed_to_start_consuming", zap.Error(err))
	}

	loginEvents := database.NewLoginEventRepository(db)
	recorder := workers.NewLoginRecorder(loginEvents, zapLogger)
	sweeper := workers.NewRetentionSweeper(loginEvents, cfg.LoginEventSweepInterval, cfg.LoginEventRetention, zapLogger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		workers.Run(ctx, recorder, msgs, errs)
		// A lost connection closes the channel; stop so the process restarts.
		stop()
	}()
	go func() {
		defer wg.Done()
		if err := sweeper.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zapLogger.Error("login_event_sweeper_stopped", zap.Error(err))
		}
	}()

	zapLogger.Info("worker_started")
	<-ctx.Done()
	zapLogger.Info("worker_stopping")
	wg.Wait()
	zapLogger.Info("worker_stopped")
}
