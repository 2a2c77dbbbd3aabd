package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"library_lending/pkg/circuitbreaker"
	"library_lending/pkg/config"
	"library_lending/pkg/database"
	"library_lending/pkg/lending"
	"library_lending/pkg/notify"
	"library_lending/pkg/observability"
	"library_lending/pkg/queue"
	"library_lending/pkg/reminder"
	"library_lending/pkg/storage"
)

const (
	shutdownTimeout    = 10 * time.Second
	reminderMaxRetries = 3
	breakerMaxFailures = 5
	breakerTimeout     = time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "library service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, config.ServiceName)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.SetupTelemetry(ctx, observability.Telemetry{
		Endpoint:       cfg.OtelEndpoint,
		ServiceName:    config.ServiceName,
		ServiceVersion: config.ServiceVersion,
	})
	if err != nil {
		logger.Warn("Telemetry export disabled", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("Error during telemetry shutdown", zap.Error(err))
		}
	}()

	logger.Info("Starting library service", zap.String("version", config.ServiceVersion))

	db, err := database.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if cfg.Seed {
		if err := database.Seed(ctx, db, logger); err != nil {
			return fmt.Errorf("seed database: %w", err)
		}
	}

	engine, err := lending.New(db, lending.WithLogger(logger.Named("lending")))
	if err != nil {
		return fmt.Errorf("create lending engine: %w", err)
	}

	dispatcher, closeDispatcher := newDispatcher(cfg, logger)
	defer func() {
		if err := closeDispatcher(); err != nil {
			logger.Error("Failed to close reminder dispatcher", zap.Error(err))
		}
	}()

	scheduler, err := reminder.New(storage.NewLoanRegistry(db), dispatcher,
		reminder.WithInterval(cfg.ReminderInterval),
		reminder.WithLogger(logger.Named("reminder")),
		reminder.WithRetryQueue(queue.NewQueue(), reminderMaxRetries),
	)
	if err != nil {
		return fmt.Errorf("create reminder scheduler: %w", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(&api{engine: engine, db: db, logger: logger}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Library service listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("Library service stopped")
	return nil
}

// newDispatcher publishes reminders to Kafka when a broker is configured and
// logs them otherwise. Either way a circuit breaker guards the sends.
func newDispatcher(cfg *config.Config, logger *zap.Logger) (reminder.Dispatcher, func() error) {
	var (
		next    notify.Dispatcher
		closeFn = func() error { return nil }
	)

	if cfg.KafkaBroker == "" {
		logger.Info("No Kafka broker configured, reminders are only logged")
		next = notify.NewLogDispatcher(logger.Named("notify"))
	} else {
		logger.Info("Publishing reminders to Kafka",
			zap.String("broker", cfg.KafkaBroker),
			zap.String("topic", cfg.KafkaTopic),
		)
		kafkaDispatcher := notify.NewKafkaDispatcher(
			notify.NewKafkaWriter(cfg.KafkaBroker, cfg.KafkaTopic),
			cfg.KafkaTopic,
			notify.WithLogger(logger.Named("notify")),
		)
		next = kafkaDispatcher
		closeFn = kafkaDispatcher.Close
	}

	breaker := circuitbreaker.NewCircuitBreaker(breakerMaxFailures, breakerTimeout)
	return notify.NewBreaker(next, breaker, logger.Named("notify")), closeFn
}
