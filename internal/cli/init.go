// Package cli provides common initialization utilities shared by
// cmd/kosbudget, cmd/kosbudget-worker and cmd/kosbudgetctl.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"kosbudget/internal/amqp"
	"kosbudget/internal/backend"
	"kosbudget/internal/config"
	applog "kosbudget/internal/log"
	"kosbudget/internal/services"
	ports "kosbudget/internal/sheets"
	gsheet "kosbudget/internal/sheets/google"
	memsheet "kosbudget/internal/sheets/memory"
	"kosbudget/internal/store"
)

// SetupLogger builds the process logger for the given LOG_LEVEL value and
// sets it as the slog default.
func SetupLogger(level, component string) *applog.Logger {
	logger := applog.New(applog.Config{
		Level:     applog.ParseLevel(level),
		Component: component,
		Output:    os.Stdout,
	})
	applog.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *applog.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed",
			applog.FieldError, err,
			applog.FieldErrorType, applog.ErrorTypeConfiguration)
		os.Exit(1)
	}
	return cfg
}

// InitStore opens the configured data backend. Returns the store and its
// cleanup, or exits the process on failure.
func InitStore(ctx context.Context, logger *applog.Logger, cfg *config.Config) (store.Store, func()) {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", applog.FieldError, err)
		os.Exit(1)
	}
	res, err := backend.NewFactory(logger.Logger).CreateBackend(ctx, bcfg)
	if err != nil {
		logger.Error("Failed to initialize data backend",
			applog.FieldError, err,
			applog.FieldErrorType, applog.ErrorTypeDatabase,
			"backend", bcfg.Type)
		os.Exit(1)
	}
	return res.Store, func() {
		if err := res.Cleanup(); err != nil {
			logger.Warn("Error closing data backend", applog.FieldError, err)
		}
	}
}

// InitAMQP connects to the broker when one is configured. A nil client
// means events are disabled; connection failures are logged and also
// yield nil so the process keeps running without events.
func InitAMQP(logger *applog.Logger, cfg *config.Config) *amqp.Client {
	if !cfg.AMQPEnabled() {
		logger.Info("AMQP not configured, allocation events disabled")
		return nil
	}
	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Warn("Failed to initialize AMQP client, continuing without events",
			applog.FieldError, err,
			applog.FieldErrorType, applog.ErrorTypeNetwork)
		return nil
	}
	logger.Info("Initialized AMQP client", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
	return client
}

// Publisher adapts an optional client to services.Publisher. A nil client
// yields a nil interface, not a typed nil.
func Publisher(client *amqp.Client) services.Publisher {
	if client == nil {
		return nil
	}
	return client
}

// InitSnapshotWriter returns the Google Sheets exporter when configured,
// or an in-memory writer otherwise.
func InitSnapshotWriter(ctx context.Context, logger *applog.Logger, cfg *config.Config) ports.SnapshotWriter {
	if !cfg.SheetsEnabled() {
		logger.Info("Google Sheets not configured, snapshots are kept in memory")
		return memsheet.New()
	}
	client, err := gsheet.New(ctx, gsheet.Options{
		SpreadsheetID:      cfg.GoogleSpreadsheetID,
		SheetBase:          cfg.GoogleSheetName,
		ServiceAccountJSON: cfg.GoogleServiceAccountJSON,
		ServiceAccountFile: cfg.GoogleServiceAccountFile,
	})
	if err != nil {
		logger.Error("Failed to initialize Google Sheets client",
			applog.FieldError, err,
			applog.FieldErrorType, applog.ErrorTypeConfiguration)
		os.Exit(1)
	}
	logger.Info("Initialized Google Sheets exporter", "sheet", cfg.GoogleSheetName)
	return client
}

// NewServices wires the recalculation engine and the planner over s.
func NewServices(cfg *config.Config, s store.Store, pub services.Publisher) (*services.Planner, *services.Recalculator) {
	recalc := services.NewRecalculator(s, s, pub, services.RecalculatorConfig{
		Interval:    cfg.RecalcInterval,
		Concurrency: cfg.SweepConcurrency,
		TrackerSize: cfg.StalenessCacheSize,
	})
	return services.NewPlanner(s, recalc), recalc
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *applog.Logger, timeout time.Duration, cleanup func(ctx context.Context)) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		cancel()
		if cleanup != nil {
			cleanup(shutdownCtx)
		}

		if shutdownCtx.Err() != nil {
			logger.Warn("Shutdown timeout reached")
		} else {
			logger.Info("Shutdown complete")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled and cleanup ran.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}

