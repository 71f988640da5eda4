package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"kosbudget/internal/cli"
	apphttp "kosbudget/internal/http"
	applog "kosbudget/internal/log"
)

func main() {
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), applog.ComponentApp)
	cfg := cli.LoadAndValidateConfig(logger)

	s, closeStore := cli.InitStore(context.Background(), logger, cfg)
	defer closeStore()

	amqpClient := cli.InitAMQP(logger, cfg)
	planner, recalc := cli.NewServices(cfg, s, cli.Publisher(amqpClient))

	srv := apphttp.NewServer(":"+cfg.Port, planner, recalc, apphttp.Options{
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		TrustedProxies:     cfg.TrustedProxies,
		AllowedOrigins:     cfg.CORSAllowedOrigins,
		Logger:             logger.WithComponent(applog.ComponentHTTP),
	})

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", applog.FieldError, err)
		}
		if amqpClient != nil {
			if err := amqpClient.Close(); err != nil {
				logger.Warn("Error closing AMQP client", applog.FieldError, err)
			}
		}
	})

	logger.Info("Starting kosbudget server",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"events", amqpClient != nil,
		"recalc_interval", cfg.RecalcInterval)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", applog.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
