package main

import (
	"context"
	"errors"
	"os"
	"time"

	"kosbudget/internal/cli"
	applog "kosbudget/internal/log"
	"kosbudget/internal/worker"
)

func main() {
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), applog.ComponentWorker)
	logger.Info("Starting kosbudget-worker")

	cfg := cli.LoadAndValidateConfig(logger)

	s, closeStore := cli.InitStore(context.Background(), logger, cfg)
	defer closeStore()

	amqpClient := cli.InitAMQP(logger, cfg)
	planner, recalc := cli.NewServices(cfg, s, cli.Publisher(amqpClient))
	writer := cli.InitSnapshotWriter(context.Background(), logger, cfg)

	// Without a broker nobody hears the recalculation events, so the
	// worker exports right after its own sweeps.
	w := worker.NewRecalcWorker(recalc, planner, writer, worker.Options{
		Interval:      cfg.RecalcInterval,
		ExportOnSweep: amqpClient == nil,
		DedupeSize:    cfg.StalenessCacheSize,
	})

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(context.Context) {
		if amqpClient != nil {
			if err := amqpClient.Close(); err != nil {
				logger.Warn("Error closing AMQP client", applog.FieldError, err)
			}
		}
	})

	if err := w.StartupSweep(ctx); err != nil {
		logger.Error("Startup sweep failed", applog.FieldError, err)
	}

	go w.Run(ctx)

	if amqpClient != nil {
		go func() {
			err := amqpClient.ConsumeAllocationRecalculated(ctx, w.HandleAllocationRecalculated)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Message consumption failed", applog.FieldError, err)
			}
		}()
	} else {
		logger.Info("Skipping AMQP message consumption, exporting after sweeps")
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker stopped")
}
