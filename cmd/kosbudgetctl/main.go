// Command kosbudgetctl manages budgets and categories from the terminal,
// against the same data backend the server uses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"kosbudget/internal/cli"
	applog "kosbudget/internal/log"
	"kosbudget/internal/services"
)

// engine is what every subcommand runs against.
type engine struct {
	planner *services.Planner
	recalc  *services.Recalculator
	close   func()
}

// opener builds the engine lazily so commands that need no store, like
// score, never touch the database.
type opener func(ctx context.Context) (*engine, error)

func openFromEnv(ctx context.Context) (*engine, error) {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), applog.ComponentCLI)
	cfg := cli.LoadAndValidateConfig(logger)

	s, closeStore := cli.InitStore(ctx, logger, cfg)
	amqpClient := cli.InitAMQP(logger, cfg)
	planner, recalc := cli.NewServices(cfg, s, cli.Publisher(amqpClient))

	return &engine{
		planner: planner,
		recalc:  recalc,
		close: func() {
			if amqpClient != nil {
				_ = amqpClient.Close()
			}
			closeStore()
		},
	}, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(openFromEnv).ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
