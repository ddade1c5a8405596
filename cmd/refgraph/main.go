// Package main is the entry point for the refgraph command line tool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/helixir/inspire-refgraph/cmd/refgraph/commands"
	"github.com/helixir/inspire-refgraph/internal/app"
	"github.com/helixir/inspire-refgraph/internal/config"
	"github.com/helixir/inspire-refgraph/internal/observability"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		return 1
	}

	// Logs go to stderr so command output stays machine-readable.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     "console",
		Output:     "stderr",
		TimeFormat: time.RFC3339,
	}).With().Str("component", "cli").Logger()

	a, err := app.New(ctx, cfg, logger, app.WithoutBackgroundPurge())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer closeCancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Error().Err(err).Msg("close application")
		}
	}()

	cli := commands.New(a)
	if err := cli.Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
