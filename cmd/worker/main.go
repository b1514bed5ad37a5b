package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/mediaguard/internal/app"
	"github.com/dharsanguruparan/mediaguard/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg, os.Stderr)

	stack, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("init", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	if err := app.RunWorker(ctx, stack); err != nil {
		logger.Error("worker stopped", "error", err)
		stack.Close()
		os.Exit(1)
	}
}
