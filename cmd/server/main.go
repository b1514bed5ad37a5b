// Package main starts the mediaguard HTTP server: the gated media route, the
// URL issuance API and the operational endpoints.
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
	// Configuration errors are fatal before a logger exists.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("init", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	if err := app.RunServer(ctx, stack); err != nil {
		logger.Error("server stopped", "error", err)
		stack.Close()
		os.Exit(1)
	}
}
