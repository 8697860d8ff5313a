// Package main runs the delayq observer role. It prints the due/total count
// of every shard once a second and, when server.enabled is set, serves the
// HTTP API and Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"delayq/internal/app"
	"delayq/internal/banner"
	"delayq/internal/runner"
)

func main() {
	opts := app.RegisterFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := opts.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	logger := app.InitLogger(&cfg.Logger, os.Stderr)
	banner.Print(os.Stderr, "observer")

	logger.Info("configuration loaded",
		"path", opts.ConfigPath,
		"storage_mode", cfg.Storage.Mode,
		"queue", cfg.Queue.Name,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	storage, cleanup, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	client, err := app.NewClient(cfg, storage.Store, nil, logger)
	if err != nil {
		logger.Error("failed to create queue client", "error", err)
		cleanup()
		os.Exit(1)
	}

	if storage.Purger != nil {
		sweeper := runner.NewSweeper(storage.Purger, cfg.Storage.PurgeInterval, nil, logger)
		go func() { _ = sweeper.Run(ctx) }()
	}

	if cfg.Server.Enabled {
		server := app.NewServer(cfg, client, nil, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("server error", "error", err)
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", "error", err)
			}
		}()
	}

	observer := runner.NewObserver(client, runner.ObserverConfig{
		Queue:    cfg.Queue.Name,
		Interval: cfg.Runner.ObserveInterval,
		Out:      os.Stdout,
	}, logger)

	if err := observer.Run(ctx); err != nil {
		logger.Error("observer error", "error", err)
	}

	logger.Info("observer stopped")
}
