// Package main runs the delayq consumer role. Every 100ms it takes at most one
// due message and publishes it to the configured sink.
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
	banner.Print(os.Stderr, "consumer")

	logger.Info("configuration loaded",
		"path", opts.ConfigPath,
		"storage_mode", cfg.Storage.Mode,
		"queue", cfg.Queue.Name,
		"sink", cfg.Runner.Sink,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	storage, closeStore, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	sink, closeSink, err := app.OpenSink(cfg, os.Stdout, logger)
	if err != nil {
		closeStore()
		logger.Error("failed to initialize sink", "error", err)
		os.Exit(1)
	}
	cleanup := app.Chain(closeStore, closeSink)
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

	consumer := runner.NewConsumer(client, runner.ConsumerConfig{
		Queue:    cfg.Queue.Name,
		Interval: cfg.Runner.TakeInterval,
		Sink:     sink,
	}, logger)

	if err := consumer.Run(ctx); err != nil {
		logger.Error("consumer error", "error", err)
	}

	logger.Info("consumer stopped")
}
