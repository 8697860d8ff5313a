// Package main runs the delayq producer role. It writes one message due a
// minute ahead every 100ms, or relays messages from Kafka when
// runner.source is "kafka".
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
	banner.Print(os.Stderr, "producer")

	logger.Info("configuration loaded",
		"path", opts.ConfigPath,
		"storage_mode", cfg.Storage.Mode,
		"queue", cfg.Queue.Name,
		"shards", cfg.Queue.ShardCount,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	storage, closeStore, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	source, closeSource, err := app.OpenSource(cfg, logger)
	if err != nil {
		closeStore()
		logger.Error("failed to initialize source", "error", err)
		os.Exit(1)
	}
	cleanup := app.Chain(closeStore, closeSource)
	defer cleanup()

	client, err := app.NewClient(cfg, storage.Store, nil, logger)
	if err != nil {
		logger.Error("failed to create queue client", "error", err)
		cleanup()
		os.Exit(1)
	}

	producer := runner.NewProducer(client, runner.ProducerConfig{
		Queue:    cfg.Queue.Name,
		Interval: cfg.Runner.PutInterval,
		Lead:     cfg.Runner.Lead,
		Source:   source,
	}, logger)

	if err := producer.Run(ctx); err != nil {
		logger.Error("producer error", "error", err)
		cleanup()
		os.Exit(1)
	}

	logger.Info("producer stopped")
}
