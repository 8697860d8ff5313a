// Package app wires configuration into the stores, streams and clients shared
// by the producer, consumer and observer commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"delayq/internal/api"
	"delayq/internal/clock"
	"delayq/internal/config"
	"delayq/internal/delayq"
	"delayq/internal/shard"
	"delayq/internal/store"
	cassandrastor "delayq/internal/store/cassandra"
	memorystor "delayq/internal/store/memory"
	pebblestor "delayq/internal/store/pebble"
	postgresstor "delayq/internal/store/postgres"
	redisstor "delayq/internal/store/redis"
	"delayq/internal/stream"
	kafkastream "delayq/internal/stream/kafka"
	rabbitstream "delayq/internal/stream/rabbit"
	stdoutstream "delayq/internal/stream/stdout"
)

// Errors for runner settings that name no known transport.
var (
	ErrUnknownSource = errors.New("unknown source")
	ErrUnknownSink   = errors.New("unknown sink")
)

// Storage is an opened, instrumented message store.
type Storage struct {
	Store store.MessageStore
	// Purger is set when the backend has no native row expiry and needs a sweeper.
	Purger store.Purger
}

// Cleanup releases what an open call acquired. Cleanups run in reverse order.
type Cleanup func()

// InitLogger creates the application logger from cfg and installs it as the
// slog default.
func InitLogger(cfg *config.LoggerConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// OpenStore connects the backend selected by storage.mode, running schema
// migrations where the backend has them.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Storage, Cleanup, error) {
	var raw store.MessageStore

	switch cfg.Storage.Mode {
	case config.StorageModeMemory:
		logger.Info("initializing in-memory storage")
		raw = memorystor.NewMessageStore()

	case config.StorageModeCassandra:
		logger.Info("initializing cassandra storage",
			"hosts", cfg.Cassandra.Hosts, "keyspace", cfg.Cassandra.Keyspace)
		session, err := cassandrastor.NewSession(&cfg.Cassandra)
		if err != nil {
			return nil, nil, err
		}
		if err := cassandrastor.RunMigrations(ctx, session, cfg.Cassandra.GCGraceSeconds); err != nil {
			session.Close()
			return nil, nil, err
		}
		raw = cassandrastor.NewMessageStore(session)

	case config.StorageModePostgres:
		logger.Info("initializing postgres storage", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		db, err := postgresstor.NewDB(ctx, &cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("database migrations completed")
		raw = postgresstor.NewMessageStore(db)

	case config.StorageModeRedis:
		logger.Info("initializing redis storage", "address", cfg.Redis.RedisAddr())
		s, err := redisstor.NewMessageStore(&cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		raw = s

	case config.StorageModePebble:
		logger.Info("initializing pebble storage", "data_dir", cfg.Pebble.DataDir)
		s, err := pebblestor.Open(&cfg.Pebble)
		if err != nil {
			return nil, nil, err
		}
		raw = s

	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownMode, cfg.Storage.Mode)
	}

	instrumented := store.Instrument(raw, cfg.Storage.OpTimeout)
	storage := &Storage{Store: instrumented}
	if _, ok := raw.(store.Purger); ok {
		storage.Purger = instrumented
	}

	cleanup := func() {
		if err := instrumented.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}
	return storage, cleanup, nil
}

// NewClient builds the queue client for cfg. clk drives both the producer and
// the consumer side; nil means the system clock.
func NewClient(cfg *config.Config, s store.MessageStore, clk clock.Clock, logger *slog.Logger) (*delayq.Client, error) {
	calc, err := shard.New(cfg.Queue.ShardCount, cfg.Queue.TimestampFormat)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.System()
	}
	return delayq.New(s, calc,
		delayq.WithClock(clk),
		delayq.WithGrace(cfg.Queue.Grace),
		delayq.WithLogger(logger),
	), nil
}

// OpenSource returns the producer input selected by runner.source. The
// "generate" source is nil: the producer makes its own messages.
func OpenSource(cfg *config.Config, logger *slog.Logger) (stream.Source, Cleanup, error) {
	switch cfg.Runner.Source {
	case "generate":
		return nil, func() {}, nil
	case "kafka":
		logger.Info("relaying from kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.SourceTopic)
		src := kafkastream.NewSource(&cfg.Kafka, logger)
		return src, func() {
			if err := src.Close(); err != nil {
				logger.Error("failed to close kafka source", "error", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownSource, cfg.Runner.Source)
}

// OpenSink returns the consumer output selected by runner.sink.
func OpenSink(cfg *config.Config, stdout io.Writer, logger *slog.Logger) (stream.Sink, Cleanup, error) {
	var sink stream.Sink

	switch cfg.Runner.Sink {
	case "stdout":
		sink = stdoutstream.NewSink(stdout)
	case "kafka":
		logger.Info("delivering to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.SinkTopic)
		sink = kafkastream.NewSink(&cfg.Kafka)
	case "rabbit":
		logger.Info("delivering to rabbitmq", "queue", cfg.Rabbit.Queue)
		s, err := rabbitstream.NewSink(&cfg.Rabbit, logger)
		if err != nil {
			return nil, nil, err
		}
		sink = s
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownSink, cfg.Runner.Sink)
	}

	return sink, func() {
		if err := sink.Close(); err != nil {
			logger.Error("failed to close sink", "error", err)
		}
	}, nil
}

// NewServer builds the HTTP API over client.
func NewServer(cfg *config.Config, client *delayq.Client, clk clock.Clock, logger *slog.Logger) *api.Server {
	return api.NewServer(api.ServerDeps{
		Config:       &cfg.Server,
		Logger:       logger,
		QueueHandler: api.NewQueueHandler(client, clk, logger),
	})
}

// Chain returns a cleanup that runs cleanups in reverse order.
func Chain(cleanups ...Cleanup) Cleanup {
	return func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			if cleanups[i] != nil {
				cleanups[i]()
			}
		}
	}
}
