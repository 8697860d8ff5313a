package runner

import (
	"context"
	"log/slog"
	"time"

	"delayq/internal/delayq"
	"delayq/internal/stream"
)

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Queue    string
	Interval time.Duration
	Sink     stream.Sink
}

// Consumer takes due messages and publishes them to a sink.
type Consumer struct {
	client *delayq.Client
	cfg    ConsumerConfig
	logger *slog.Logger
}

// NewConsumer creates a consumer loop.
func NewConsumer(client *delayq.Client, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	return &Consumer{client: client, cfg: cfg, logger: logger}
}

// Run takes one message per interval until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("starting consumer", "queue", c.cfg.Queue, "interval", c.cfg.Interval)
	every(ctx, c.cfg.Interval, func(ctx context.Context) { c.TakeOne(ctx) })
	return nil
}

// TakeOne takes at most one message and publishes it. It reports whether a
// message was taken.
//
// The row is already deleted when the sink is called; a sink failure loses
// the message.
func (c *Consumer) TakeOne(ctx context.Context) bool {
	d, err := c.client.TakeMessage(ctx, c.cfg.Queue)
	if err != nil {
		c.logger.Error("unable to take message", "error", err, "queue", c.cfg.Queue)
		return false
	}
	if d == nil {
		return false
	}

	msg := &stream.Message{
		Key:   []byte(d.ID),
		Value: []byte(d.Message),
		Headers: map[string]string{
			stream.HeaderQueue: d.Queue,
			stream.HeaderDue:   d.Due.Format(time.RFC3339Nano),
		},
	}
	if err := c.cfg.Sink.Publish(ctx, msg); err != nil {
		c.logger.Error("taken message was not delivered",
			"error", err,
			"queue", d.Queue,
			"shard", d.Shard,
			"id", d.ID,
		)
	}
	return true
}
