package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"delayq/internal/clock"
	"delayq/internal/delayq"
	"delayq/internal/stream"
)

// dueLayout formats due times in generated payloads.
const dueLayout = "2006-01-02 15:04:05 -0700"

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	Queue    string
	Interval time.Duration
	// Lead is how far in the future generated messages are due.
	Lead time.Duration
	// Source, when set, is relayed into the queue instead of generating messages.
	Source stream.Source
	Clock  clock.Clock
}

// Producer writes messages into the queue.
type Producer struct {
	client *delayq.Client
	cfg    ProducerConfig
	logger *slog.Logger
	seq    int
}

// NewProducer creates a producer loop.
func NewProducer(client *delayq.Client, cfg ProducerConfig, logger *slog.Logger) *Producer {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	return &Producer{client: client, cfg: cfg, logger: logger}
}

// Run generates or relays messages until ctx is canceled.
func (p *Producer) Run(ctx context.Context) error {
	if p.cfg.Source != nil {
		p.logger.Info("starting producer", "queue", p.cfg.Queue, "mode", "relay")
		err := p.cfg.Source.Start(ctx, p.Relay)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	p.logger.Info("starting producer", "queue", p.cfg.Queue, "mode", "generate",
		"interval", p.cfg.Interval, "lead", p.cfg.Lead)
	every(ctx, p.cfg.Interval, func(ctx context.Context) { p.PutNext(ctx) })
	return nil
}

// PutNext puts the next generated message, due Lead after now rounded to
// the second. It reports whether the put succeeded.
func (p *Producer) PutNext(ctx context.Context) bool {
	p.seq++
	due := p.cfg.Clock.Now().Round(time.Second).Add(p.cfg.Lead)
	payload := fmt.Sprintf("Message %d to be run at %s", p.seq, due.Format(dueLayout))
	return p.client.Put(ctx, p.cfg.Queue, due, payload)
}

// Relay puts one message read from the source. The queue comes from the
// message's queue header, falling back to the configured queue. Messages
// without a usable due time are dropped.
func (p *Producer) Relay(ctx context.Context, msg *stream.Message) error {
	queue := p.cfg.Queue
	if q := msg.Headers[stream.HeaderQueue]; q != "" {
		queue = q
	}

	due, err := msg.Due(p.cfg.Clock.Now())
	if err != nil {
		p.logger.Warn("dropping message without due time", "error", err, "queue", queue)
		// Return nil to avoid reprocessing malformed messages
		return nil
	}

	if _, err := p.client.PutMessage(ctx, queue, due, string(msg.Value)); err != nil {
		return fmt.Errorf("relay into %s: %w", queue, err)
	}
	return nil
}
