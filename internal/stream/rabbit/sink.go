// Package rabbit provides a RabbitMQ sink for messages taken from the delay queue.
package rabbit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"delayq/internal/config"
	"delayq/internal/metrics"
	"delayq/internal/stream"
)

// Sink publishes messages to a durable queue on the default exchange.
type Sink struct {
	mu      sync.Mutex // amqp channels are not safe for concurrent publishing
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	logger  *slog.Logger
}

// NewSink dials cfg.URL and declares cfg.Queue.
func NewSink(cfg *config.RabbitConfig, logger *slog.Logger) (*Sink, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		cfg.Queue,
		true, false, false, false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}

	logger.Info("rabbit sink ready", "queue", cfg.Queue)

	return &Sink{
		conn:    conn,
		channel: ch,
		queue:   cfg.Queue,
		logger:  logger,
	}, nil
}

// Publish sends a message to the sink queue. Headers become AMQP headers.
func (s *Sink) Publish(ctx context.Context, msg *stream.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.channel.Publish(
		"",      // default exchange
		s.queue, // routing key (queue name)
		false,
		false,
		publishing(msg),
	)
	if err != nil {
		metrics.RelayedTotal.WithLabelValues("out", "rabbit", metrics.ResultFailure).Inc()
		return fmt.Errorf("failed to publish to queue %s: %w", s.queue, err)
	}
	metrics.RelayedTotal.WithLabelValues("out", "rabbit", metrics.ResultSuccess).Inc()
	return nil
}

// Close cleans up connection and channel
func (s *Sink) Close() error {
	if err := s.channel.Close(); err != nil {
		return err
	}
	return s.conn.Close()
}

func publishing(msg *stream.Message) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         msg.Value,
	}
	if len(msg.Headers) > 0 {
		p.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			p.Headers[k] = v
		}
	}
	if len(msg.Key) > 0 {
		p.MessageId = string(msg.Key)
	}
	return p
}
