package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"delayq/internal/config"
	"delayq/internal/metrics"
	"delayq/internal/stream"
)

// defaultRetryInterval is the pause between attempts to relay a message the
// handler rejected.
const defaultRetryInterval = time.Second

// reader is the part of *kafka.Reader the source uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Source implements stream.Source using a Kafka consumer group.
//
// Messages are relayed one at a time in offset order. A message the handler
// rejects is retried until it is accepted or ctx is done, and nothing after it
// is fetched meanwhile, so its offset is never committed past. After a
// restart the group resumes at the first message not yet relayed.
type Source struct {
	reader        reader
	topic         string
	group         string
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewSource creates a new Kafka source reading cfg.SourceTopic.
func NewSource(cfg *config.KafkaConfig, logger *slog.Logger) *Source {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.SourceTopic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return &Source{
		reader:        r,
		topic:         cfg.SourceTopic,
		group:         cfg.ConsumerGroup,
		retryInterval: defaultRetryInterval,
		logger:        logger,
	}
}

// Start fetches messages and relays each through handler, committing its
// offset once handler accepts it. It returns when ctx is done or a commit fails.
func (s *Source) Start(ctx context.Context, handler stream.Handler) error {
	s.logger.Info("starting kafka source", "topic", s.topic, "group", s.group)

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("kafka source stopping due to context cancellation")
				return ctx.Err()
			}
			s.logger.Error("failed to fetch message", "error", err)
			continue
		}

		if err := s.relay(ctx, handler, msg); err != nil {
			return err
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			s.logger.Error("failed to commit message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return fmt.Errorf("failed to commit message: %w", err)
		}
	}
}

// relay calls handler until it accepts msg. It returns ctx.Err() if ctx ends first.
func (s *Source) relay(ctx context.Context, handler stream.Handler, msg kafka.Message) error {
	in := fromKafka(msg)
	for attempt := 1; ; attempt++ {
		err := handler(ctx, in)
		if err == nil {
			metrics.RelayedTotal.WithLabelValues("in", "kafka", metrics.ResultSuccess).Inc()
			return nil
		}

		metrics.RelayedTotal.WithLabelValues("in", "kafka", metrics.ResultFailure).Inc()
		s.logger.Error("failed to relay message, will retry",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempt", attempt,
		)

		timer := time.NewTimer(s.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Close closes the Kafka reader.
func (s *Source) Close() error {
	if s.reader != nil {
		return s.reader.Close()
	}
	return nil
}

// fromKafka converts a Kafka message to a stream.Message.
func fromKafka(msg kafka.Message) *stream.Message {
	out := &stream.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: make(map[string]string, len(msg.Headers)),
	}
	for _, h := range msg.Headers {
		out.Headers[h.Key] = string(h.Value)
	}
	return out
}
