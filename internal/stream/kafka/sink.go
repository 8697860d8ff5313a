// Package kafka provides Kafka-based implementations of the stream interfaces.
package kafka

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"

	"delayq/internal/config"
	"delayq/internal/metrics"
	"delayq/internal/stream"
)

// Sink implements stream.Sink using Kafka.
type Sink struct {
	writer *kafka.Writer
}

// NewSink creates a new Kafka sink writing cfg.SinkTopic.
func NewSink(cfg *config.KafkaConfig) *Sink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.SinkTopic,
		Balancer:     &kafka.Hash{}, // Use key-based partitioning
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	return &Sink{
		writer: writer,
	}
}

// Publish sends a message to Kafka.
func (s *Sink) Publish(ctx context.Context, msg *stream.Message) error {
	if err := s.writer.WriteMessages(ctx, toKafka(msg)); err != nil {
		metrics.RelayedTotal.WithLabelValues("out", "kafka", metrics.ResultFailure).Inc()
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	metrics.RelayedTotal.WithLabelValues("out", "kafka", metrics.ResultSuccess).Inc()
	return nil
}

// Close closes the Kafka writer.
func (s *Sink) Close() error {
	if s.writer != nil {
		return s.writer.Close()
	}
	return nil
}

// toKafka converts a stream.Message to a Kafka message. Headers are emitted
// in key order.
func toKafka(msg *stream.Message) kafka.Message {
	out := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
	}

	if len(msg.Headers) > 0 {
		keys := make([]string, 0, len(msg.Headers))
		for k := range msg.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out.Headers = make([]kafka.Header, 0, len(keys))
		for _, k := range keys {
			out.Headers = append(out.Headers, kafka.Header{
				Key:   k,
				Value: []byte(msg.Headers[k]),
			})
		}
	}

	return out
}
