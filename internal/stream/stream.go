// Package stream defines the transports messages use to enter and leave the
// delay queue. A Source feeds the producer in relay mode; a Sink receives what
// the consumer takes. Implementations (Kafka, RabbitMQ, stdout, in-memory) can
// be swapped without changing the poll loops.
package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Header names understood by the relay.
const (
	// HeaderDue carries the absolute due time, RFC 3339.
	HeaderDue = "due"
	// HeaderDelay carries a delay in seconds from the time the message is relayed.
	HeaderDelay = "delay_seconds"
	// HeaderQueue names the queue a message came from or goes to.
	HeaderQueue = "queue"
)

// ErrNoDue is returned by Message.Due when neither due header is present.
var ErrNoDue = errors.New("message has no due or delay_seconds header")

// ErrDelayRange is returned for delays that are negative, not a number, or
// too long to represent.
var ErrDelayRange = errors.New("delay_seconds out of range")

// MaxDelaySeconds is the longest delay accepted, about 292 years.
var MaxDelaySeconds = time.Duration(math.MaxInt64).Seconds()

// Delay converts a delay in seconds to a duration.
func Delay(secs float64) (time.Duration, error) {
	ns := secs * float64(time.Second)
	if math.IsNaN(ns) || ns < 0 || ns >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %v", ErrDelayRange, secs)
	}
	return time.Duration(ns), nil
}

// Message represents a message on a stream.
type Message struct {
	// Key is the partition key for ordering guarantees.
	Key []byte

	// Value is the message payload.
	Value []byte

	// Headers contains optional metadata.
	Headers map[string]string
}

// Due resolves the due time of a relayed message. HeaderDue wins over
// HeaderDelay; the delay is measured from now.
func (m *Message) Due(now time.Time) (time.Time, error) {
	if v, ok := m.Headers[HeaderDue]; ok {
		due, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid %s header %q: %w", HeaderDue, v, err)
		}
		return due, nil
	}
	if v, ok := m.Headers[HeaderDelay]; ok {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid %s header %q", HeaderDelay, v)
		}
		d, err := Delay(secs)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid %s header: %w", HeaderDelay, err)
		}
		return now.Add(d), nil
	}
	return time.Time{}, ErrNoDue
}

// Sink defines the interface for publishing messages to a stream.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Publish sends a message to the stream.
	Publish(ctx context.Context, msg *Message) error

	// Close releases any resources held by the sink.
	Close() error
}

// Handler is a callback function for processing consumed messages.
// Return an error to indicate processing failure (implementation may retry).
type Handler func(ctx context.Context, msg *Message) error

// Source defines the interface for consuming messages from a stream.
type Source interface {
	// Start begins consuming messages and calls the handler for each one.
	// This is a blocking call that runs until the context is canceled
	// or an unrecoverable error occurs.
	Start(ctx context.Context, handler Handler) error

	// Close stops consuming and releases any resources.
	Close() error
}
