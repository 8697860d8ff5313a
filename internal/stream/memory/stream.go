// Package memory provides an in-memory implementation of the stream interfaces.
// This is useful for testing and development without external dependencies.
package memory

import (
	"context"
	"errors"
	"sync"

	"delayq/internal/stream"
)

// ErrStreamClosed is returned when attempting to publish to a closed stream.
var ErrStreamClosed = errors.New("stream is closed")

// Stream is an in-memory implementation of both Sink and Source.
// Messages are stored in a channel, allowing for simple pub/sub within a process.
// This implementation is safe for concurrent use.
type Stream struct {
	messages chan *stream.Message
	closed   bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewStream creates a new in-memory stream with the specified buffer size.
// The buffer size determines how many messages can be held before
// Publish blocks (or fails if the context is canceled).
func NewStream(bufferSize int) *Stream {
	return &Stream{
		messages: make(chan *stream.Message, bufferSize),
	}
}

// Publish sends a message to the in-memory stream.
// This method blocks if the stream is full until space is available
// or the context is canceled.
func (s *Stream) Publish(ctx context.Context, msg *stream.Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStreamClosed
	}

	select {
	case s.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins consuming messages and calls the handler for each one.
// This blocks until the context is canceled or the stream is closed.
// Messages the handler rejects are dropped.
func (s *Stream) Start(ctx context.Context, handler stream.Handler) error {
	s.wg.Add(1)
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.messages:
			if !ok {
				return nil
			}
			_ = handler(ctx, msg)
		}
	}
}

// Next returns the next buffered message without blocking. ok is false when
// the stream is empty.
func (s *Stream) Next() (msg *stream.Message, ok bool) {
	select {
	case msg, ok = <-s.messages:
		return msg, ok
	default:
		return nil, false
	}
}

// Close shuts down the stream, stopping all consumers.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	close(s.messages)
	s.wg.Wait()
	return nil
}

// Len returns the current number of messages in the stream.
// Useful for testing to verify stream state.
func (s *Stream) Len() int {
	return len(s.messages)
}
