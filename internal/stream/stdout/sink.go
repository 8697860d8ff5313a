// Package stdout provides a sink that prints each message on its own line.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"delayq/internal/stream"
)

// Sink writes "MESSAGE: <payload>" lines to a writer.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSink creates a sink writing to w. A nil w means os.Stdout.
func NewSink(w io.Writer) *Sink {
	if w == nil {
		w = os.Stdout
	}
	return &Sink{w: w}
}

// Publish prints the message payload.
func (s *Sink) Publish(ctx context.Context, msg *stream.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "MESSAGE: %s\n", msg.Value); err != nil {
		return fmt.Errorf("failed to print message: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *Sink) Close() error {
	return nil
}
