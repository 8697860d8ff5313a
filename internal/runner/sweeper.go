package runner

import (
	"context"
	"log/slog"
	"time"

	"delayq/internal/clock"
	"delayq/internal/store"
)

// Sweeper periodically purges expired rows.
type Sweeper struct {
	purger   store.Purger
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewSweeper creates a sweeper. A nil clock means the system clock.
func NewSweeper(p store.Purger, interval time.Duration, c clock.Clock, logger *slog.Logger) *Sweeper {
	if c == nil {
		c = clock.System()
	}
	return &Sweeper{purger: p, interval: interval, clock: c, logger: logger}
}

// Run purges once per interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("starting sweeper", "interval", s.interval)
	every(ctx, s.interval, func(ctx context.Context) { s.Sweep(ctx) })
	return nil
}

// Sweep purges rows expired now and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	n, err := s.purger.Purge(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("unable to purge expired messages", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.Debug("purged expired messages", "count", n)
	}
	return n
}
