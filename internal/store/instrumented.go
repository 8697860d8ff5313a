package store

import (
	"context"
	"time"

	"delayq/internal/metrics"
)

// Storage operation names used in metrics and logs.
const (
	OpInsert   = "insert"
	OpFirstDue = "first_due"
	OpDelete   = "delete"
	OpCountAll = "count_all"
	OpCountDue = "count_due"
	OpPurge    = "purge"
)

// Instrumented decorates a MessageStore with latency metrics and an optional
// per-call timeout. A zero timeout leaves calls unbounded.
type Instrumented struct {
	next    MessageStore
	timeout time.Duration
}

// Instrument wraps next. timeout bounds every call when positive.
func Instrument(next MessageStore, timeout time.Duration) *Instrumented {
	return &Instrumented{next: next, timeout: timeout}
}

// Unwrap returns the decorated store.
func (s *Instrumented) Unwrap() MessageStore {
	return s.next
}

func (s *Instrumented) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	metrics.StorageOperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	status := metrics.ResultSuccess
	if err != nil {
		status = metrics.ResultFailure
	}
	metrics.StorageOperationsTotal.WithLabelValues(op, status).Inc()
	return Wrap(op, err)
}

// Insert writes a row.
func (s *Instrumented) Insert(ctx context.Context, row *Row) error {
	return s.call(ctx, OpInsert, func(ctx context.Context) error {
		return s.next.Insert(ctx, row)
	})
}

// FirstDue returns the earliest due row in the partition.
func (s *Instrumented) FirstDue(ctx context.Context, queue, shard string, now time.Time) (*Row, error) {
	var row *Row
	err := s.call(ctx, OpFirstDue, func(ctx context.Context) error {
		var err error
		row, err = s.next.FirstDue(ctx, queue, shard, now)
		return err
	})
	return row, err
}

// Delete removes a row by full key.
func (s *Instrumented) Delete(ctx context.Context, key Key) error {
	return s.call(ctx, OpDelete, func(ctx context.Context) error {
		return s.next.Delete(ctx, key)
	})
}

// CountAll counts live rows in the partition.
func (s *Instrumented) CountAll(ctx context.Context, queue, shard string, now time.Time) (int64, error) {
	var n int64
	err := s.call(ctx, OpCountAll, func(ctx context.Context) error {
		var err error
		n, err = s.next.CountAll(ctx, queue, shard, now)
		return err
	})
	return n, err
}

// CountDue counts due rows in the partition.
func (s *Instrumented) CountDue(ctx context.Context, queue, shard string, now time.Time) (int64, error) {
	var n int64
	err := s.call(ctx, OpCountDue, func(ctx context.Context) error {
		var err error
		n, err = s.next.CountDue(ctx, queue, shard, now)
		return err
	})
	return n, err
}

// Purge forwards to the wrapped store when it supports purging.
func (s *Instrumented) Purge(ctx context.Context, now time.Time) (int64, error) {
	p, ok := s.next.(Purger)
	if !ok {
		return 0, nil
	}
	var n int64
	err := s.call(ctx, OpPurge, func(ctx context.Context) error {
		var err error
		n, err = p.Purge(ctx, now)
		return err
	})
	if err == nil {
		metrics.RowsPurgedTotal.Add(float64(n))
	}
	return n, err
}

// Close closes the wrapped store.
func (s *Instrumented) Close() error {
	return s.next.Close()
}
