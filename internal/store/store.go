// Package store defines the storage contract the delay queue is built on.
// Rows live in partitions keyed by (queue, shard) and are ordered inside a
// partition by (due, id). Implementations (Cassandra, PostgreSQL, Redis, Pebble,
// in-memory) can be swapped without changing the queue protocol.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStorage is the single failure kind of the storage layer. Connectivity loss,
// timeouts and malformed queries all wrap it.
var ErrStorage = errors.New("storage operation failed")

// ErrClosed is returned by stores used after Close.
var ErrClosed = fmt.Errorf("%w: store is closed", ErrStorage)

// Key identifies one row: partition (Queue, Shard) plus clustering (Due, ID).
type Key struct {
	Queue string
	Shard string
	Due   time.Time
	ID    string
}

// Row is a persisted message.
type Row struct {
	Queue   string
	Shard   string
	Due     time.Time
	ID      string
	Message string

	// ExpiresAt is when the store may purge the row whether or not it was delivered.
	// Zero means never.
	ExpiresAt time.Time
}

// Key returns the full key of the row.
func (r *Row) Key() Key {
	return Key{Queue: r.Queue, Shard: r.Shard, Due: r.Due, ID: r.ID}
}

// Expired reports whether the row is past its expiry at now.
func (r *Row) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Less orders rows by (due, id).
func Less(a, b *Row) bool {
	if !a.Due.Equal(b.Due) {
		return a.Due.Before(b.Due)
	}
	return a.ID < b.ID
}

// MessageStore is the storage contract used by the queue client.
// All methods must be safe for concurrent use.
type MessageStore interface {
	// Insert writes a row. There is no insert-if-absent; ids make rows unique.
	Insert(ctx context.Context, row *Row) error

	// FirstDue returns the earliest row, by (due, id), in the partition whose due
	// time is strictly before now. Returns nil, nil if there is none.
	FirstDue(ctx context.Context, queue, shard string, now time.Time) (*Row, error)

	// Delete removes the row with exactly this key. Deleting an absent row is not an error.
	Delete(ctx context.Context, key Key) error

	// CountAll returns the number of live rows in the partition.
	CountAll(ctx context.Context, queue, shard string, now time.Time) (int64, error)

	// CountDue returns the number of live rows in the partition due before now.
	CountDue(ctx context.Context, queue, shard string, now time.Time) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}

// Purger is implemented by stores that drop expired rows on request instead of
// relying on native row expiry.
type Purger interface {
	// Purge deletes every row expired at now and returns how many were removed.
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// Wrap marks err as a storage failure with operation context.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
