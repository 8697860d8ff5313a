// Package pebblestore provides an embedded store.MessageStore on top of Pebble.
//
// Keys are laid out so that one partition is a contiguous range ordered by
// (due, id):
//
//	"m" 0x00 queue 0x00 shard 0x00 due(8 bytes, big endian) id
//
// Values hold the expiry (8 bytes, unix ms, 0 for never) followed by the payload.
package pebblestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"delayq/internal/config"
	"delayq/internal/store"
)

var prefixMessages = []byte("m\x00")

// MessageStore implements store.MessageStore using a local Pebble database.
type MessageStore struct {
	mu     sync.RWMutex
	db     *pebble.DB
	write  *pebble.WriteOptions
	closed bool
}

// Open opens or creates the database configured by cfg.
func Open(cfg *config.PebbleConfig) (*MessageStore, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("pebble: data dir is required")
	}
	return OpenWithOptions(cfg.DataDir, cfg.Sync, &pebble.Options{})
}

// OpenWithOptions opens the database at dir with explicit Pebble options.
// When sync is set every write waits for the WAL to reach disk.
func OpenWithOptions(dir string, sync bool, opts *pebble.Options) (*MessageStore, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble: %w", err)
	}

	write := pebble.NoSync
	if sync {
		write = pebble.Sync
	}
	return &MessageStore{db: db, write: write}, nil
}

func partitionPrefix(queue, shard string) []byte {
	b := make([]byte, 0, len(prefixMessages)+len(queue)+len(shard)+2)
	b = append(b, prefixMessages...)
	b = append(b, queue...)
	b = append(b, 0)
	b = append(b, shard...)
	return append(b, 0)
}

// encodeDue maps unix ms to an unsigned value that sorts like the signed one.
func encodeDue(b []byte, due time.Time) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(due.UnixMilli())^(1<<63))
}

func rowKey(key store.Key) []byte {
	b := partitionPrefix(key.Queue, key.Shard)
	b = encodeDue(b, key.Due)
	return append(b, key.ID...)
}

// decodeKey splits the clustering part of a key inside a partition.
func decodeKey(k []byte, prefixLen int) (time.Time, string, error) {
	rest := k[prefixLen:]
	if len(rest) < 8 {
		return time.Time{}, "", fmt.Errorf("pebble: short key %q", k)
	}
	ms := int64(binary.BigEndian.Uint64(rest[:8]) ^ (1 << 63))
	return time.UnixMilli(ms).UTC(), string(rest[8:]), nil
}

func encodeValue(row *store.Row) []byte {
	var expires int64
	if !row.ExpiresAt.IsZero() {
		expires = row.ExpiresAt.UnixMilli()
	}
	b := make([]byte, 0, 8+len(row.Message))
	b = binary.BigEndian.AppendUint64(b, uint64(expires))
	return append(b, row.Message...)
}

func decodeValue(v []byte) (time.Time, string, error) {
	if len(v) < 8 {
		return time.Time{}, "", errors.New("pebble: short value")
	}
	var expiresAt time.Time
	if ms := int64(binary.BigEndian.Uint64(v[:8])); ms != 0 {
		expiresAt = time.UnixMilli(ms).UTC()
	}
	return expiresAt, string(v[8:]), nil
}

// upperBound returns the smallest key greater than every key with prefix p.
func upperBound(p []byte) []byte {
	end := bytes.Clone(p)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// scan visits the live rows of a partition in (due, id) order until fn returns false.
func (s *MessageStore) scan(queue, shard string, now time.Time, fn func(row *store.Row) bool) error {
	prefix := partitionPrefix(queue, shard)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		due, id, err := decodeKey(iter.Key(), len(prefix))
		if err != nil {
			return err
		}
		expiresAt, msg, err := decodeValue(iter.Value())
		if err != nil {
			return err
		}
		row := &store.Row{Queue: queue, Shard: shard, Due: due, ID: id, Message: msg, ExpiresAt: expiresAt}
		if row.Expired(now) {
			continue
		}
		if !fn(row) {
			break
		}
	}
	return iter.Error()
}

// Insert writes a row. A second write of the same key replaces the first.
func (s *MessageStore) Insert(ctx context.Context, row *store.Row) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}

	if err := s.db.Set(rowKey(row.Key()), encodeValue(row), s.write); err != nil {
		return store.Wrap("insert message", err)
	}
	return nil
}

// FirstDue returns the earliest live row due before now.
func (s *MessageStore) FirstDue(ctx context.Context, queue, shard string, now time.Time) (*store.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	var first *store.Row
	err := s.scan(queue, shard, now, func(row *store.Row) bool {
		if row.Due.Before(now) {
			first = row
		}
		return false
	})
	if err != nil {
		return nil, store.Wrap("scan first due", err)
	}
	return first, nil
}

// Delete removes the row with exactly this key.
func (s *MessageStore) Delete(ctx context.Context, key store.Key) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}

	if err := s.db.Delete(rowKey(key), s.write); err != nil {
		return store.Wrap("delete message", err)
	}
	return nil
}

// CountAll returns the number of live rows in the partition.
func (s *MessageStore) CountAll(ctx context.Context, queue, shard string, now time.Time) (int64, error) {
	return s.count(queue, shard, now, false)
}

// CountDue returns the number of live rows in the partition due before now.
func (s *MessageStore) CountDue(ctx context.Context, queue, shard string, now time.Time) (int64, error) {
	return s.count(queue, shard, now, true)
}

func (s *MessageStore) count(queue, shard string, now time.Time, dueOnly bool) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, store.ErrClosed
	}

	var n int64
	err := s.scan(queue, shard, now, func(row *store.Row) bool {
		if dueOnly && !row.Due.Before(now) {
			return false
		}
		n++
		return true
	})
	if err != nil {
		return 0, store.Wrap("count messages", err)
	}
	return n, nil
}

// Purge deletes every row expired at now.
func (s *MessageStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, store.ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefixMessages, UpperBound: upperBound(prefixMessages)})
	if err != nil {
		return 0, store.Wrap("purge messages", err)
	}
	defer iter.Close()

	batch := s.db.NewBatch()
	defer batch.Close()

	var purged int64
	for valid := iter.First(); valid; valid = iter.Next() {
		expiresAt, _, err := decodeValue(iter.Value())
		if err != nil {
			return 0, store.Wrap("purge messages", err)
		}
		if expiresAt.IsZero() || now.Before(expiresAt) {
			continue
		}
		if err := batch.Delete(bytes.Clone(iter.Key()), nil); err != nil {
			return 0, store.Wrap("purge messages", err)
		}
		purged++
	}
	if err := iter.Error(); err != nil {
		return 0, store.Wrap("purge messages", err)
	}

	if purged == 0 {
		return 0, nil
	}
	if err := batch.Commit(s.write); err != nil {
		return 0, store.Wrap("purge messages", err)
	}
	return purged, nil
}

// Close closes the database. Later calls fail with store.ErrClosed.
func (s *MessageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
