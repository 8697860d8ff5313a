// Package memory provides an in-memory implementation of store.MessageStore.
// It is useful for testing and development without external dependencies.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"delayq/internal/store"
)

// MessageStore keeps each partition as a slice sorted by (due, id).
// Expiry is checked on access (lazy expiration) and on Purge.
type MessageStore struct {
	mu sync.RWMutex

	// partitions stores rows keyed by "queue\x00shard"
	partitions map[string][]*store.Row

	closed bool
}

// NewMessageStore creates a new in-memory message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		partitions: make(map[string][]*store.Row),
	}
}

// partitionKey generates the key for partition lookup.
func partitionKey(queue, shard string) string {
	return queue + "\x00" + shard
}

// Insert writes a row into its partition, keeping the partition ordered.
func (s *MessageStore) Insert(ctx context.Context, row *store.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}

	// Store a copy to prevent external modification
	rowCopy := *row
	key := partitionKey(row.Queue, row.Shard)
	rows := s.partitions[key]

	i := sort.Search(len(rows), func(i int) bool { return !store.Less(rows[i], &rowCopy) })
	if i < len(rows) && rows[i].Due.Equal(rowCopy.Due) && rows[i].ID == rowCopy.ID {
		// Same full key: last write wins, as with a column store upsert.
		rows[i] = &rowCopy
		return nil
	}

	rows = append(rows, nil)
	copy(rows[i+1:], rows[i:])
	rows[i] = &rowCopy
	s.partitions[key] = rows
	return nil
}

// FirstDue returns the earliest live row due strictly before now.
func (s *MessageStore) FirstDue(ctx context.Context, queue, shard string, now time.Time) (*store.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}

	for _, row := range s.partitions[partitionKey(queue, shard)] {
		if !row.Due.Before(now) {
			// Rows are ordered by due; nothing later can be due either.
			return nil, nil
		}
		if row.Expired(now) {
			continue
		}
		result := *row
		return &result, nil
	}
	return nil, nil
}

// Delete removes the row with exactly this key.
func (s *MessageStore) Delete(ctx context.Context, key store.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}

	pk := partitionKey(key.Queue, key.Shard)
	rows := s.partitions[pk]
	for i, row := range rows {
		if row.Due.Equal(key.Due) && row.ID == key.ID {
			s.partitions[pk] = append(rows[:i], rows[i+1:]...)
			if len(s.partitions[pk]) == 0 {
				delete(s.partitions, pk)
			}
			return nil
		}
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
	for _, row := range s.partitions[partitionKey(queue, shard)] {
		if row.Expired(now) {
			continue
		}
		if dueOnly && !row.Due.Before(now) {
			break
		}
		n++
	}
	return n, nil
}

// Purge drops every row expired at now.
func (s *MessageStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, store.ErrClosed
	}

	var purged int64
	for pk, rows := range s.partitions {
		kept := rows[:0]
		for _, row := range rows {
			if row.Expired(now) {
				purged++
				continue
			}
			kept = append(kept, row)
		}
		if len(kept) == 0 {
			delete(s.partitions, pk)
			continue
		}
		s.partitions[pk] = kept
	}
	return purged, nil
}

// Close marks the store closed. Later calls fail with store.ErrClosed.
func (s *MessageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// --- Test Helpers ---

// Len returns the number of stored rows, expired or not, across all partitions.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rows := range s.partitions {
		n += len(rows)
	}
	return n
}

// Clear removes all data from the store. Useful for test cleanup.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.partitions = make(map[string][]*store.Row)
}
