// Package cassandra provides a Cassandra-backed store.MessageStore.
package cassandra

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gocql/gocql"

	"delayq/internal/clock"
	"delayq/internal/config"
	"delayq/internal/store"
)

// pageSize bounds the rows fetched per page when skipping expired rows.
const pageSize = 64

// MessageStore implements store.MessageStore using Cassandra.
//
// Rows carry a native TTL derived from their expiry so the cluster reclaims
// them, and an expires_at column so reads hide them even when the caller's
// notion of now is ahead of the cluster's.
type MessageStore struct {
	session *gocql.Session
	wall    clock.Clock
}

// Option configures a MessageStore.
type Option func(*MessageStore)

// WithWallClock sets the clock TTLs are computed against.
func WithWallClock(c clock.Clock) Option {
	return func(s *MessageStore) { s.wall = c }
}

// NewSession connects to the cluster described by cfg.
func NewSession(cfg *config.CassandraConfig) (*gocql.Session, error) {
	consistency, err := gocql.ParseConsistencyWrapper(cfg.Consistency)
	if err != nil {
		return nil, fmt.Errorf("invalid cassandra consistency: %w", err)
	}

	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = consistency
	cluster.Timeout = cfg.Timeout
	cluster.ConnectTimeout = cfg.Timeout

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cassandra: %w", err)
	}

	return session, nil
}

// NewMessageStore creates a message store on session. The store owns the
// session and closes it on Close.
func NewMessageStore(session *gocql.Session, opts ...Option) *MessageStore {
	s := &MessageStore{session: session, wall: clock.System()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunMigrations creates the queue table in the session keyspace.
func RunMigrations(ctx context.Context, session *gocql.Session, gcGraceSeconds int) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS queue (
			name text,
			shard text,
			due timestamp,
			id text,
			message text,
			expires_at timestamp,
			PRIMARY KEY ((name, shard), due, id)
		)
		WITH CLUSTERING ORDER BY (due ASC, id ASC)
			AND gc_grace_seconds = %d
	`, gcGraceSeconds)

	if err := session.Query(schema).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// ttlSeconds returns the TTL matching expiresAt at now. 0 means no TTL.
func ttlSeconds(expiresAt, now time.Time) int {
	if expiresAt.IsZero() {
		return 0
	}
	secs := math.Ceil(expiresAt.Sub(now).Seconds())
	if secs < 1 {
		// Cassandra reads a TTL of 0 as "never"; the expires_at filter hides the row.
		return 1
	}
	return int(secs)
}

// Insert writes a row. A second write of the same key replaces the first.
func (s *MessageStore) Insert(ctx context.Context, row *store.Row) error {
	query := `
		INSERT INTO queue (name, shard, due, id, message, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		USING TTL ?
	`

	var expiresAt interface{}
	if !row.ExpiresAt.IsZero() {
		expiresAt = row.ExpiresAt
	}

	err := s.session.Query(query,
		row.Queue, row.Shard, row.Due, row.ID, row.Message, expiresAt,
		ttlSeconds(row.ExpiresAt, s.wall.Now()),
	).WithContext(ctx).Exec()
	if err != nil {
		return store.Wrap("insert message", err)
	}

	return nil
}

// FirstDue returns the earliest live row due before now.
func (s *MessageStore) FirstDue(ctx context.Context, queue, shard string, now time.Time) (*store.Row, error) {
	query := `SELECT due, id, message, expires_at FROM queue WHERE name = ? AND shard = ? AND due < ?`

	iter := s.session.Query(query, queue, shard, now).WithContext(ctx).PageSize(pageSize).Iter()

	var (
		due, expiresAt time.Time
		id, message    string
		found          *store.Row
	)
	for iter.Scan(&due, &id, &message, &expiresAt) {
		row := &store.Row{
			Queue:     queue,
			Shard:     shard,
			Due:       due.UTC(),
			ID:        id,
			Message:   message,
			ExpiresAt: utcOrZero(expiresAt),
		}
		if !row.Expired(now) {
			found = row
			break
		}
	}
	if err := iter.Close(); err != nil {
		return nil, store.Wrap("select first due", err)
	}

	return found, nil
}

// Delete removes the row with exactly this key.
func (s *MessageStore) Delete(ctx context.Context, key store.Key) error {
	query := `DELETE FROM queue WHERE name = ? AND shard = ? AND due = ? AND id = ?`

	if err := s.session.Query(query, key.Queue, key.Shard, key.Due, key.ID).WithContext(ctx).Exec(); err != nil {
		return store.Wrap("delete message", err)
	}

	return nil
}

// CountAll returns the number of live rows in the partition.
func (s *MessageStore) CountAll(ctx context.Context, queue, shard string, now time.Time) (int64, error) {
	query := `SELECT expires_at FROM queue WHERE name = ? AND shard = ?`
	return s.count(ctx, s.session.Query(query, queue, shard), now)
}

// CountDue returns the number of live rows in the partition due before now.
func (s *MessageStore) CountDue(ctx context.Context, queue, shard string, now time.Time) (int64, error) {
	query := `SELECT expires_at FROM queue WHERE name = ? AND shard = ? AND due < ?`
	return s.count(ctx, s.session.Query(query, queue, shard, now), now)
}

// count walks the partition instead of using count(*) so that rows expired
// by now but not yet by the cluster's TTL are left out.
func (s *MessageStore) count(ctx context.Context, q *gocql.Query, now time.Time) (int64, error) {
	iter := q.WithContext(ctx).PageSize(pageSize).Iter()

	var (
		n         int64
		expiresAt time.Time
	)
	for iter.Scan(&expiresAt) {
		if expiresAt.IsZero() || now.Before(expiresAt) {
			n++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, store.Wrap("count messages", err)
	}

	return n, nil
}

// Close closes the session.
func (s *MessageStore) Close() error {
	s.session.Close()
	return nil
}

func utcOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
