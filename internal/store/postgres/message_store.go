package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"delayq/internal/store"
)

// MessageStore implements store.MessageStore using PostgreSQL.
// Expired rows are hidden from reads and removed by Purge.
type MessageStore struct {
	db *DB
}

// NewMessageStore creates a new PostgreSQL message store. The store owns db
// and closes it on Close.
func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

// Insert upserts a row. A second write of the same key replaces the first.
func (s *MessageStore) Insert(ctx context.Context, row *store.Row) error {
	query := `
		INSERT INTO queue_messages (name, shard, due, id, message, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name, shard, due, id)
		DO UPDATE SET message = EXCLUDED.message, expires_at = EXCLUDED.expires_at
	`

	_, err := s.db.pool.Exec(ctx, query,
		row.Queue, row.Shard, row.Due, row.ID, row.Message, nullTime(row.ExpiresAt),
	)
	if err != nil {
		return store.Wrap("insert message", err)
	}

	return nil
}

// FirstDue returns the earliest live row due before now.
func (s *MessageStore) FirstDue(ctx context.Context, queue, shard string, now time.Time) (*store.Row, error) {
	query := `
		SELECT due, id, message, expires_at
		FROM queue_messages
		WHERE name = $1 AND shard = $2 AND due < $3
			AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY due, id
		LIMIT 1
	`

	row := &store.Row{Queue: queue, Shard: shard}
	var expiresAt *time.Time

	err := s.db.pool.QueryRow(ctx, query, queue, shard, now).Scan(
		&row.Due, &row.ID, &row.Message, &expiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, store.Wrap("select first due", err)
	}

	row.Due = row.Due.UTC()
	if expiresAt != nil {
		row.ExpiresAt = expiresAt.UTC()
	}

	return row, nil
}

// Delete removes the row with exactly this key.
func (s *MessageStore) Delete(ctx context.Context, key store.Key) error {
	query := `DELETE FROM queue_messages WHERE name = $1 AND shard = $2 AND due = $3 AND id = $4`

	if _, err := s.db.pool.Exec(ctx, query, key.Queue, key.Shard, key.Due, key.ID); err != nil {
		return store.Wrap("delete message", err)
	}

	return nil
}

// CountAll returns the number of live rows in the partition.
func (s *MessageStore) CountAll(ctx context.Context, queue, shard string, now time.Time) (int64, error) {
	query := `
		SELECT count(*) FROM queue_messages
		WHERE name = $1 AND shard = $2
			AND (expires_at IS NULL OR expires_at > $3)
	`
	return s.count(ctx, query, queue, shard, now)
}

// CountDue returns the number of live rows in the partition due before now.
func (s *MessageStore) CountDue(ctx context.Context, queue, shard string, now time.Time) (int64, error) {
	query := `
		SELECT count(*) FROM queue_messages
		WHERE name = $1 AND shard = $2 AND due < $3
			AND (expires_at IS NULL OR expires_at > $3)
	`
	return s.count(ctx, query, queue, shard, now)
}

func (s *MessageStore) count(ctx context.Context, query, queue, shard string, now time.Time) (int64, error) {
	var n int64
	if err := s.db.pool.QueryRow(ctx, query, queue, shard, now).Scan(&n); err != nil {
		return 0, store.Wrap("count messages", err)
	}
	return n, nil
}

// Purge deletes every row expired at now.
func (s *MessageStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM queue_messages WHERE expires_at IS NOT NULL AND expires_at <= $1`

	tag, err := s.db.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, store.Wrap("purge messages", err)
	}

	return tag.RowsAffected(), nil
}

// Close closes the connection pool.
func (s *MessageStore) Close() error {
	s.db.Close()
	return nil
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
