// Package redis provides a Redis-backed store.MessageStore.
//
// Each (queue, shard) partition is three keys: a sorted set ordering members
// by due time, a hash holding the payload of each member, and a sorted set of
// expiry times. Members are "<due ms>:<id>", so members with equal due sort by id.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"delayq/internal/config"
	"delayq/internal/store"
)

// Key prefixes and suffixes for the data types in Redis.
const (
	prefixQueue   = "delayq:"
	keyPartitions = "delayq:partitions"
	suffixDue     = ":due"
	suffixMessage = ":msg"
	suffixExpiry  = ":exp"
)

// firstDuePage is how many candidates FirstDue reads per round trip.
const firstDuePage = 16

// MessageStore implements store.MessageStore using Redis.
// Expired rows are hidden from reads and removed by Purge.
type MessageStore struct {
	client *redis.Client
}

// NewMessageStore creates a new Redis-backed message store.
func NewMessageStore(cfg *config.RedisConfig) (*MessageStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &MessageStore{client: client}, nil
}

// NewMessageStoreFromClient wraps an existing client.
func NewMessageStoreFromClient(client *redis.Client) *MessageStore {
	return &MessageStore{client: client}
}

// record is the hash value stored per member.
type record struct {
	Message   string `json:"message"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix ms, 0 for never
}

// partitionKey generates the base key of a partition.
func partitionKey(queue, shard string) string {
	return prefixQueue + queue + ":" + shard
}

// member encodes the clustering key. The due part is zero padded so that
// members with the same score compare by id.
func member(due time.Time, id string) string {
	return fmt.Sprintf("%013d:%s", due.UnixMilli(), id)
}

func parseMember(m string) (time.Time, string, error) {
	ms, id, ok := strings.Cut(m, ":")
	if !ok {
		return time.Time{}, "", fmt.Errorf("malformed member %q", m)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed member %q: %w", m, err)
	}
	return time.UnixMilli(n).UTC(), id, nil
}

// beforeBound returns the exclusive score bound matching "due < now".
func beforeBound(now time.Time) string {
	ms := now.UnixMilli()
	if now.Nanosecond()%int(time.Millisecond) != 0 {
		ms++
	}
	return "(" + strconv.FormatInt(ms, 10)
}

// expiredBound returns the inclusive score bound matching "expires_at <= now".
func expiredBound(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}

// Insert writes a row. A second write of the same key replaces the first.
func (s *MessageStore) Insert(ctx context.Context, row *store.Row) error {
	pk := partitionKey(row.Queue, row.Shard)
	m := member(row.Due, row.ID)

	rec := record{Message: row.Message}
	if !row.ExpiresAt.IsZero() {
		rec.ExpiresAt = row.ExpiresAt.UnixMilli()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, pk+suffixDue, redis.Z{Score: float64(row.Due.UnixMilli()), Member: m})
		pipe.HSet(ctx, pk+suffixMessage, m, data)
		if rec.ExpiresAt != 0 {
			pipe.ZAdd(ctx, pk+suffixExpiry, redis.Z{Score: float64(rec.ExpiresAt), Member: m})
		} else {
			pipe.ZRem(ctx, pk+suffixExpiry, m)
		}
		pipe.SAdd(ctx, keyPartitions, pk)
		return nil
	})
	if err != nil {
		return store.Wrap("insert message", err)
	}

	return nil
}

// FirstDue returns the earliest live row due before now.
func (s *MessageStore) FirstDue(ctx context.Context, queue, shard string, now time.Time) (*store.Row, error) {
	pk := partitionKey(queue, shard)
	nowMs := now.UnixMilli()

	for offset := int64(0); ; offset += firstDuePage {
		members, err := s.client.ZRangeByScore(ctx, pk+suffixDue, &redis.ZRangeBy{
			Min:    "-inf",
			Max:    beforeBound(now),
			Offset: offset,
			Count:  firstDuePage,
		}).Result()
		if err != nil {
			return nil, store.Wrap("range due members", err)
		}
		if len(members) == 0 {
			return nil, nil
		}

		values, err := s.client.HMGet(ctx, pk+suffixMessage, members...).Result()
		if err != nil {
			return nil, store.Wrap("get messages", err)
		}

		for i, m := range members {
			raw, ok := values[i].(string)
			if !ok {
				// Deleted between the two reads.
				continue
			}
			var rec record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return nil, store.Wrap("unmarshal message", err)
			}
			if rec.ExpiresAt != 0 && rec.ExpiresAt <= nowMs {
				continue
			}

			due, id, err := parseMember(m)
			if err != nil {
				return nil, store.Wrap("parse member", err)
			}
			row := &store.Row{Queue: queue, Shard: shard, Due: due, ID: id, Message: rec.Message}
			if rec.ExpiresAt != 0 {
				row.ExpiresAt = time.UnixMilli(rec.ExpiresAt).UTC()
			}
			return row, nil
		}

		if len(members) < firstDuePage {
			return nil, nil
		}
	}
}

// Delete removes the row with exactly this key.
func (s *MessageStore) Delete(ctx context.Context, key store.Key) error {
	pk := partitionKey(key.Queue, key.Shard)
	m := member(key.Due, key.ID)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, pk+suffixDue, m)
		pipe.ZRem(ctx, pk+suffixExpiry, m)
		pipe.HDel(ctx, pk+suffixMessage, m)
		return nil
	})
	if err != nil {
		return store.Wrap("delete message", err)
	}

	return nil
}

// CountAll returns the number of live rows in the partition.
func (s *MessageStore) CountAll(ctx context.Context, queue, shard string, now time.Time) (int64, error) {
	pk := partitionKey(queue, shard)

	total, err := s.client.ZCard(ctx, pk+suffixDue).Result()
	if err != nil {
		return 0, store.Wrap("count members", err)
	}
	expired, err := s.client.ZCount(ctx, pk+suffixExpiry, "-inf", expiredBound(now)).Result()
	if err != nil {
		return 0, store.Wrap("count expired members", err)
	}

	return max(total-expired, 0), nil
}

// CountDue returns the number of live rows in the partition due before now.
func (s *MessageStore) CountDue(ctx context.Context, queue, shard string, now time.Time) (int64, error) {
	pk := partitionKey(queue, shard)

	due, err := s.client.ZCount(ctx, pk+suffixDue, "-inf", beforeBound(now)).Result()
	if err != nil {
		return 0, store.Wrap("count due members", err)
	}

	// Expired members are few once the sweeper runs; subtract the due ones.
	expired, err := s.client.ZRangeByScore(ctx, pk+suffixExpiry, &redis.ZRangeBy{
		Min: "-inf",
		Max: expiredBound(now),
	}).Result()
	if err != nil {
		return 0, store.Wrap("range expired members", err)
	}
	for _, m := range expired {
		d, _, err := parseMember(m)
		if err != nil {
			return 0, store.Wrap("parse member", err)
		}
		if d.Before(now) {
			due--
		}
	}

	return max(due, 0), nil
}

// Purge deletes every row expired at now across all partitions.
func (s *MessageStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	partitions, err := s.client.SMembers(ctx, keyPartitions).Result()
	if err != nil {
		return 0, store.Wrap("list partitions", err)
	}

	var purged int64
	for _, pk := range partitions {
		expired, err := s.client.ZRangeByScore(ctx, pk+suffixExpiry, &redis.ZRangeBy{
			Min: "-inf",
			Max: expiredBound(now),
		}).Result()
		if err != nil {
			return purged, store.Wrap("range expired members", err)
		}
		if len(expired) == 0 {
			continue
		}

		members := make([]interface{}, len(expired))
		for i, m := range expired {
			members[i] = m
		}

		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, pk+suffixDue, members...)
			pipe.ZRem(ctx, pk+suffixExpiry, members...)
			pipe.HDel(ctx, pk+suffixMessage, expired...)
			return nil
		})
		if err != nil {
			return purged, store.Wrap("purge messages", err)
		}
		purged += int64(len(expired))
	}

	return purged, nil
}

// Close closes the Redis connection.
func (s *MessageStore) Close() error {
	return s.client.Close()
}
