// Package delayq implements the delay queue protocol on top of store.MessageStore.
//
// Producers write each message into the shard derived from the producer's clock.
// Consumers poll the shard derived from their own clock, which trails the
// producer shard by two, read the earliest due row and delete it. Read and
// delete are separate storage calls: delivery is at-least-once and concurrent
// consumers on the same shard may both deliver a message.
//
// Every operation has two forms. PutMessage, TakeMessage, CountAllRows and
// CountDueRows return errors; Put, Take, CountAll and CountDue log failures and
// map them to the sentinels false, empty and -1 for poll loops and dashboards.
package delayq

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"delayq/internal/clock"
	"delayq/internal/shard"
	"delayq/internal/store"
)

// Op names a queue operation in errors and logs.
type Op string

const (
	OpPut      Op = "put"
	OpTake     Op = "take"
	OpDelete   Op = "delete"
	OpCountAll Op = "count_all"
	OpCountDue Op = "count_due"
)

// Validation errors.
var (
	ErrEmptyQueueName = errors.New("queue name is required")
	ErrShardRange     = errors.New("shard index out of range")
)

// OpError describes a failed queue operation.
type OpError struct {
	Op    Op
	Queue string
	Shard string
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Queue, e.Shard, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Delivery is a message removed from the queue by a consumer.
type Delivery struct {
	Queue   string
	Shard   string
	Due     time.Time
	ID      string
	Message string
	TakenAt time.Time
}

// IDFunc generates unique, time-ordered row identifiers.
type IDFunc func() (string, error)

// NewID returns a UUIDv7 string. Its text form sorts by creation time.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Client is a queue client bound to one store. It holds no process-wide state;
// each process constructs its own.
type Client struct {
	store         store.MessageStore
	calc          *shard.Calculator
	producerClock clock.Clock
	consumerClock clock.Clock
	ids           IDFunc
	grace         time.Duration
	expire        bool
	logger        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithProducerClock sets the clock used to pick the shard on put.
func WithProducerClock(c clock.Clock) Option {
	return func(cl *Client) { cl.producerClock = c }
}

// WithConsumerClock sets the clock used to pick the shard and "now" on take.
func WithConsumerClock(c clock.Clock) Option {
	return func(cl *Client) { cl.consumerClock = c }
}

// WithClock sets both clocks.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) {
		cl.producerClock = c
		cl.consumerClock = c
	}
}

// WithIDs replaces the row id generator.
func WithIDs(f IDFunc) Option {
	return func(cl *Client) { cl.ids = f }
}

// WithGrace sets how long rows outlive one consumer rotation past their due time.
func WithGrace(d time.Duration) Option {
	return func(cl *Client) { cl.grace = d }
}

// WithoutExpiry writes rows that never expire.
func WithoutExpiry() Option {
	return func(cl *Client) { cl.expire = false }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a client.
func New(s store.MessageStore, calc *shard.Calculator, opts ...Option) *Client {
	c := &Client{
		store:         s,
		calc:          calc,
		producerClock: clock.System(),
		consumerClock: clock.System(),
		ids:           NewID,
		grace:         60 * time.Second,
		expire:        true,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Shards returns the shard calculator.
func (c *Client) Shards() *shard.Calculator {
	return c.calc
}

// expiry returns when a row due at due may be purged.
func (c *Client) expiry(due time.Time) time.Time {
	if !c.expire {
		return time.Time{}
	}
	return due.Add(c.calc.Rotation() + c.grace)
}

func (c *Client) label(shardIdx int) (string, error) {
	if shardIdx < 0 || shardIdx >= c.calc.Count() {
		return "", fmt.Errorf("%w: %d not in [0, %d)", ErrShardRange, shardIdx, c.calc.Count())
	}
	return shard.Label(shardIdx), nil
}
