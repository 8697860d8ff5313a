package delayq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"delayq/internal/clock"
	"delayq/internal/shard"
	"delayq/internal/store"
	"delayq/internal/store/memory"
)

// base is 12:02 UTC: calendar minute timestamp mod 4 is 2, so the producer
// writes shard 2 and a consumer at the same minute polls shard 0.
var base = time.Date(2026, 10, 14, 12, 2, 0, 0, time.UTC)

var errBackend = errors.New("connection refused")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func fourShards() *shard.Calculator {
	c, err := shard.New(4, shard.FormatCalendar)
	if err != nil {
		panic(err)
	}
	return c
}

// sequentialIDs returns ids that sort in generation order.
func sequentialIDs() IDFunc {
	var n atomic.Int64
	return func() (string, error) {
		return fmt.Sprintf("id-%06d", n.Add(1)), nil
	}
}

// testSetup creates a client over an in-memory store with a manual clock at base.
func testSetup(opts ...Option) (*Client, *memory.MessageStore, *clock.Manual) {
	s := memory.NewMessageStore()
	clk := clock.NewManual(base)
	opts = append([]Option{WithClock(clk), WithIDs(sequentialIDs()), WithLogger(testLogger())}, opts...)
	return New(s, fourShards(), opts...), s, clk
}

// failingStore fails the selected operations with a storage error.
type failingStore struct {
	store.MessageStore

	mu    sync.Mutex
	fails map[string]int // op -> remaining failures, -1 for always
}

func newFailingStore(next store.MessageStore) *failingStore {
	return &failingStore{MessageStore: next, fails: make(map[string]int)}
}

func (f *failingStore) failAlways(ops ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range ops {
		f.fails[op] = -1
	}
}

func (f *failingStore) failOnce(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[op] = 1
}

func (f *failingStore) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.fails[op]
	if !ok || n == 0 {
		return nil
	}
	if n > 0 {
		f.fails[op] = n - 1
	}
	return store.Wrap(op, errBackend)
}

func (f *failingStore) Insert(ctx context.Context, row *store.Row) error {
	if err := f.check(store.OpInsert); err != nil {
		return err
	}
	return f.MessageStore.Insert(ctx, row)
}

func (f *failingStore) FirstDue(ctx context.Context, queue, shard string, now time.Time) (*store.Row, error) {
	if err := f.check(store.OpFirstDue); err != nil {
		return nil, err
	}
	return f.MessageStore.FirstDue(ctx, queue, shard, now)
}

func (f *failingStore) Delete(ctx context.Context, key store.Key) error {
	if err := f.check(store.OpDelete); err != nil {
		return err
	}
	return f.MessageStore.Delete(ctx, key)
}

func (f *failingStore) CountAll(ctx context.Context, queue, shard string, now time.Time) (int64, error) {
	if err := f.check(store.OpCountAll); err != nil {
		return 0, err
	}
	return f.MessageStore.CountAll(ctx, queue, shard, now)
}

func (f *failingStore) CountDue(ctx context.Context, queue, shard string, now time.Time) (int64, error) {
	if err := f.check(store.OpCountDue); err != nil {
		return 0, err
	}
	return f.MessageStore.CountDue(ctx, queue, shard, now)
}

// barrierStore holds every FirstDue caller until n callers have read, so that
// all of them observe the partition before any delete runs.
type barrierStore struct {
	store.MessageStore
	arrived sync.WaitGroup
}

func newBarrierStore(next store.MessageStore, n int) *barrierStore {
	b := &barrierStore{MessageStore: next}
	b.arrived.Add(n)
	return b
}

func (b *barrierStore) FirstDue(ctx context.Context, queue, shard string, now time.Time) (*store.Row, error) {
	row, err := b.MessageStore.FirstDue(ctx, queue, shard, now)
	b.arrived.Done()
	b.arrived.Wait()
	return row, err
}
