// Package storetest holds behaviour checks shared by every store.MessageStore backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"delayq/internal/store"
)

// Factory creates an empty store for one test. The store is closed by the caller.
type Factory func(t *testing.T) store.MessageStore

// base is a fixed reference time; backends must not depend on the wall clock.
var base = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

// Run exercises the storage contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("FirstDueEmpty", func(t *testing.T) { testFirstDueEmpty(t, newStore) })
	t.Run("OrderByDueThenID", func(t *testing.T) { testOrder(t, newStore) })
	t.Run("DueIsStrict", func(t *testing.T) { testDueIsStrict(t, newStore) })
	t.Run("DeleteByFullKey", func(t *testing.T) { testDelete(t, newStore) })
	t.Run("PartitionsAreIsolated", func(t *testing.T) { testPartitions(t, newStore) })
	t.Run("Counts", func(t *testing.T) { testCounts(t, newStore) })
	t.Run("ExpiredRowsHidden", func(t *testing.T) { testExpiry(t, newStore) })
}

func open(t *testing.T, newStore Factory) (store.MessageStore, context.Context) {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s, context.Background()
}

func row(queue, shard string, due time.Time, id, msg string) *store.Row {
	return &store.Row{Queue: queue, Shard: shard, Due: due, ID: id, Message: msg}
}

func mustInsert(t *testing.T, s store.MessageStore, r *store.Row) {
	t.Helper()
	if err := s.Insert(context.Background(), r); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
}

func testFirstDueEmpty(t *testing.T, newStore Factory) {
	s, ctx := open(t, newStore)

	got, err := s.FirstDue(ctx, "q", "0", base)
	if err != nil {
		t.Fatalf("FirstDue error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil row from empty partition, got %+v", got)
	}
}

func testOrder(t *testing.T, newStore Factory) {
	s, ctx := open(t, newStore)

	mustInsert(t, s, row("q", "1", base.Add(-time.Second), "0002", "second"))
	mustInsert(t, s, row("q", "1", base.Add(-time.Second), "0001", "first"))
	mustInsert(t, s, row("q", "1", base.Add(-2*time.Minute), "0009", "oldest"))

	want := []string{"oldest", "first", "second"}
	for _, w := range want {
		got, err := s.FirstDue(ctx, "q", "1", base)
		if err != nil {
			t.Fatalf("FirstDue error: %v", err)
		}
		if got == nil {
			t.Fatalf("expected %q, got nil", w)
		}
		if got.Message != w {
			t.Fatalf("FirstDue message = %q, want %q", got.Message, w)
		}
		if err := s.Delete(ctx, got.Key()); err != nil {
			t.Fatalf("Delete error: %v", err)
		}
	}
}

func testDueIsStrict(t *testing.T, newStore Factory) {
	s, ctx := open(t, newStore)

	mustInsert(t, s, row("q", "0", base, "0001", "now"))

	got, err := s.FirstDue(ctx, "q", "0", base)
	if err != nil {
		t.Fatalf("FirstDue error: %v", err)
	}
	if got != nil {
		t.Errorf("row due exactly at now must not be returned")
	}

	got, err = s.FirstDue(ctx, "q", "0", base.Add(time.Second))
	if err != nil {
		t.Fatalf("FirstDue error: %v", err)
	}
	if got == nil || got.Message != "now" {
		t.Errorf("expected row once due has passed, got %+v", got)
	}
}

func testDelete(t *testing.T, newStore Factory) {
	s, ctx := open(t, newStore)

	r := row("q", "2", base.Add(-time.Minute), "0001", "payload")
	mustInsert(t, s, r)

	// A key differing only in id must not remove the row.
	other := r.Key()
	other.ID = "0002"
	if err := s.Delete(ctx, other); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if n, _ := s.CountAll(ctx, "q", "2", base); n != 1 {
		t.Fatalf("CountAll after unrelated delete = %d, want 1", n)
	}

	if err := s.Delete(ctx, r.Key()); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if n, _ := s.CountAll(ctx, "q", "2", base); n != 0 {
		t.Errorf("CountAll after delete = %d, want 0", n)
	}

	// Deleting again is not an error.
	if err := s.Delete(ctx, r.Key()); err != nil {
		t.Errorf("second Delete error: %v", err)
	}
}

func testPartitions(t *testing.T, newStore Factory) {
	s, ctx := open(t, newStore)

	mustInsert(t, s, row("a", "0", base.Add(-time.Minute), "0001", "a0"))
	mustInsert(t, s, row("a", "1", base.Add(-time.Minute), "0002", "a1"))
	mustInsert(t, s, row("b", "0", base.Add(-time.Minute), "0003", "b0"))

	got, err := s.FirstDue(ctx, "a", "1", base)
	if err != nil {
		t.Fatalf("FirstDue error: %v", err)
	}
	if got == nil || got.Message != "a1" {
		t.Fatalf("FirstDue(a,1) = %+v, want a1", got)
	}
	if got.Queue != "a" || got.Shard != "1" || got.ID != "0002" || !got.Due.Equal(base.Add(-time.Minute)) {
		t.Errorf("row fields not round-tripped: %+v", got)
	}

	if n, _ := s.CountAll(ctx, "b", "1", base); n != 0 {
		t.Errorf("CountAll(b,1) = %d, want 0", n)
	}
}

func testCounts(t *testing.T, newStore Factory) {
	s, ctx := open(t, newStore)

	mustInsert(t, s, row("q", "3", base.Add(-time.Minute), "0001", "due"))
	mustInsert(t, s, row("q", "3", base.Add(-time.Second), "0002", "due"))
	mustInsert(t, s, row("q", "3", base.Add(time.Minute), "0003", "pending"))

	all, err := s.CountAll(ctx, "q", "3", base)
	if err != nil {
		t.Fatalf("CountAll error: %v", err)
	}
	due, err := s.CountDue(ctx, "q", "3", base)
	if err != nil {
		t.Fatalf("CountDue error: %v", err)
	}
	if all != 3 || due != 2 {
		t.Errorf("counts = %d/%d (due/all), want 2/3", due, all)
	}
}

func testExpiry(t *testing.T, newStore Factory) {
	s, ctx := open(t, newStore)

	expired := row("q", "0", base.Add(-10*time.Minute), "0001", "expired")
	expired.ExpiresAt = base.Add(-time.Minute)
	live := row("q", "0", base.Add(-5*time.Minute), "0002", "live")
	live.ExpiresAt = base.Add(time.Hour)
	mustInsert(t, s, expired)
	mustInsert(t, s, live)

	got, err := s.FirstDue(ctx, "q", "0", base)
	if err != nil {
		t.Fatalf("FirstDue error: %v", err)
	}
	if got == nil || got.Message != "live" {
		t.Fatalf("FirstDue = %+v, want the live row", got)
	}
	if n, _ := s.CountAll(ctx, "q", "0", base); n != 1 {
		t.Errorf("CountAll = %d, want 1", n)
	}

	if p, ok := s.(store.Purger); ok {
		n, err := p.Purge(ctx, base)
		if err != nil {
			t.Fatalf("Purge error: %v", err)
		}
		if n != 1 {
			t.Errorf("Purge removed %d rows, want 1", n)
		}
	}
}
