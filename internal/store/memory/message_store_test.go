package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"delayq/internal/store"
	"delayq/internal/store/storetest"
)

func TestMessageStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.MessageStore {
		return NewMessageStore()
	})
}

func TestMessageStore_InsertSameKeyOverwrites(t *testing.T) {
	s := NewMessageStore()
	ctx := context.Background()
	due := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	_ = s.Insert(ctx, &store.Row{Queue: "q", Shard: "0", Due: due, ID: "1", Message: "a"})
	_ = s.Insert(ctx, &store.Row{Queue: "q", Shard: "0", Due: due, ID: "1", Message: "b"})

	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	got, _ := s.FirstDue(ctx, "q", "0", due.Add(time.Second))
	if got == nil || got.Message != "b" {
		t.Errorf("FirstDue = %+v, want message b", got)
	}
}

func TestMessageStore_ReturnsCopies(t *testing.T) {
	s := NewMessageStore()
	ctx := context.Background()
	due := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	r := &store.Row{Queue: "q", Shard: "0", Due: due, ID: "1", Message: "original"}
	_ = s.Insert(ctx, r)
	r.Message = "mutated"

	got, _ := s.FirstDue(ctx, "q", "0", due.Add(time.Second))
	if got.Message != "original" {
		t.Errorf("stored row changed with caller's copy: %q", got.Message)
	}
}

func TestMessageStore_Closed(t *testing.T) {
	s := NewMessageStore()
	_ = s.Close()

	err := s.Insert(context.Background(), &store.Row{Queue: "q", Shard: "0"})
	if !errors.Is(err, store.ErrStorage) {
		t.Errorf("Insert after Close error = %v, want ErrStorage", err)
	}
	if _, err := s.CountAll(context.Background(), "q", "0", time.Now()); !errors.Is(err, store.ErrClosed) {
		t.Errorf("CountAll after Close error = %v, want ErrClosed", err)
	}
}

func TestMessageStore_Clear(t *testing.T) {
	s := NewMessageStore()
	ctx := context.Background()

	_ = s.Insert(ctx, &store.Row{Queue: "q", Shard: "0", Due: time.Now(), ID: "1"})
	s.Clear()

	if s.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", s.Len())
	}
}
