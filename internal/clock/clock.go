// Package clock abstracts wall-clock reads so producer and consumer processes
// can each carry their own, possibly skewed, notion of now.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Func adapts a plain function to Clock.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time { return f() }

// System returns the machine wall clock.
func System() Clock {
	return Func(time.Now)
}

// Skewed is a clock that runs Offset ahead of (or, if negative, behind) Base.
type Skewed struct {
	Base   Clock
	Offset time.Duration
}

// Now returns Base.Now() shifted by Offset.
func (s Skewed) Now() time.Time {
	base := s.Base
	if base == nil {
		base = System()
	}
	return base.Now().Add(s.Offset)
}

// Manual is a clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManual creates a manual clock set to t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
