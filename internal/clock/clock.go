package clock

import (
	"sync"
	"time"
)

// Clock supplies the current wall-clock instant. It is the only
// non-deterministic input of the time advancement core.
type Clock interface {
	Now() time.Time
}

type Func func() time.Time

func (f Func) Now() time.Time {
	return f()
}

type system struct{}

func (system) Now() time.Time {
	return time.Now().UTC()
}

// System returns the real UTC clock.
func System() Clock {
	return system{}
}

// Fixed always reports the same instant.
func Fixed(t time.Time) Clock {
	return Func(func() time.Time { return t })
}

// Manual is a settable clock for tests and replay tools.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock by d, which may be negative to simulate skew.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}
