// SPDX-License-Identifier: MIT

// Package clock provides the time source and the sun-event oracle.
package clock

import (
	"sync"
	"time"
)

// Clock is the process-wide time source. Components take it as an explicit
// dependency so tests can substitute a fixed or stepped time.
type Clock interface {
	Now() time.Time
}

// System reads the real wall clock.
type System struct{}

// Now returns the current instant.
func (System) Now() time.Time { return time.Now() }

// NowIn returns the current wall-clock time in the given zone.
func NowIn(c Clock, tz *time.Location) time.Time {
	return c.Now().In(tz)
}

// Fake is a settable clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake frozen at the given instant.
func NewFake(at time.Time) *Fake {
	return &Fake{now: at}
}

// Now returns the frozen instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// SetNow pins the fake clock to a new instant.
func (f *Fake) SetNow(at time.Time) {
	f.mu.Lock()
	f.now = at
	f.mu.Unlock()
}
