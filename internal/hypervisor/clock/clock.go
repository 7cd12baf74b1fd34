// Package clock provides the monotonic time source shared by every hypervisor component.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock reports monotonic time as the elapsed duration since the clock's epoch.
// Values from one Clock are comparable with each other and never go backwards.
type Clock interface {
	Now() time.Duration
}

// Shared is a Clock that other processes can reproduce with FromBase.
type Shared interface {
	Clock
	Base() time.Duration
}

// Monotonic reads the system-wide monotonic clock relative to a base. Two
// processes built with the same base agree on Now, which lets a partition
// judge the age of a value the hypervisor stamped.
type Monotonic struct {
	base time.Duration
}

// NewMonotonic starts a monotonic clock at zero.
func NewMonotonic() *Monotonic {
	return &Monotonic{base: raw()}
}

// FromBase rebuilds a clock created in another process from its Base.
func FromBase(base time.Duration) *Monotonic {
	return &Monotonic{base: base}
}

// Now returns the elapsed monotonic time since the base.
func (m *Monotonic) Now() time.Duration {
	return raw() - m.base
}

// Base returns the raw monotonic reading the clock counts from.
func (m *Monotonic) Base() time.Duration {
	return m.base
}

// Manual is a Clock driven explicitly by tests.
type Manual struct {
	now atomic.Int64
}

// NewManual creates a manual clock positioned at start.
func NewManual(start time.Duration) *Manual {
	m := &Manual{}
	m.now.Store(int64(start))
	return m
}

// Now returns the current manual time.
func (m *Manual) Now() time.Duration {
	return time.Duration(m.now.Load())
}

// Set moves the clock to t. Moving backwards is ignored.
func (m *Manual) Set(t time.Duration) {
	for {
		cur := m.now.Load()
		if int64(t) <= cur {
			return
		}
		if m.now.CompareAndSwap(cur, int64(t)) {
			return
		}
	}
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Duration {
	if d < 0 {
		return m.Now()
	}
	return time.Duration(m.now.Add(int64(d)))
}
