// Package clock provides the local time source for optimistic messages and
// the total order used for every message list.
//
// Locally created messages are stamped by the client clock. Two rules keep
// those stamps usable for ordering:
//
//	tick: every stamp is strictly greater than the previous one, even
//	    if the wall clock steps backward or two sends land in the same
//	    millisecond.
//	resolution: stamps are truncated to milliseconds, the resolution
//	    of server timestamps.
//
// The total order Less breaks createdAt ties by message identity, giving
// every component the same ordering without coordination.
package clock

import (
	"sync"
	"time"
)

// Source yields the current time.
type Source interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

// Now returns time.Now in UTC.
func (System) Now() time.Time { return time.Now().UTC() }

// Monotonic wraps a Source and applies both rules. Safe for concurrent use.
type Monotonic struct {
	mu   sync.Mutex
	src  Source
	last time.Time
}

// NewMonotonic returns a Monotonic clock over src (System when nil).
func NewMonotonic(src Source) *Monotonic {
	if src == nil {
		src = System{}
	}
	return &Monotonic{src: src}
}

// Now returns the next stamp: max(source, last+1ms), truncated to ms.
func (m *Monotonic) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.src.Now().Truncate(time.Millisecond)
	if !m.last.IsZero() && !t.After(m.last) {
		t = m.last.Add(time.Millisecond)
	}
	m.last = t
	return t
}

// Last returns the most recent stamp without advancing the clock.
func (m *Monotonic) Last() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Manual is a settable Source for tests and simulations.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock reading t.
func NewManual(t time.Time) *Manual { return &Manual{now: t} }

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t, backward or forward.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Less defines the deterministic total order over messages. Message A sorts
// before B if:
//
//	createdA < createdB, or
//	createdA == createdB and idA < idB (lexicographic)
func Less(createdA time.Time, idA string, createdB time.Time, idB string) bool {
	if !createdA.Equal(createdB) {
		return createdA.Before(createdB)
	}
	return idA < idB
}

// Within reports whether a and b are at most window apart.
func Within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}
