// Package scanner provides the pulse synchronization layer: a session
// clock, pulse sources (hardware counter or wall-clock emulation) and the
// PulseCounter that gates trial phases on TR boundaries.
package scanner

import "time"

// #region clock

// Clock is the session time base. Every wait in the trial loop sleeps
// through a Clock so that simulated sessions can run faster than realtime.
type Clock interface {
	// Elapsed returns time since the last Reset.
	Elapsed() time.Duration
	// Sleep pauses the calling goroutine for d.
	Sleep(d time.Duration)
	// Reset moves the zero point to now. Called once, at scan start.
	Reset()
}

// #endregion clock

// #region monotonic

// MonotonicClock is the real-time Clock, backed by the runtime's monotonic
// reading.
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock returns a running clock zeroed at now.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

func (c *MonotonicClock) Elapsed() time.Duration { return time.Since(c.start) }

func (c *MonotonicClock) Sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

func (c *MonotonicClock) Reset() { c.start = time.Now() }

// #endregion monotonic

// #region virtual

// VirtualClock advances only when Sleep is called. It drives simulated
// sessions and deterministic tests: a poll loop that sleeps 1 ms per tick
// sees exactly 1 ms of virtual time pass per iteration.
type VirtualClock struct {
	now time.Duration
}

// NewVirtualClock returns a virtual clock at zero.
func NewVirtualClock() *VirtualClock { return &VirtualClock{} }

func (c *VirtualClock) Elapsed() time.Duration { return c.now }

func (c *VirtualClock) Sleep(d time.Duration) {
	if d > 0 {
		c.now += d
	}
}

func (c *VirtualClock) Reset() { c.now = 0 }

// Advance moves virtual time forward without a sleeper, for test setup.
func (c *VirtualClock) Advance(d time.Duration) { c.now += d }

// #endregion virtual
