package scanner

import (
	"context"
	"time"
)

// #region pulse-counter

// PulseCounter tracks TR boundaries over a PulseSource. It keeps one
// baseline count; Drain and WaitForTR both move it, so together they
// partition the pulse stream exactly: no pulse is double-counted or lost.
//
// All blocking is a single poll loop on the session Clock. No goroutines.
type PulseCounter struct {
	source PulseSource
	clock  Clock
	poll   time.Duration
	last   int64
}

// NewPulseCounter captures the current count as the starting baseline.
// A failing hardware source is rejected here, before the session begins.
func NewPulseCounter(source PulseSource, clock Clock, poll time.Duration) (*PulseCounter, error) {
	n, err := source.ReadCount()
	if err != nil {
		return nil, err
	}
	if poll <= 0 {
		poll = time.Millisecond
	}
	return &PulseCounter{source: source, clock: clock, poll: poll, last: n}, nil
}

// #endregion pulse-counter

// #region drain

// Drain returns pulses accumulated since the last Drain or WaitForTR,
// resetting the baseline. Non-blocking; never negative. Call at most once
// per phase boundary, or pulses get attributed to the wrong phase.
func (c *PulseCounter) Drain() (int64, error) {
	curr, err := c.source.ReadCount()
	if err != nil {
		return 0, err
	}
	delta := curr - c.last
	if delta < 0 {
		delta = 0
	}
	c.last = curr
	return delta, nil
}

// #endregion drain

// #region wait-for-tr

// WaitForTR blocks until the count advances at least one full TR past the
// baseline, then returns the pulses actually observed on this wait (>= one
// TR's worth when the caller lagged). Cancelling ctx aborts the wait with
// ErrQuit.
func (c *PulseCounter) WaitForTR(ctx context.Context) (int64, error) {
	target := c.last + int64(c.source.PulsesPerTR())
	for {
		if ctx.Err() != nil {
			return 0, ErrQuit
		}
		curr, err := c.source.ReadCount()
		if err != nil {
			return 0, err
		}
		if curr >= target {
			delta := curr - c.last
			c.last = curr
			return delta, nil
		}
		c.clock.Sleep(c.poll)
	}
}

// #endregion wait-for-tr

// #region wait-for-start

// WaitForStart blocks until the first pulse after construction, marking
// scan start, then resets the baseline to the current count.
func (c *PulseCounter) WaitForStart(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ErrQuit
		}
		curr, err := c.source.ReadCount()
		if err != nil {
			return err
		}
		if curr != c.last {
			c.last = curr
			return nil
		}
		c.clock.Sleep(c.poll)
	}
}

// #endregion wait-for-start
