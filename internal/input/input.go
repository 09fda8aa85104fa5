// Package input models the response box: button presses stamped with
// session-clock time, delivered through non-blocking polls from the trial
// loop.
package input

import (
	"sync"
	"time"

	"github.com/HAPNlab/mid-task/internal/scanner"
)

// #region source

// Press is one button event. At is session-clock time, not wall time.
type Press struct {
	Key string
	At  time.Duration
}

// Source yields presses buffered since the previous poll. Poll never
// blocks; an empty slice means no input arrived.
type Source interface {
	Poll() []Press
}

// None is a source that never yields a press.
type None struct{}

func (None) Poll() []Press { return nil }

// #endregion source

// #region queue

// Queue buffers presses pushed from another goroutine, typically a raw
// keyboard reader. Poll drains in arrival order.
type Queue struct {
	mu  sync.Mutex
	buf []Press
}

func NewQueue() *Queue { return &Queue{} }

func (q *Queue) Push(p Press) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = append(q.buf, p)
}

func (q *Queue) Poll() []Press {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	out := q.buf
	q.buf = nil
	return out
}

// #endregion queue

// #region scripted

// Scripted releases a fixed press list as the clock passes each press time.
// Presses must be sorted by At. Each press is delivered exactly once.
type Scripted struct {
	clock   scanner.Clock
	presses []Press
	next    int
}

func NewScripted(clock scanner.Clock, presses []Press) *Scripted {
	return &Scripted{clock: clock, presses: presses}
}

func (s *Scripted) Poll() []Press {
	now := s.clock.Elapsed()
	start := s.next
	for s.next < len(s.presses) && s.presses[s.next].At <= now {
		s.next++
	}
	if s.next == start {
		return nil
	}
	return s.presses[start:s.next]
}

// #endregion scripted
