package scanner

import (
	"errors"
	"fmt"
	"time"
)

// #region errors

// ErrHardwareUnavailable reports that the pulse counter device cannot be
// queried. Fatal in fMRI mode: falling back to emulation would silently
// desynchronize the run from the scanner, so no fallback exists.
var ErrHardwareUnavailable = errors.New("scanner hardware unavailable")

// ErrQuit is the expected control-flow signal for a user-requested stop.
// Waits interrupted by it terminate the session gracefully; every record
// committed so far is preserved.
var ErrQuit = errors.New("quit requested")

// #endregion errors

// #region pulse-source

// PulseSource is a pulse-generating backend. Counts are non-decreasing for
// the session lifetime and resumable: a consumer that polls rarely still
// sees the correct cumulative count.
type PulseSource interface {
	// ReadCount returns total pulses observed so far. Non-blocking.
	ReadCount() (int64, error)
	// Start signals that the scan has begun. No-op for hardware sources.
	Start()
	// PulsesPerTR returns the configured pulses per repetition interval.
	PulsesPerTR() int
}

// #endregion pulse-source

// #region emulated

// EmulatedSource derives a synthetic pulse count from elapsed clock time at
// the configured rate. It returns 0 before Start and never fails.
type EmulatedSource struct {
	clock       Clock
	tr          time.Duration
	pulsesPerTR int
	started     bool
	startAt     time.Duration
}

// NewEmulatedSource returns an emulated source ticking pulsesPerTR pulses
// every tr of clock time once started.
func NewEmulatedSource(clock Clock, tr time.Duration, pulsesPerTR int) *EmulatedSource {
	return &EmulatedSource{clock: clock, tr: tr, pulsesPerTR: pulsesPerTR}
}

func (s *EmulatedSource) Start() {
	if s.started {
		return
	}
	s.started = true
	s.startAt = s.clock.Elapsed()
}

func (s *EmulatedSource) ReadCount() (int64, error) {
	if !s.started {
		return 0, nil
	}
	elapsed := s.clock.Elapsed() - s.startAt
	return int64(float64(elapsed) / float64(s.tr) * float64(s.pulsesPerTR)), nil
}

func (s *EmulatedSource) PulsesPerTR() int { return s.pulsesPerTR }

// #endregion emulated

// #region hardware

// CounterDevice is the narrow hardware contract: one monotonic register
// read. Implementations wrap whatever driver exposes the scanner trigger
// counter.
type CounterDevice interface {
	ReadCount() (int64, error)
}

// HardwareSource reads pulses from a CounterDevice. Any device failure
// wraps ErrHardwareUnavailable.
type HardwareSource struct {
	dev         CounterDevice
	pulsesPerTR int
}

// NewHardwareSource probes the device once so a disconnected counter fails
// at session setup, not mid-run.
func NewHardwareSource(dev CounterDevice, pulsesPerTR int) (*HardwareSource, error) {
	s := &HardwareSource{dev: dev, pulsesPerTR: pulsesPerTR}
	if _, err := s.ReadCount(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *HardwareSource) ReadCount() (int64, error) {
	n, err := s.dev.ReadCount()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrHardwareUnavailable, err)
	}
	return n, nil
}

// Start is a no-op: hardware counts run whenever the scanner drives them.
func (s *HardwareSource) Start() {}

func (s *HardwareSource) PulsesPerTR() int { return s.pulsesPerTR }

// #endregion hardware
