// Package replay runs complete sessions against a virtual clock and an
// emulated scanner: a scripted or modeled subject presses the button, the
// run executes faster than real time, and the stored records come back for
// comparison against fixture expectations.
package replay

import (
	"context"
	"math/rand"
	"time"

	"github.com/HAPNlab/mid-task/internal/config"
	"github.com/HAPNlab/mid-task/internal/input"
	"github.com/HAPNlab/mid-task/internal/recorder"
	"github.com/HAPNlab/mid-task/internal/scanner"
	"github.com/HAPNlab/mid-task/internal/session"
	"github.com/HAPNlab/mid-task/internal/staircase"
	"github.com/HAPNlab/mid-task/internal/task"
	"github.com/HAPNlab/mid-task/internal/trial"
)

// #region types

// Script tells the responder how to act in one trial: whether to press,
// which display event anchors the press, and the delay from that event.
type Script struct {
	Press   bool
	Phase   trial.Phase
	Latency time.Duration
}

// Model is a stochastic subject: on each trial it presses with PressProb,
// at a Gaussian latency from target onset. The staircase then converges on
// the duration whose hit probability matches each level's target.
type Model struct {
	PressProb     float64
	LatencyMeanMS float64
	LatencySDMS   float64
	Seed          int64
}

// DefaultModel returns a plausible subject: near-certain presses at
// 265 +/- 80 ms, which keeps all three converged durations inside the
// 130-500 ms window.
func DefaultModel(seed int64) Model {
	return Model{
		PressProb:     0.95,
		LatencyMeanMS: 265,
		LatencySDMS:   80,
		Seed:          seed,
	}
}

// Options configures one simulated run. Scripts and Model are mutually
// exclusive; with neither the subject never presses. A nil Store runs
// against a private in-memory database.
type Options struct {
	Config  config.Config
	Info    session.Info
	Specs   []task.TrialSpec
	Scripts []Script
	Model   *Model
	Store   *recorder.Store
}

// RunResult is everything a simulated session left behind.
type RunResult struct {
	Summary   session.Summary
	Trials    []trial.Record
	Phases    []trial.PhaseRecord
	Staircase []staircase.LevelState
}

// #endregion types

// #region responder

// Responder plays the subject. It receives display events from the trial
// loop, converts the script or model into presses stamped on the session
// clock, and hands them back through Poll. Everything runs on the trial
// goroutine, so no locking is needed.
type Responder struct {
	clock   scanner.Clock
	scripts []Script
	model   *Model
	rng     *rand.Rand

	trialIdx int
	inTrial  bool
	pending  []input.Press
	next     int
}

// NewResponder builds a subject from a per-trial script or a model.
func NewResponder(clock scanner.Clock, scripts []Script, model *Model) *Responder {
	r := &Responder{clock: clock, scripts: scripts, model: model, trialIdx: -1}
	if model != nil {
		r.rng = rand.New(rand.NewSource(model.Seed))
	}
	return r
}

// ShowCue marks the start of a trial.
func (r *Responder) ShowCue(task.CueType, int) {
	r.trialIdx++
	r.inTrial = true
	r.maybePress(trial.PhaseCue)
}

// ShowFixation fires only inside a trial; the opening and closing session
// fixations reuse the same display call and must not trigger presses.
func (r *Responder) ShowFixation() {
	if !r.inTrial {
		return
	}
	r.maybePress(trial.PhaseFixation)
}

// ShowTarget anchors response-phase presses on the actual target onset.
func (r *Responder) ShowTarget() { r.maybePress(trial.PhaseResponse) }

func (r *Responder) HideTarget() {}

// ShowOutcome marks the end of the trial's pressable window.
func (r *Responder) ShowOutcome(trial.Result, string, int) { r.inTrial = false }

func (r *Responder) ShowITI() {}

// Poll releases scheduled presses as the clock passes them.
func (r *Responder) Poll() []input.Press {
	now := r.clock.Elapsed()
	start := r.next
	for r.next < len(r.pending) && r.pending[r.next].At <= now {
		r.next++
	}
	if r.next == start {
		return nil
	}
	return r.pending[start:r.next]
}

// maybePress schedules at most one press for the current trial, anchored
// on the display event that just fired.
func (r *Responder) maybePress(anchor trial.Phase) {
	switch {
	case r.model != nil:
		if anchor != trial.PhaseResponse {
			return
		}
		if r.rng.Float64() >= r.model.PressProb {
			return
		}
		lat := r.model.LatencyMeanMS + r.rng.NormFloat64()*r.model.LatencySDMS
		if lat < 0 {
			lat = 0
		}
		r.schedule(time.Duration(lat * float64(time.Millisecond)))
	case r.trialIdx < len(r.scripts):
		s := r.scripts[r.trialIdx]
		if s.Press && s.Phase == anchor {
			r.schedule(s.Latency)
		}
	}
}

func (r *Responder) schedule(after time.Duration) {
	r.pending = append(r.pending, input.Press{Key: "1", At: r.clock.Elapsed() + after})
}

// #endregion responder

// #region run

// Run executes one simulated session end to end and reads back what it
// recorded. The virtual clock advances only on sleeps, so a full run takes
// milliseconds of wall time.
func Run(ctx context.Context, opts Options) (*RunResult, error) {
	clock := scanner.NewVirtualClock()
	source := scanner.NewEmulatedSource(clock, opts.Config.Scanner.TR(), opts.Config.Scanner.PulsesPerTR)
	responder := NewResponder(clock, opts.Scripts, opts.Model)

	store := opts.Store
	if store == nil {
		s, err := recorder.NewStore(":memory:")
		if err != nil {
			return nil, err
		}
		defer s.Close()
		store = s
	}

	runner := session.NewRunner(opts.Config, opts.Info, opts.Specs, session.Deps{
		Clock:   clock,
		Source:  source,
		Input:   responder,
		Display: responder,
		Store:   store,
	})
	sum, err := runner.Run(ctx)
	if err != nil {
		return nil, err
	}

	res := &RunResult{Summary: sum}
	if res.Trials, err = store.Trials(sum.SessionID); err != nil {
		return nil, err
	}
	if res.Phases, err = store.Phases(sum.SessionID); err != nil {
		return nil, err
	}
	if res.Staircase, err = store.Staircase(sum.SessionID); err != nil {
		return nil, err
	}
	return res, nil
}

// RunFixture executes the session a fixture describes and compares the
// outcome against its expectations.
func RunFixture(ctx context.Context, f *Fixture, store *recorder.Store) (*RunResult, []Check, error) {
	opts, err := f.Options()
	if err != nil {
		return nil, nil, err
	}
	opts.Store = store
	res, err := Run(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return res, CheckExpected(res.Trials, f.Expected), nil
}

// #endregion run
