package trial

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/HAPNlab/mid-task/internal/config"
	"github.com/HAPNlab/mid-task/internal/input"
	"github.com/HAPNlab/mid-task/internal/scanner"
	"github.com/HAPNlab/mid-task/internal/staircase"
	"github.com/HAPNlab/mid-task/internal/task"
)

// #region scheduler

// Scheduler drives trials phase by phase on a single goroutine. Between
// phases it re-syncs to the scanner via the pulse counter; within a phase
// it polls input on a bounded loop, so no wait can outlive its nominal
// duration. Cumulative pulse count, scheduled time and earnings carry
// across trials.
type Scheduler struct {
	cfg     config.Config
	clock   scanner.Clock
	counter *scanner.PulseCounter
	source  input.Source
	display Display
	bank    *staircase.Bank
	rng     *rand.Rand

	pulse   int64
	nominal time.Duration
	earned  int
}

// NewScheduler wires one session's trial loop. rng drives the per-trial
// target onset jitter; pass a seeded source for reproducible runs.
func NewScheduler(cfg config.Config, counter *scanner.PulseCounter, clock scanner.Clock, source input.Source, display Display, bank *staircase.Bank, rng *rand.Rand) *Scheduler {
	if display == nil {
		display = NopDisplay{}
	}
	return &Scheduler{
		cfg:     cfg,
		clock:   clock,
		counter: counter,
		source:  source,
		display: display,
		bank:    bank,
		rng:     rng,
	}
}

// AdvanceNominal adds idle time (the opening and closing fixations) to the
// schedule, keeping drift measured against the full session plan.
func (s *Scheduler) AdvanceNominal(d time.Duration) { s.nominal += d }

// TotalEarned returns cumulative earnings over all trials run so far.
func (s *Scheduler) TotalEarned() int { return s.earned }

// PulseCount returns cumulative pulses consumed by finished waits.
func (s *Scheduler) PulseCount() int64 { return s.pulse }

// Nominal returns the scheduled cumulative session time.
func (s *Scheduler) Nominal() time.Duration { return s.nominal }

// #endregion scheduler

// #region run

// Run executes one trial: cue, fixation, response, outcome, then one
// post-outcome fixation per ITI TR. On quit it returns the partial Record,
// every PhaseRecord committed before the interrupted phase, and ErrQuit.
func (s *Scheduler) Run(ctx context.Context, spec task.TrialSpec, trialN int) (Record, []PhaseRecord, error) {
	level := spec.Level()
	targetDur, err := s.bank.DurationFor(level)
	if err != nil {
		return Record{TrialN: trialN}, nil, err
	}
	jitter := time.Duration(s.rng.Float64() * float64(s.cfg.Target.JitterMax()))

	rec := Record{
		TrialN:        trialN,
		TypeCode:      spec.TypeCode(),
		Cue:           spec.Cue,
		RewardDollars: cueDollars(spec.Cue, s.cfg.Run.RewardDollars),
		TargetPct:     spec.Accuracy,
		Level:         level,
		IntensityS:    (targetDur - s.cfg.Target.MinDur()).Seconds(),
		Jitter:        jitter,
		TargetDur:     targetDur,
	}
	log.Printf("[TRIAL] %d: cue=%s accuracy=%d%% level=%s target=%dms jitter=%dms",
		trialN, spec.Cue, spec.Accuracy, level, targetDur.Milliseconds(), jitter.Milliseconds())

	phases := make([]PhaseRecord, 0, 4+spec.NumITI)
	trWithin := 0

	// Cue. Drain rather than wait: the trial starts on the TR boundary the
	// previous phase already waited out.
	drained, err := s.counter.Drain()
	if err != nil {
		return rec, phases, err
	}
	s.pulse += drained
	trWithin++
	cueRec := s.startPhase(trialN, PhaseCue, trWithin, s.clock.Elapsed())
	rec.Onset = cueRec.Global
	rec.PulseCount = s.pulse
	s.display.ShowCue(spec.Cue, spec.Accuracy)
	presses, err := s.pollPhase(ctx, s.cfg.Phases.Cue())
	if err != nil {
		return rec, phases, err
	}
	rec.CuePresses = len(presses)
	phases = append(phases, s.endPhase(cueRec, s.cfg.Phases.Cue()))

	// Fixation. Any press in this window disqualifies the trial from
	// scoring.
	if err := s.advanceTR(ctx); err != nil {
		return rec, phases, err
	}
	trWithin++
	fixRec := s.startPhase(trialN, PhaseFixation, trWithin, rec.Onset)
	s.display.ShowFixation()
	presses, err = s.pollPhase(ctx, s.cfg.Phases.Fixation())
	if err != nil {
		return rec, phases, err
	}
	early := len(presses) > 0
	phases = append(phases, s.endPhase(fixRec, s.cfg.Phases.Fixation()))

	// Response.
	if err := s.advanceTR(ctx); err != nil {
		return rec, phases, err
	}
	trWithin++
	respRec := s.startPhase(trialN, PhaseResponse, trWithin, rec.Onset)
	result, rt, err := s.runResponse(ctx, jitter, targetDur, early)
	if err != nil {
		return rec, phases, err
	}
	rec.Result = result
	rec.RT = rt
	phases = append(phases, s.endPhase(respRec, s.cfg.Phases.Response()))

	// Outcome. The staircase and the payoff are settled before feedback is
	// shown; an early press scores as a miss for both.
	if err := s.advanceTR(ctx); err != nil {
		return rec, phases, err
	}
	trWithin++
	outRec := s.startPhase(trialN, PhaseOutcome, trWithin, rec.Onset)
	if err := s.bank.Record(level, result == ResultHit); err != nil {
		return rec, phases, err
	}
	state, err := s.bank.State(level)
	if err != nil {
		return rec, phases, err
	}
	rec.StairN = state.Count
	rec.StairSD = state.SDS
	delta, label := Payoff(spec.Cue, result, s.cfg.Run.RewardDollars)
	s.earned += delta
	rec.RewardDelta = delta
	rec.RewardOutcome = label
	rec.TotalEarned = s.earned
	s.display.ShowOutcome(result, label, s.earned)
	if _, err := s.pollPhase(ctx, s.cfg.Phases.Outcome()); err != nil {
		return rec, phases, err
	}
	phases = append(phases, s.endPhase(outRec, s.cfg.Phases.Outcome()))

	// Post-outcome fixation, one record per ITI TR.
	for i := 0; i < spec.NumITI; i++ {
		if err := s.advanceTR(ctx); err != nil {
			return rec, phases, err
		}
		trWithin++
		itiRec := s.startPhase(trialN, PhaseITI, trWithin, rec.Onset)
		s.display.ShowITI()
		if _, err := s.pollPhase(ctx, s.cfg.Scanner.TR()); err != nil {
			return rec, phases, err
		}
		phases = append(phases, s.endPhase(itiRec, s.cfg.Scanner.TR()))
	}

	rec.TrialEnd = s.clock.Elapsed()
	rec.TrialDur = rec.TrialEnd - rec.Onset
	rec.SchedEnd = s.nominal
	rec.DriftMS = float64(rec.TrialEnd-rec.SchedEnd) / float64(time.Millisecond)
	rec.TotalTRs = trWithin
	rec.Completed = true
	return rec, phases, nil
}

// #endregion run

// #region phase-mechanics

// advanceTR blocks to the next TR boundary and folds the observed pulses
// into the session total.
func (s *Scheduler) advanceTR(ctx context.Context) error {
	n, err := s.counter.WaitForTR(ctx)
	if err != nil {
		return err
	}
	s.pulse += n
	return nil
}

// startPhase stamps a phase's entry: start time, trial-relative time and
// the pulse total at this boundary. The record is committed only if the
// phase completes.
func (s *Scheduler) startPhase(trialN int, ph Phase, trN int, cueOnset time.Duration) PhaseRecord {
	now := s.clock.Elapsed()
	return PhaseRecord{
		TrialN:     trialN,
		Phase:      ph,
		TRn:        trN,
		Global:     now,
		TrialTime:  now - cueOnset,
		PulseCount: s.pulse,
	}
}

// endPhase advances the schedule by the phase's nominal duration and stamps
// the drift observed at this transition.
func (s *Scheduler) endPhase(rec PhaseRecord, nominal time.Duration) PhaseRecord {
	s.nominal += nominal
	rec.DriftMS = float64(s.clock.Elapsed()-s.nominal) / float64(time.Millisecond)
	return rec
}

// pollPhase runs one bounded phase wait, collecting presses stamped inside
// the phase. Presses buffered before the phase began are dropped.
func (s *Scheduler) pollPhase(ctx context.Context, d time.Duration) ([]input.Press, error) {
	start := s.clock.Elapsed()
	deadline := start + d
	var presses []input.Press
	for s.clock.Elapsed() < deadline {
		if ctx.Err() != nil {
			return presses, scanner.ErrQuit
		}
		for _, p := range s.source.Poll() {
			if p.At >= start {
				presses = append(presses, p)
			}
		}
		s.clock.Sleep(s.cfg.Run.PollInterval())
	}
	return presses, nil
}

// runResponse shows the target after the jitter gap and scores the first
// usable press. A press before onset turns the trial early; the first press
// at or after onset fixes RT, and lands a hit only when it falls strictly
// inside the visible window.
func (s *Scheduler) runResponse(ctx context.Context, jitter, targetDur time.Duration, early bool) (Result, *time.Duration, error) {
	start := s.clock.Elapsed()
	deadline := start + s.cfg.Phases.Response()
	result := ResultMiss
	if early {
		result = ResultEarly
	}
	var rt *time.Duration
	var onset time.Duration
	shown, removed, scored := false, false, false

	for s.clock.Elapsed() < deadline {
		if ctx.Err() != nil {
			return result, rt, scanner.ErrQuit
		}
		now := s.clock.Elapsed()
		if !shown && now-start >= jitter {
			shown, onset = true, now
			s.display.ShowTarget()
		}
		if shown && !removed && now-onset >= targetDur {
			removed = true
			s.display.HideTarget()
		}
		for _, p := range s.source.Poll() {
			if p.At < start || result == ResultEarly || scored {
				continue
			}
			if !shown || p.At < onset {
				result = ResultEarly
				rt = nil
				continue
			}
			d := p.At - onset
			rt = &d
			scored = true
			if d < targetDur {
				result = ResultHit
			}
		}
		s.clock.Sleep(s.cfg.Run.PollInterval())
	}
	if shown && !removed {
		s.display.HideTarget()
	}
	return result, rt, nil
}

// #endregion phase-mechanics
