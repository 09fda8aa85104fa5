// Package session owns the single logical thread of a run: scan-start
// synchronization, the opening and closing fixations, the trial loop, and
// per-trial persistence.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/HAPNlab/mid-task/internal/config"
	"github.com/HAPNlab/mid-task/internal/input"
	"github.com/HAPNlab/mid-task/internal/recorder"
	"github.com/HAPNlab/mid-task/internal/scanner"
	"github.com/HAPNlab/mid-task/internal/staircase"
	"github.com/HAPNlab/mid-task/internal/task"
	"github.com/HAPNlab/mid-task/internal/trial"
)

// #region runner-types

// Info identifies one session.
type Info struct {
	SubjectID string
	RunLabel  string
	FMRI      bool
	Seed      int64
}

// Deps are the session's collaborators. Store may be nil for unrecorded
// runs; Display may be nil for headless ones.
type Deps struct {
	Clock   scanner.Clock
	Source  scanner.PulseSource
	Input   input.Source
	Display trial.Display
	Store   *recorder.Store
}

// Summary is what a session reports when it ends, normally or by quit.
type Summary struct {
	SessionID      string
	Trials         int
	Completed      int
	Hits           int
	Misses         int
	Earlies        int
	TotalEarned    int
	PulseCount     int64
	MeanAbsDriftMS float64
	Duration       time.Duration
	Quit           bool
}

// Runner executes one session. A Runner is single-use: construct, Run,
// discard.
type Runner struct {
	cfg   config.Config
	info  Info
	specs []task.TrialSpec
	deps  Deps
	rng   *rand.Rand

	bank  *staircase.Bank
	sched *trial.Scheduler
	sess  recorder.Session
	sum   Summary
}

// NewRunner builds a session over the given trial sequence. The seed in
// info drives ITI assignment and target-onset jitter, so a recorded seed
// reproduces the schedule exactly.
func NewRunner(cfg config.Config, info Info, specs []task.TrialSpec, deps Deps) *Runner {
	if deps.Display == nil {
		deps.Display = trial.NopDisplay{}
	}
	if deps.Input == nil {
		deps.Input = input.None{}
	}
	return &Runner{
		cfg:   cfg,
		info:  info,
		specs: specs,
		deps:  deps,
		rng:   rand.New(rand.NewSource(info.Seed)),
	}
}

// #endregion runner-types

// #region run

// Run executes the session. Quit (context cancellation) is not an error:
// the summary comes back with Quit set and every committed record intact.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	task.AssignITI(r.specs, r.rng)
	for i, spec := range r.specs {
		if err := spec.Validate(false); err != nil {
			return Summary{}, fmt.Errorf("trial %d: %w", i+1, err)
		}
	}

	counter, err := scanner.NewPulseCounter(r.deps.Source, r.deps.Clock, r.cfg.Run.PollInterval())
	if err != nil {
		return Summary{}, err
	}
	r.bank = staircase.NewBank(stairParams(r.cfg))
	r.sched = trial.NewScheduler(r.cfg, counter, r.deps.Clock, r.deps.Input, r.deps.Display, r.bank, r.rng)

	if r.deps.Store != nil {
		r.sess, err = r.deps.Store.BeginSession(r.info.SubjectID, r.info.RunLabel, r.info.FMRI, r.info.Seed, r.cfg)
		if err != nil {
			return Summary{}, err
		}
		r.sum.SessionID = r.sess.ID
	}
	log.Printf("[SESSION] subject=%s run=%s fmri=%v seed=%d trials=%d",
		r.info.SubjectID, r.info.RunLabel, r.info.FMRI, r.info.Seed, len(r.specs))

	runErr := r.run(ctx, counter)
	if errors.Is(runErr, scanner.ErrQuit) {
		r.sum.Quit = true
		log.Printf("[SESSION] quit after %d trials", r.sum.Trials)
		runErr = nil
	}

	r.sum.TotalEarned = r.sched.TotalEarned()
	r.sum.PulseCount = r.sched.PulseCount()
	r.sum.Duration = r.deps.Clock.Elapsed()
	if r.deps.Store != nil {
		if err := r.deps.Store.SaveStaircase(r.sess.ID, r.bank.Snapshot()); err != nil {
			return r.sum, err
		}
		if err := r.deps.Store.FinishSession(r.sess.ID, r.sum.Trials, r.sum.TotalEarned, r.sum.PulseCount); err != nil {
			return r.sum, err
		}
	}
	if runErr == nil {
		log.Printf("[SESSION] done: %d/%d trials, hits=%d misses=%d earlies=%d, earned=$%d, mean |drift|=%.1fms",
			r.sum.Completed, r.sum.Trials, r.sum.Hits, r.sum.Misses, r.sum.Earlies,
			r.sum.TotalEarned, r.sum.MeanAbsDriftMS)
	}
	return r.sum, runErr
}

// run is the timed body: everything between waiting for the scanner and
// the end of the closing fixation.
func (r *Runner) run(ctx context.Context, counter *scanner.PulseCounter) error {
	// Scan-start synchronization. In fMRI mode the clock resets on the
	// first hardware pulse; in emulated mode the source starts ticking
	// against an already-reset clock.
	if r.info.FMRI {
		log.Printf("[SESSION] waiting for scanner trigger")
		if err := counter.WaitForStart(ctx); err != nil {
			return err
		}
		r.deps.Clock.Reset()
	} else {
		r.deps.Clock.Reset()
		r.deps.Source.Start()
		if err := counter.WaitForStart(ctx); err != nil {
			return err
		}
	}
	log.Printf("[SESSION] scan started")

	r.deps.Display.ShowFixation()
	if err := r.fixateUntil(ctx, r.cfg.Run.InitialFix()); err != nil {
		return err
	}
	r.sched.AdvanceNominal(r.cfg.Run.InitialFix())

	var driftSum float64
	for i, spec := range r.specs {
		rec, phases, err := r.sched.Run(ctx, spec, i+1)
		if err != nil && !errors.Is(err, scanner.ErrQuit) {
			return err
		}
		r.sum.Trials++
		if r.deps.Store != nil {
			if perr := r.deps.Store.AppendTrial(r.sess.ID, rec, phases); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
		r.sum.Completed++
		switch rec.Result {
		case trial.ResultHit:
			r.sum.Hits++
		case trial.ResultMiss:
			r.sum.Misses++
		case trial.ResultEarly:
			r.sum.Earlies++
		}
		driftSum += math.Abs(rec.DriftMS)
		r.sum.MeanAbsDriftMS = driftSum / float64(r.sum.Completed)
	}

	r.deps.Display.ShowFixation()
	if err := r.fixateUntil(ctx, r.deps.Clock.Elapsed()+r.cfg.Run.ClosingFix()); err != nil {
		return err
	}
	r.sched.AdvanceNominal(r.cfg.Run.ClosingFix())
	return nil
}

// fixateUntil idles to an absolute clock deadline, checking for quit each
// poll tick.
func (r *Runner) fixateUntil(ctx context.Context, deadline time.Duration) error {
	for r.deps.Clock.Elapsed() < deadline {
		if ctx.Err() != nil {
			return scanner.ErrQuit
		}
		r.deps.Clock.Sleep(r.cfg.Run.PollInterval())
	}
	return nil
}

func stairParams(cfg config.Config) staircase.Params {
	return staircase.Params{
		FloorS:   cfg.Target.MinDurS,
		CeilS:    cfg.Target.MaxDurS,
		InitialS: cfg.Target.InitialDurS,
		SigmaS:   cfg.Target.InitialSDS,
	}
}

// #endregion run
