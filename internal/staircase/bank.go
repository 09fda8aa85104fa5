package staircase

import (
	"errors"
	"fmt"
	"time"

	"github.com/HAPNlab/mid-task/internal/task"
)

// #region errors

// ErrUnknownLevel reports a level outside the fixed high/medium/low set.
// Programmer error: valid sequences can never trigger it.
var ErrUnknownLevel = errors.New("unknown staircase level")

// #endregion errors

// #region params

// Params fixes the staircase geometry shared by all levels. All values are
// seconds; intensities run from 0 (floor) to CeilS-FloorS.
type Params struct {
	FloorS   float64 // minimum presentable target duration
	CeilS    float64 // maximum presentable target duration
	InitialS float64 // first presented duration
	SigmaS   float64 // prior SD on the threshold
}

// DefaultParams returns the standard task geometry: targets between 130 ms
// and 500 ms, starting at 265 ms.
func DefaultParams() Params {
	return Params{FloorS: 0.130, CeilS: 0.500, InitialS: 0.265, SigmaS: 0.067}
}

// #endregion params

// #region bank

// Bank owns one Estimator per accuracy level. Levels never share state:
// recording a response on one leaves the other two untouched.
type Bank struct {
	params  Params
	byLevel map[task.Level]*Estimator
}

// NewBank builds the three per-level estimators from a shared geometry.
func NewBank(p Params) *Bank {
	maxIntensity := p.CeilS - p.FloorS
	initial := p.InitialS - p.FloorS
	b := &Bank{params: p, byLevel: make(map[task.Level]*Estimator, 3)}
	for _, lv := range task.Levels() {
		b.byLevel[lv] = NewEstimator(initial, p.SigmaS, lv.TargetProportion(), 0, maxIntensity)
	}
	return b
}

// DurationFor returns the target duration to present for level: floor plus
// the level's current intensity, clamped again to [FloorS, CeilS]. Both
// the estimator clamp and this one hold for every possible posterior.
func (b *Bank) DurationFor(level task.Level) (time.Duration, error) {
	est, ok := b.byLevel[level]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, level)
	}
	s := b.params.FloorS + est.Intensity()
	if s < b.params.FloorS {
		s = b.params.FloorS
	}
	if s > b.params.CeilS {
		s = b.params.CeilS
	}
	return time.Duration(s * float64(time.Second)), nil
}

// Record folds one scored response into the level's estimator. Call exactly
// once per trial.
func (b *Bank) Record(level task.Level, hit bool) error {
	est, ok := b.byLevel[level]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLevel, level)
	}
	est.Record(hit)
	return nil
}

// #endregion bank

// #region snapshot

// LevelState is the persisted end-of-session view of one estimator.
type LevelState struct {
	Level      task.Level
	IntensityS float64
	SDS        float64
	Count      int
}

// State returns one level's current estimator state.
func (b *Bank) State(level task.Level) (LevelState, error) {
	est, ok := b.byLevel[level]
	if !ok {
		return LevelState{}, fmt.Errorf("%w: %q", ErrUnknownLevel, level)
	}
	return LevelState{
		Level:      level,
		IntensityS: est.Intensity(),
		SDS:        est.SD(),
		Count:      est.Count(),
	}, nil
}

// Snapshot returns final per-level states in the fixed high, medium, low
// order.
func (b *Bank) Snapshot() []LevelState {
	out := make([]LevelState, 0, len(b.byLevel))
	for _, lv := range task.Levels() {
		st, _ := b.State(lv)
		out = append(out, st)
	}
	return out
}

// #endregion snapshot
