package task

import (
	"errors"
	"fmt"
)

// #region errors

// ErrMalformedSpec reports an invalid trial specification. It is surfaced
// during sequence loading, before any trial begins, never mid-trial.
var ErrMalformedSpec = errors.New("malformed trial spec")

// #endregion errors

// #region cue-type

// CueType classifies the incentive condition of a trial.
type CueType string

const (
	CueGain    CueType = "gain"
	CueLoss    CueType = "loss"
	CueNeutral CueType = "neutral"
)

// #endregion cue-type

// #region level

// Level identifies one of the three fixed accuracy targets. Exactly three
// levels exist for the lifetime of a session; none is added or removed
// mid-run.
type Level string

const (
	LevelHigh   Level = "high"   // 80% target hit-rate
	LevelMedium Level = "medium" // 50% target hit-rate
	LevelLow    Level = "low"    // 20% target hit-rate
)

// Levels returns the fixed level set in canonical order.
func Levels() []Level {
	return []Level{LevelHigh, LevelMedium, LevelLow}
}

// targetPercents maps each level to its target hit-rate in percent.
var targetPercents = map[Level]int{
	LevelHigh:   80,
	LevelMedium: 50,
	LevelLow:    20,
}

// TargetPercent returns the level's target hit-rate in percent (80/50/20),
// or 0 for an unknown level.
func (l Level) TargetPercent() int {
	return targetPercents[l]
}

// TargetProportion returns the level's target hit-rate as a proportion.
func (l Level) TargetProportion() float64 {
	return float64(targetPercents[l]) / 100.0
}

// LevelForAccuracy maps a percent accuracy target to its level.
func LevelForAccuracy(pct int) (Level, error) {
	switch pct {
	case 80:
		return LevelHigh, nil
	case 50:
		return LevelMedium, nil
	case 20:
		return LevelLow, nil
	default:
		return "", fmt.Errorf("%w: target_accuracy %d not in {80, 50, 20}", ErrMalformedSpec, pct)
	}
}

// #endregion level

// #region trial-spec

// TrialSpec is one row of a run sequence: the incentive cue, the accuracy
// target, and the number of inter-trial-interval TRs. Immutable once loaded.
type TrialSpec struct {
	Cue      CueType
	Accuracy int // percent: 80, 50 or 20
	NumITI   int // inter-trial-interval TRs: 1 or 2 (0 = assign later)
}

// trialTypeCodes maps (cue, accuracy) to the 1-9 trial type code used in
// behavioral records.
var trialTypeCodes = map[CueType]map[int]int{
	CueGain:    {80: 1, 50: 2, 20: 3},
	CueLoss:    {80: 4, 50: 5, 20: 6},
	CueNeutral: {80: 7, 50: 8, 20: 9},
}

// Level returns the accuracy level for this spec.
func (s TrialSpec) Level() Level {
	l, _ := LevelForAccuracy(s.Accuracy)
	return l
}

// TypeCode returns the 1-9 trial type code, or 0 for an invalid spec.
func (s TrialSpec) TypeCode() int {
	return trialTypeCodes[s.Cue][s.Accuracy]
}

// Validate checks every field against the fixed vocabulary. NumITI may be
// zero only when allowUnassignedITI is set (the loader fills it in later).
func (s TrialSpec) Validate(allowUnassignedITI bool) error {
	switch s.Cue {
	case CueGain, CueLoss, CueNeutral:
	default:
		return fmt.Errorf("%w: cue_type %q not in {gain, loss, neutral}", ErrMalformedSpec, s.Cue)
	}
	if _, err := LevelForAccuracy(s.Accuracy); err != nil {
		return err
	}
	switch s.NumITI {
	case 1, 2:
	case 0:
		if !allowUnassignedITI {
			return fmt.Errorf("%w: n_iti missing", ErrMalformedSpec)
		}
	default:
		return fmt.Errorf("%w: n_iti %d not in {1, 2}", ErrMalformedSpec, s.NumITI)
	}
	return nil
}

// #endregion trial-spec
