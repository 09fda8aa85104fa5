// Package trial runs the five-phase trial state machine: cue, fixation,
// response, outcome and post-outcome fixation, gated on TR boundaries and
// scored against the adaptive target duration. It owns in-progress records
// and hands them to the caller at trial end; nothing is persisted here.
package trial

import (
	"fmt"
	"time"

	"github.com/HAPNlab/mid-task/internal/task"
)

// #region phases

// Phase names the five trial states in their fixed order.
type Phase string

const (
	PhaseCue      Phase = "cue"
	PhaseFixation Phase = "fixation"
	PhaseResponse Phase = "response"
	PhaseOutcome  Phase = "outcome"
	PhaseITI      Phase = "post-outcome-fixation"
)

// #endregion phases

// #region result

// Result is the scored outcome of a trial's response window. Early marks a
// press before target onset (during fixation or the jitter gap): the trial
// can no longer score a hit or a clean miss, so neither boolean applies.
// The zero value means the trial was abandoned before scoring.
type Result string

const (
	ResultHit   Result = "hit"
	ResultMiss  Result = "miss"
	ResultEarly Result = "early"
)

// Payoff maps a cue and scored result to the signed dollar change and its
// feedback label. Early presses pay out as misses.
func Payoff(cue task.CueType, result Result, dollars int) (int, string) {
	switch cue {
	case task.CueGain:
		if result == ResultHit {
			return dollars, fmt.Sprintf("+$%d", dollars)
		}
		return 0, "$0"
	case task.CueLoss:
		if result == ResultHit {
			return 0, "$0"
		}
		return -dollars, fmt.Sprintf("-$%d", dollars)
	default:
		return 0, "$0"
	}
}

// cueDollars is the trial's stake: what a hit gains or a miss forfeits.
func cueDollars(cue task.CueType, dollars int) int {
	switch cue {
	case task.CueGain:
		return dollars
	case task.CueLoss:
		return -dollars
	default:
		return 0
	}
}

// #endregion result

// #region records

// Record is the behavioral outcome of one trial, completed or abandoned.
// Times are on the session clock; IntensityS and StairSD are seconds.
type Record struct {
	TrialN        int
	TypeCode      int
	Cue           task.CueType
	RewardDollars int // signed stake for this cue
	TargetPct     int
	Level         task.Level
	StairN        int     // observations on this level after this trial, 1-indexed
	StairSD       float64 // posterior SD after this trial's update
	IntensityS    float64 // presented intensity above the floor
	Onset         time.Duration
	Jitter        time.Duration
	TargetDur     time.Duration
	Result        Result
	RT            *time.Duration // from target onset; nil when never scored
	CuePresses    int
	RewardOutcome string // feedback label: "+$5", "$0", "-$5"
	RewardDelta   int
	TotalEarned   int
	TrialEnd      time.Duration
	TrialDur      time.Duration
	SchedEnd      time.Duration
	DriftMS       float64
	TotalTRs      int
	PulseCount    int64 // cumulative pulses at cue onset
	Completed     bool
}

// PhaseRecord is one scan-log row, emitted when a phase completes. Times
// mark the phase start; drift is measured at the completing transition.
type PhaseRecord struct {
	TrialN     int
	Phase      Phase
	TRn        int           // 1-based TR index within the trial
	Global     time.Duration // session clock at phase start
	TrialTime  time.Duration // phase start relative to cue onset
	PulseCount int64         // cumulative pulses at phase start
	DriftMS    float64       // actual minus scheduled time at phase end
}

// #endregion records
