package trial

import "github.com/HAPNlab/mid-task/internal/task"

// #region display

// Display receives presentation events as the scheduler reaches them. The
// core never renders; implementations decide what showing means (a terminal
// sketch, a real window, nothing at all). Calls arrive from the trial loop
// goroutine only and must not block.
type Display interface {
	ShowCue(cue task.CueType, targetPct int)
	ShowFixation()
	ShowTarget()
	HideTarget()
	ShowOutcome(result Result, label string, totalEarned int)
	ShowITI()
}

// NopDisplay discards every event.
type NopDisplay struct{}

func (NopDisplay) ShowCue(task.CueType, int)       {}
func (NopDisplay) ShowFixation()                   {}
func (NopDisplay) ShowTarget()                     {}
func (NopDisplay) HideTarget()                     {}
func (NopDisplay) ShowOutcome(Result, string, int) {}
func (NopDisplay) ShowITI()                        {}

// #endregion display
