// Package config holds the task parameters. All file values are seconds
// (floats) in the lab convention; accessors convert to time.Duration at the
// wiring boundary.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// #region config

// Config is the full task parameter set. Zero values are never used
// directly; start from Default() and overlay a YAML file on top.
type Config struct {
	Phases  Phases  `yaml:"phases"`
	Scanner Scanner `yaml:"scanner"`
	Target  Target  `yaml:"target"`
	Run     Run     `yaml:"run"`
}

// Phases holds the nominal duration of each fixed trial phase. The ITI
// phase has no entry here: its unit is one TR (Scanner.TRS).
type Phases struct {
	CueS      float64 `yaml:"cue_s"`
	FixationS float64 `yaml:"fixation_s"`
	ResponseS float64 `yaml:"response_s"`
	OutcomeS  float64 `yaml:"outcome_s"`
}

// Scanner holds pulse synchronization parameters.
type Scanner struct {
	TRS         float64 `yaml:"tr_s"`
	PulsesPerTR int     `yaml:"pulses_per_tr"`
}

// Target holds the adaptive target-duration parameters. Intensity is the
// seconds added above MinDurS; the staircase operates on intensity and the
// bank maps it back to a duration.
type Target struct {
	MinDurS     float64 `yaml:"min_dur_s"`
	MaxDurS     float64 `yaml:"max_dur_s"`
	InitialDurS float64 `yaml:"initial_dur_s"`
	InitialSDS  float64 `yaml:"initial_sd_s"`
	JitterMaxS  float64 `yaml:"jitter_max_s"`
}

// Run holds session-level structure: opening/closing fixations, payoff
// magnitude and the scheduler poll interval.
type Run struct {
	InitialFixS    float64 `yaml:"initial_fix_s"`
	ClosingFixS    float64 `yaml:"closing_fix_s"`
	RewardDollars  int     `yaml:"reward_dollars"`
	PollIntervalMS float64 `yaml:"poll_interval_ms"`
}

// #endregion config

// #region defaults

// Default returns the standard parameter set: 2 s phases on a 2 s TR at 46
// pulses/TR, target window 130-500 ms starting at 265 ms, 12 s opening and
// 8 s closing fixation, $5 payoff.
func Default() Config {
	return Config{
		Phases: Phases{
			CueS:      2.0,
			FixationS: 2.0,
			ResponseS: 2.0,
			OutcomeS:  2.0,
		},
		Scanner: Scanner{
			TRS:         2.0,
			PulsesPerTR: 46,
		},
		Target: Target{
			MinDurS:     0.130,
			MaxDurS:     0.500,
			InitialDurS: 0.265,
			InitialSDS:  0.067,
			JitterMaxS:  0.05,
		},
		Run: Run{
			InitialFixS:    12.0,
			ClosingFixS:    8.0,
			RewardDollars:  5,
			PollIntervalMS: 1.0,
		},
	}
}

// #endregion defaults

// #region load

// Load reads a YAML file over the defaults and validates the result.
// An empty path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// #endregion load

// #region validate

// Validate rejects parameter sets that cannot produce a well-formed run.
func (c Config) Validate() error {
	for _, d := range []struct {
		name string
		val  float64
	}{
		{"phases.cue_s", c.Phases.CueS},
		{"phases.fixation_s", c.Phases.FixationS},
		{"phases.response_s", c.Phases.ResponseS},
		{"phases.outcome_s", c.Phases.OutcomeS},
		{"scanner.tr_s", c.Scanner.TRS},
		{"target.min_dur_s", c.Target.MinDurS},
		{"target.initial_sd_s", c.Target.InitialSDS},
		{"run.poll_interval_ms", c.Run.PollIntervalMS},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive, got %g", d.name, d.val)
		}
	}
	if c.Run.InitialFixS < 0 || c.Run.ClosingFixS < 0 {
		return fmt.Errorf("fixation durations must not be negative")
	}
	if c.Scanner.PulsesPerTR < 1 {
		return fmt.Errorf("scanner.pulses_per_tr must be >= 1, got %d", c.Scanner.PulsesPerTR)
	}
	if c.Target.MaxDurS < c.Target.MinDurS {
		return fmt.Errorf("target.max_dur_s %g below min_dur_s %g", c.Target.MaxDurS, c.Target.MinDurS)
	}
	if c.Target.InitialDurS < c.Target.MinDurS || c.Target.InitialDurS > c.Target.MaxDurS {
		return fmt.Errorf("target.initial_dur_s %g outside [%g, %g]",
			c.Target.InitialDurS, c.Target.MinDurS, c.Target.MaxDurS)
	}
	if c.Target.JitterMaxS < 0 {
		return fmt.Errorf("target.jitter_max_s must not be negative, got %g", c.Target.JitterMaxS)
	}
	// The full jitter window plus the longest possible target must fit
	// inside the response phase, or late targets would be cut off.
	if c.Target.JitterMaxS+c.Target.MaxDurS > c.Phases.ResponseS {
		return fmt.Errorf("jitter_max_s + max_dur_s = %g exceeds response_s %g",
			c.Target.JitterMaxS+c.Target.MaxDurS, c.Phases.ResponseS)
	}
	if c.Run.RewardDollars <= 0 {
		return fmt.Errorf("run.reward_dollars must be positive, got %d", c.Run.RewardDollars)
	}
	return nil
}

// #endregion validate

// #region durations

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Cue returns the cue phase duration.
func (p Phases) Cue() time.Duration { return secs(p.CueS) }

// Fixation returns the fixation phase duration.
func (p Phases) Fixation() time.Duration { return secs(p.FixationS) }

// Response returns the response phase duration.
func (p Phases) Response() time.Duration { return secs(p.ResponseS) }

// Outcome returns the outcome phase duration.
func (p Phases) Outcome() time.Duration { return secs(p.OutcomeS) }

// TR returns one repetition interval.
func (s Scanner) TR() time.Duration { return secs(s.TRS) }

// MinDur returns the target duration floor.
func (t Target) MinDur() time.Duration { return secs(t.MinDurS) }

// MaxDur returns the target duration ceiling.
func (t Target) MaxDur() time.Duration { return secs(t.MaxDurS) }

// InitialDur returns the starting target duration.
func (t Target) InitialDur() time.Duration { return secs(t.InitialDurS) }

// JitterMax returns the upper bound of the uniform onset jitter.
func (t Target) JitterMax() time.Duration { return secs(t.JitterMaxS) }

// InitialFix returns the opening fixation duration.
func (r Run) InitialFix() time.Duration { return secs(r.InitialFixS) }

// ClosingFix returns the closing fixation duration.
func (r Run) ClosingFix() time.Duration { return secs(r.ClosingFixS) }

// PollInterval returns the scheduler poll tick.
func (r Run) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMS * float64(time.Millisecond))
}

// #endregion durations
