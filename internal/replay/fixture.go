package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/HAPNlab/mid-task/internal/config"
	"github.com/HAPNlab/mid-task/internal/session"
	"github.com/HAPNlab/mid-task/internal/task"
	"github.com/HAPNlab/mid-task/internal/trial"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a simulated run. Trials carry
// the sequence; a scripted subject presses per trial, a model subject (when
// Model is set) presses stochastically from the fixture seed.
type Fixture struct {
	Description string            `json:"description"`
	Subject     string            `json:"subject"`
	RunLabel    string            `json:"run_label"`
	Seed        int64             `json:"seed"`
	Config      *FixtureConfig    `json:"config,omitempty"`
	Model       *FixtureModel     `json:"model,omitempty"`
	Trials      []FixtureTrial    `json:"trials"`
	Expected    []FixtureExpected `json:"expected_results,omitempty"`
}

// FixtureTrial mirrors task.TrialSpec with JSON tags, plus the scripted
// press for that trial. A nil Press means the subject sits still.
type FixtureTrial struct {
	CueType        string        `json:"cue_type"`
	TargetAccuracy int           `json:"target_accuracy"`
	NumITI         int           `json:"n_iti,omitempty"`
	Press          *FixturePress `json:"press,omitempty"`
}

// FixturePress schedules one button press relative to a display event:
// "response" (default) anchors on target onset, "fixation" on fixation
// start and "cue" on cue onset. Negative latencies are invalid.
type FixturePress struct {
	Phase     string  `json:"phase,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// FixtureModel mirrors Model with JSON tags. A zero seed falls back to the
// fixture seed.
type FixtureModel struct {
	PressProb     float64 `json:"press_prob"`
	LatencyMeanMS float64 `json:"latency_mean_ms"`
	LatencySDMS   float64 `json:"latency_sd_ms"`
	Seed          int64   `json:"seed,omitempty"`
}

// FixtureExpected captures the expected scoring of one trial. RewardDelta
// and TotalEarned are checked only when present.
type FixtureExpected struct {
	TrialN      int    `json:"trial_n"`
	Result      string `json:"result"`
	RewardDelta *int   `json:"reward_delta,omitempty"`
	TotalEarned *int   `json:"total_earned,omitempty"`
}

// FixtureConfig overrides task parameters section by section: a nil section
// keeps the defaults.
type FixtureConfig struct {
	Phases  *FixturePhases  `json:"phases,omitempty"`
	Scanner *FixtureScanner `json:"scanner,omitempty"`
	Target  *FixtureTarget  `json:"target,omitempty"`
	Run     *FixtureRun     `json:"run,omitempty"`
}

// FixturePhases mirrors config.Phases with JSON tags.
type FixturePhases struct {
	CueS      float64 `json:"cue_s"`
	FixationS float64 `json:"fixation_s"`
	ResponseS float64 `json:"response_s"`
	OutcomeS  float64 `json:"outcome_s"`
}

// FixtureScanner mirrors config.Scanner with JSON tags.
type FixtureScanner struct {
	TRS         float64 `json:"tr_s"`
	PulsesPerTR int     `json:"pulses_per_tr"`
}

// FixtureTarget mirrors config.Target with JSON tags.
type FixtureTarget struct {
	MinDurS     float64 `json:"min_dur_s"`
	MaxDurS     float64 `json:"max_dur_s"`
	InitialDurS float64 `json:"initial_dur_s"`
	InitialSDS  float64 `json:"initial_sd_s"`
	JitterMaxS  float64 `json:"jitter_max_s"`
}

// FixtureRun mirrors config.Run with JSON tags.
type FixtureRun struct {
	InitialFixS    float64 `json:"initial_fix_s"`
	ClosingFixS    float64 `json:"closing_fix_s"`
	RewardDollars  int     `json:"reward_dollars"`
	PollIntervalMS float64 `json:"poll_interval_ms"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToConfig overlays the fixture's overrides on the default parameters and
// validates the result. A nil receiver returns the validated defaults.
func (fc *FixtureConfig) ToConfig() (config.Config, error) {
	cfg := config.Default()
	if fc != nil {
		if fc.Phases != nil {
			cfg.Phases = config.Phases{
				CueS:      fc.Phases.CueS,
				FixationS: fc.Phases.FixationS,
				ResponseS: fc.Phases.ResponseS,
				OutcomeS:  fc.Phases.OutcomeS,
			}
		}
		if fc.Scanner != nil {
			cfg.Scanner = config.Scanner{
				TRS:         fc.Scanner.TRS,
				PulsesPerTR: fc.Scanner.PulsesPerTR,
			}
		}
		if fc.Target != nil {
			cfg.Target = config.Target{
				MinDurS:     fc.Target.MinDurS,
				MaxDurS:     fc.Target.MaxDurS,
				InitialDurS: fc.Target.InitialDurS,
				InitialSDS:  fc.Target.InitialSDS,
				JitterMaxS:  fc.Target.JitterMaxS,
			}
		}
		if fc.Run != nil {
			cfg.Run = config.Run{
				InitialFixS:    fc.Run.InitialFixS,
				ClosingFixS:    fc.Run.ClosingFixS,
				RewardDollars:  fc.Run.RewardDollars,
				PollIntervalMS: fc.Run.PollIntervalMS,
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// ToSpec converts a FixtureTrial to a domain TrialSpec.
func (ft *FixtureTrial) ToSpec() task.TrialSpec {
	return task.TrialSpec{
		Cue:      task.CueType(ft.CueType),
		Accuracy: ft.TargetAccuracy,
		NumITI:   ft.NumITI,
	}
}

// ToScript converts a FixtureTrial's press to a domain Script.
func (ft *FixtureTrial) ToScript() (Script, error) {
	if ft.Press == nil {
		return Script{}, nil
	}
	if ft.Press.LatencyMS < 0 {
		return Script{}, fmt.Errorf("press latency_ms %g is negative", ft.Press.LatencyMS)
	}
	phase := trial.PhaseResponse
	switch ft.Press.Phase {
	case "", string(trial.PhaseResponse):
	case string(trial.PhaseCue):
		phase = trial.PhaseCue
	case string(trial.PhaseFixation):
		phase = trial.PhaseFixation
	default:
		return Script{}, fmt.Errorf("press phase %q not in {cue, fixation, response}", ft.Press.Phase)
	}
	return Script{
		Press:   true,
		Phase:   phase,
		Latency: time.Duration(ft.Press.LatencyMS * float64(time.Millisecond)),
	}, nil
}

// ToModel converts a FixtureModel to a domain Model, defaulting the seed.
func (fm *FixtureModel) ToModel(fallbackSeed int64) Model {
	seed := fm.Seed
	if seed == 0 {
		seed = fallbackSeed
	}
	return Model{
		PressProb:     fm.PressProb,
		LatencyMeanMS: fm.LatencyMeanMS,
		LatencySDMS:   fm.LatencySDMS,
		Seed:          seed,
	}
}

// Options assembles the run options described by the fixture.
func (f *Fixture) Options() (Options, error) {
	cfg, err := f.Config.ToConfig()
	if err != nil {
		return Options{}, fmt.Errorf("fixture config: %w", err)
	}
	if len(f.Trials) == 0 {
		return Options{}, fmt.Errorf("fixture has no trials")
	}

	specs := make([]task.TrialSpec, len(f.Trials))
	scripts := make([]Script, len(f.Trials))
	for i, ft := range f.Trials {
		specs[i] = ft.ToSpec()
		if err := specs[i].Validate(true); err != nil {
			return Options{}, fmt.Errorf("fixture trial %d: %w", i+1, err)
		}
		scripts[i], err = ft.ToScript()
		if err != nil {
			return Options{}, fmt.Errorf("fixture trial %d: %w", i+1, err)
		}
	}

	opts := Options{
		Config: cfg,
		Info: session.Info{
			SubjectID: f.Subject,
			RunLabel:  f.RunLabel,
			Seed:      f.Seed,
		},
		Specs:   specs,
		Scripts: scripts,
	}
	if f.Model != nil {
		m := f.Model.ToModel(f.Seed)
		opts.Model = &m
		opts.Scripts = nil
	}
	return opts, nil
}

// #endregion fixture-loader

// #region expectation-checks

// Check is one expectation comparison against a stored trial.
type Check struct {
	TrialN int
	Field  string
	Want   string
	Got    string
	Match  bool
}

// CheckExpected compares recorded trials against a fixture's expectations.
// Fields the fixture leaves unset are not checked.
func CheckExpected(trials []trial.Record, expected []FixtureExpected) []Check {
	byN := make(map[int]trial.Record, len(trials))
	for _, rec := range trials {
		byN[rec.TrialN] = rec
	}

	var checks []Check
	for _, exp := range expected {
		rec, ok := byN[exp.TrialN]
		if !ok {
			checks = append(checks, Check{TrialN: exp.TrialN, Field: "trial", Want: "recorded", Got: "missing"})
			continue
		}
		checks = append(checks, Check{
			TrialN: exp.TrialN,
			Field:  "result",
			Want:   exp.Result,
			Got:    string(rec.Result),
			Match:  exp.Result == string(rec.Result),
		})
		if exp.RewardDelta != nil {
			checks = append(checks, Check{
				TrialN: exp.TrialN,
				Field:  "reward_delta",
				Want:   strconv.Itoa(*exp.RewardDelta),
				Got:    strconv.Itoa(rec.RewardDelta),
				Match:  *exp.RewardDelta == rec.RewardDelta,
			})
		}
		if exp.TotalEarned != nil {
			checks = append(checks, Check{
				TrialN: exp.TrialN,
				Field:  "total_earned",
				Want:   strconv.Itoa(*exp.TotalEarned),
				Got:    strconv.Itoa(rec.TotalEarned),
				Match:  *exp.TotalEarned == rec.TotalEarned,
			})
		}
	}
	return checks
}

// Divergences counts failed checks.
func Divergences(checks []Check) int {
	n := 0
	for _, c := range checks {
		if !c.Match {
			n++
		}
	}
	return n
}

// #endregion expectation-checks
