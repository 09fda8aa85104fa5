package main

import (
	"context"
	"fmt"
	"time"

	"github.com/HAPNlab/mid-task/internal/config"
	"github.com/HAPNlab/mid-task/internal/recorder"
	"github.com/HAPNlab/mid-task/internal/replay"
	"github.com/HAPNlab/mid-task/internal/session"
	"github.com/HAPNlab/mid-task/internal/task"
	"github.com/spf13/cobra"
)

// #region command

var (
	simFixture   string
	simTrials    int
	simPressProb float64
	simLatency   float64
	simLatencySD float64
	simSeed      int64
	simSequence  string
	simConfig    string
	simDB        string
	simJSON      bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated session on a virtual clock",
	Long: `Simulate a session faster than realtime. With --fixture, replays a
scripted subject and compares recorded outcomes against the fixture's
expectations, exiting nonzero on any divergence. Without it, runs a
stochastic subject (press probability plus Gaussian latency) over a
balanced sequence and reports where each staircase converged.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simFixture, "fixture", "", "fixture JSON; replay it instead of a modeled subject")
	simulateCmd.Flags().IntVar(&simTrials, "trials", 54, "trial count for the modeled subject")
	simulateCmd.Flags().Float64Var(&simPressProb, "press-prob", 0.95, "per-trial press probability")
	simulateCmd.Flags().Float64Var(&simLatency, "latency-ms", 265, "mean press latency from target onset")
	simulateCmd.Flags().Float64Var(&simLatencySD, "latency-sd-ms", 80, "latency standard deviation")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 1, "simulation seed")
	simulateCmd.Flags().StringVar(&simSequence, "sequence", "", "trial sequence file (default: balanced)")
	simulateCmd.Flags().StringVar(&simConfig, "config", "", "YAML parameter file")
	simulateCmd.Flags().StringVar(&simDB, "db", "", "record the simulated session to this database")
	simulateCmd.Flags().BoolVar(&simJSON, "json", false, "output as JSON instead of text")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	var store *recorder.Store
	if simDB != "" {
		var err error
		store, err = recorder.NewStore(simDB)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	if simFixture != "" {
		return simulateFixture(simFixture, store)
	}
	return simulateModel(store)
}

// #endregion command

// #region fixture-mode

type checkRow struct {
	TrialN int    `json:"trial_n"`
	Field  string `json:"field"`
	Want   string `json:"want"`
	Got    string `json:"got"`
	Match  bool   `json:"match"`
}

type fixtureOutput struct {
	Description string     `json:"description,omitempty"`
	Trials      int        `json:"trials"`
	Checks      []checkRow `json:"checks"`
	Divergences int        `json:"divergences"`
}

func simulateFixture(path string, store *recorder.Store) error {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return err
	}

	res, checks, err := replay.RunFixture(context.Background(), f, store)
	if err != nil {
		return err
	}
	diverge := replay.Divergences(checks)

	if simJSON {
		out := fixtureOutput{
			Description: f.Description,
			Trials:      res.Summary.Trials,
			Checks:      make([]checkRow, len(checks)),
			Divergences: diverge,
		}
		for i, c := range checks {
			out.Checks[i] = checkRow{TrialN: c.TrialN, Field: c.Field, Want: c.Want, Got: c.Got, Match: c.Match}
		}
		if err := printJSON(out); err != nil {
			return err
		}
	} else {
		if f.Description != "" {
			fmt.Println(f.Description)
		}
		fmt.Printf("%-6s| %-14s| %-14s| %-14s| %s\n", "Trial", "Field", "Expected", "Recorded", "Match")
		fmt.Printf("%-6s+%-15s+%-15s+%-15s+%s\n",
			"------", "---------------", "---------------", "---------------", "------")
		for _, c := range checks {
			match := "DIFF"
			if c.Match {
				match = "OK"
			}
			fmt.Printf("%-6d| %-14s| %-14s| %-14s| %s\n", c.TrialN, c.Field, c.Want, c.Got, match)
		}
		fmt.Printf("\nSummary: %d trials, %d checks, %d diverge\n", res.Summary.Trials, len(checks), diverge)
	}

	if diverge > 0 {
		return fmt.Errorf("%d of %d checks diverged", diverge, len(checks))
	}
	return nil
}

// #endregion fixture-mode

// #region model-mode

type levelResult struct {
	Level       string   `json:"level"`
	TargetPct   int      `json:"target_pct"`
	ObservedPct *float64 `json:"observed_pct,omitempty"`
	DurationMS  float64  `json:"duration_ms"`
	SDMS        float64  `json:"sd_ms"`
	Count       int      `json:"count"`
}

type simOutput struct {
	SessionID string        `json:"session_id,omitempty"`
	Trials    int           `json:"trials"`
	Hits      int           `json:"hits"`
	Misses    int           `json:"misses"`
	Earlies   int           `json:"earlies"`
	Earned    int           `json:"total_earned"`
	DurationS float64       `json:"duration_s"`
	Levels    []levelResult `json:"levels"`
}

func simulateModel(store *recorder.Store) error {
	cfg, err := config.Load(simConfig)
	if err != nil {
		return err
	}

	var specs []task.TrialSpec
	if simSequence != "" {
		specs, err = task.LoadSequence(simSequence)
		if err != nil {
			return err
		}
	} else {
		specs = task.BalancedSequence(simTrials)
	}

	model := replay.Model{
		PressProb:     simPressProb,
		LatencyMeanMS: simLatency,
		LatencySDMS:   simLatencySD,
		Seed:          simSeed,
	}
	res, err := replay.Run(context.Background(), replay.Options{
		Config: cfg,
		Info:   session.Info{SubjectID: "sim", RunLabel: "sim", Seed: simSeed},
		Specs:  specs,
		Model:  &model,
		Store:  store,
	})
	if err != nil {
		return err
	}

	levels := levelResults(res.Staircase, res.Trials, cfg.Target.MinDurS)

	sum := res.Summary
	if simJSON {
		out := simOutput{
			Trials:    sum.Trials,
			Hits:      sum.Hits,
			Misses:    sum.Misses,
			Earlies:   sum.Earlies,
			Earned:    sum.TotalEarned,
			DurationS: sum.Duration.Seconds(),
			Levels:    levels,
		}
		if store != nil {
			out.SessionID = sum.SessionID
		}
		return printJSON(out)
	}

	fmt.Printf("Simulated %d trials  seed=%d  duration=%s\n", sum.Trials, simSeed, sum.Duration.Round(time.Millisecond))
	fmt.Printf("  hits=%d  misses=%d  earlies=%d  earned=%s\n\n", sum.Hits, sum.Misses, sum.Earlies, dollars(sum.TotalEarned))

	printLevels(levels)

	if store != nil {
		fmt.Printf("\nRecorded session %s to %s\n", shortID(sum.SessionID), simDB)
	}
	return nil
}

// #endregion model-mode
