package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/HAPNlab/mid-task/internal/config"
	"github.com/HAPNlab/mid-task/internal/eval"
	"github.com/HAPNlab/mid-task/internal/recorder"
	"github.com/HAPNlab/mid-task/internal/staircase"
	"github.com/HAPNlab/mid-task/internal/task"
	"github.com/HAPNlab/mid-task/internal/trial"
	"github.com/spf13/cobra"
)

// #region command

var (
	insDB      string
	insSession string
	insLatest  bool
	insLast    int
	insJSON    bool
	insCheck   bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Summarize sessions in a database",
	Long: `List recent sessions, or show one session in detail: staircase
convergence per level, observed hit rates, timing drift and earnings.

--check runs the post-session consistency checks (phase order, TR
contiguity, pulse monotonicity, payoff table, drift bounds) and exits
nonzero if any fail.`,
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&insDB, "db", "", "session database (required)")
	inspectCmd.Flags().StringVar(&insSession, "session", "", "show one session in detail")
	inspectCmd.Flags().BoolVar(&insLatest, "latest", false, "show the most recent session in detail")
	inspectCmd.Flags().IntVar(&insLast, "last", 20, "list N most recent sessions")
	inspectCmd.Flags().BoolVar(&insJSON, "json", false, "output as JSON instead of table")
	inspectCmd.Flags().BoolVar(&insCheck, "check", false, "run post-session consistency checks")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	if insDB == "" {
		return fmt.Errorf("--db is required")
	}
	store, err := recorder.NewStore(insDB)
	if err != nil {
		return err
	}
	defer store.Close()

	if insSession != "" || insLatest || insCheck {
		return inspectDetail(store, insSession)
	}
	return inspectList(store, insLast)
}

// #endregion command

// #region list-mode

type sessionRow struct {
	SessionID string `json:"session_id"`
	Subject   string `json:"subject"`
	Run       string `json:"run"`
	FMRI      bool   `json:"fmri"`
	Trials    int    `json:"trials"`
	Earned    int    `json:"total_earned"`
	StartedAt string `json:"started_at"`
	Finished  bool   `json:"finished"`
}

func inspectList(store *recorder.Store, last int) error {
	sessions, err := store.Sessions(last)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(os.Stderr, "no sessions found")
		return nil
	}

	// Store returns DESC, reverse for chronological.
	rows := make([]sessionRow, len(sessions))
	for i, sess := range sessions {
		rows[len(sessions)-1-i] = sessionRow{
			SessionID: sess.ID,
			Subject:   sess.SubjectID,
			Run:       sess.RunLabel,
			FMRI:      sess.FMRI,
			Trials:    sess.NTrials,
			Earned:    sess.TotalEarned,
			StartedAt: sess.StartedAt.Format("2006-01-02T15:04:05Z"),
			Finished:  !sess.FinishedAt.IsZero(),
		}
	}

	if insJSON {
		return printJSON(rows)
	}

	fmt.Printf("%-10s  %-12s  %-8s  %-5s  %6s  %7s  %-20s  %s\n",
		"Session", "Subject", "Run", "fMRI", "Trials", "Earned", "Started", "Done")
	fmt.Printf("%-10s+-%-12s+-%-8s+-%-5s+-%6s+-%7s+-%-20s+-%s\n",
		"----------", "------------", "--------", "-----", "------", "-------", "--------------------", "----")
	for _, r := range rows {
		done := "no"
		if r.Finished {
			done = "yes"
		}
		fmt.Printf("%-10s  %-12s  %-8s  %-5v  %6d  %7s  %-20s  %s\n",
			shortID(r.SessionID), r.Subject, r.Run, r.FMRI, r.Trials,
			dollars(r.Earned), r.StartedAt, done)
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	SessionID      string        `json:"session_id"`
	Subject        string        `json:"subject"`
	Run            string        `json:"run"`
	FMRI           bool          `json:"fmri"`
	Seed           int64         `json:"seed"`
	StartedAt      string        `json:"started_at"`
	FinishedAt     string        `json:"finished_at,omitempty"`
	Trials         int           `json:"trials"`
	Completed      int           `json:"completed"`
	Hits           int           `json:"hits"`
	Misses         int           `json:"misses"`
	Earlies        int           `json:"earlies"`
	Earned         int           `json:"total_earned"`
	Pulses         int64         `json:"pulses"`
	MeanAbsDriftMS float64       `json:"mean_abs_drift_ms"`
	MaxAbsDriftMS  float64       `json:"max_abs_drift_ms"`
	Levels         []levelResult `json:"levels"`
	Checks         *checkOutput  `json:"checks,omitempty"`
}

type checkOutput struct {
	Passed  bool        `json:"passed"`
	Reason  string      `json:"reason"`
	Metrics []metricRow `json:"metrics"`
}

type metricRow struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Pass  bool    `json:"pass"`
}

func inspectDetail(store *recorder.Store, id string) error {
	sess, err := resolveSession(store, id)
	if err != nil {
		return err
	}
	trials, err := store.Trials(sess.ID)
	if err != nil {
		return err
	}
	phases, err := store.Phases(sess.ID)
	if err != nil {
		return err
	}
	states, err := store.Staircase(sess.ID)
	if err != nil {
		return err
	}

	var cfg config.Config
	if err := json.Unmarshal([]byte(sess.ConfigJSON), &cfg); err != nil {
		return fmt.Errorf("unmarshal session config: %w", err)
	}

	out := detailOutput{
		SessionID: sess.ID,
		Subject:   sess.SubjectID,
		Run:       sess.RunLabel,
		FMRI:      sess.FMRI,
		Seed:      sess.Seed,
		StartedAt: sess.StartedAt.Format("2006-01-02T15:04:05Z"),
		Trials:    len(trials),
		Earned:    sess.TotalEarned,
		Pulses:    sess.PulseCount,
		Levels:    levelResults(states, trials, cfg.Target.MinDurS),
	}
	if !sess.FinishedAt.IsZero() {
		out.FinishedAt = sess.FinishedAt.Format("2006-01-02T15:04:05Z")
	} else if len(trials) > 0 {
		// Session never closed out; the last committed trial has the tally.
		out.Earned = trials[len(trials)-1].TotalEarned
	}

	for _, rec := range trials {
		if !rec.Completed {
			continue
		}
		out.Completed++
		switch rec.Result {
		case trial.ResultHit:
			out.Hits++
		case trial.ResultMiss:
			out.Misses++
		case trial.ResultEarly:
			out.Earlies++
		}
	}

	if len(phases) > 0 {
		var sum float64
		for _, ph := range phases {
			a := math.Abs(ph.DriftMS)
			sum += a
			if a > out.MaxAbsDriftMS {
				out.MaxAbsDriftMS = a
			}
		}
		out.MeanAbsDriftMS = sum / float64(len(phases))
	}

	if insCheck {
		result := eval.NewEvalHarness(eval.DefaultEvalConfig()).Run(trials, phases)
		chk := &checkOutput{
			Passed:  result.Passed,
			Reason:  result.Reason,
			Metrics: make([]metricRow, len(result.Metrics)),
		}
		for i, m := range result.Metrics {
			chk.Metrics[i] = metricRow{Name: m.Name, Value: m.Value, Pass: m.Pass}
		}
		out.Checks = chk
	}

	if insJSON {
		if err := printJSON(out); err != nil {
			return err
		}
	} else {
		printDetail(out)
	}

	if out.Checks != nil && !out.Checks.Passed {
		return fmt.Errorf("%s", out.Checks.Reason)
	}
	return nil
}

func printDetail(out detailOutput) {
	fmt.Printf("Session:   %s\n", out.SessionID)
	fmt.Printf("Subject:   %s\n", out.Subject)
	fmt.Printf("Run:       %s\n", out.Run)
	fmt.Printf("fMRI:      %v\n", out.FMRI)
	fmt.Printf("Seed:      %d\n", out.Seed)
	fmt.Printf("Started:   %s\n", out.StartedAt)
	if out.FinishedAt != "" {
		fmt.Printf("Finished:  %s\n", out.FinishedAt)
	} else {
		fmt.Printf("Finished:  (never)\n")
	}
	fmt.Printf("Trials:    %d (%d complete)\n", out.Trials, out.Completed)
	fmt.Printf("Scoring:   %d hit, %d miss, %d early\n", out.Hits, out.Misses, out.Earlies)
	fmt.Printf("Earned:    %s\n", dollars(out.Earned))
	fmt.Printf("Pulses:    %d\n", out.Pulses)
	fmt.Printf("Drift:     %.1f ms mean abs, %.1f ms max\n", out.MeanAbsDriftMS, out.MaxAbsDriftMS)

	fmt.Printf("\nStaircase:\n")
	printLevels(out.Levels)

	if out.Checks != nil {
		fmt.Printf("\nChecks:\n")
		for _, m := range out.Checks.Metrics {
			status := "ok"
			if !m.Pass {
				status = "FAIL"
			}
			fmt.Printf("  %-22s %10.3f  %s\n", m.Name, m.Value, status)
		}
		fmt.Printf("Result: %s\n", out.Checks.Reason)
	}
}

// #endregion detail-mode

// #region level-stats

// levelTally counts scored outcomes for one accuracy level.
type levelTally struct {
	Trials int
	Hits   int
}

func tallyLevels(trials []trial.Record) map[task.Level]levelTally {
	out := make(map[task.Level]levelTally, 3)
	for _, rec := range trials {
		if !rec.Completed {
			continue
		}
		t := out[rec.Level]
		t.Trials++
		if rec.Result == trial.ResultHit {
			t.Hits++
		}
		out[rec.Level] = t
	}
	return out
}

// levelResults joins final staircase states with observed per-level hit
// rates. floorS is the minimum presentable target duration in seconds.
func levelResults(states []staircase.LevelState, trials []trial.Record, floorS float64) []levelResult {
	tally := tallyLevels(trials)
	out := make([]levelResult, 0, len(states))
	for _, st := range states {
		lr := levelResult{
			Level:      string(st.Level),
			TargetPct:  st.Level.TargetPercent(),
			DurationMS: (floorS + st.IntensityS) * 1000,
			SDMS:       st.SDS * 1000,
			Count:      st.Count,
		}
		if t := tally[st.Level]; t.Trials > 0 {
			pct := 100 * float64(t.Hits) / float64(t.Trials)
			lr.ObservedPct = &pct
		}
		out = append(out, lr)
	}
	return out
}

func printLevels(levels []levelResult) {
	fmt.Printf("%-8s  %6s  %8s  %8s  %6s  %3s\n", "Level", "Target", "Observed", "Duration", "SD", "N")
	for _, lr := range levels {
		obs := "—"
		if lr.ObservedPct != nil {
			obs = fmt.Sprintf("%.1f%%", *lr.ObservedPct)
		}
		fmt.Printf("%-8s  %5d%%  %8s  %5.0f ms  %3.0f ms  %3d\n",
			lr.Level, lr.TargetPct, obs, lr.DurationMS, lr.SDMS, lr.Count)
	}
}

// #endregion level-stats
