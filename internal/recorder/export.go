package recorder

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/HAPNlab/mid-task/internal/config"
	"github.com/HAPNlab/mid-task/internal/task"
	"github.com/HAPNlab/mid-task/internal/trial"
)

// #region columns

// behavioralColumns is the lab's analysis column set. Order is load-bearing
// for downstream scripts.
var behavioralColumns = []string{
	"trial_n", "trial_type", "cue_type", "reward", "difficulty", "target_accuracy",
	"quest", "quest_n", "quest_step", "quest_intensity", "time_onset", "jitter_ms",
	"target_dur_ms", "early_press", "hit", "rt_ms", "reward_outcome", "total_earned",
	"time_trial_end", "trial_dur_ms", "time_sched_end", "timing_drift_ms", "total_trs",
	"subject_id", "run_n", "pulse_ct",
}

var scanLogColumns = []string{
	"trial_n", "phase", "tr_n", "phase_global_time", "phase_trial_time", "pulse_ct",
	"drift_ms",
}

// #endregion columns

// #region behavioral-csv

// WriteBehavioralCSV writes one row per trial in the lab's column set.
func WriteBehavioralCSV(w io.Writer, sess Session, recs []trial.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(behavioralColumns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, rec := range recs {
		if err := cw.Write(behavioralRow(sess, rec)); err != nil {
			return fmt.Errorf("write trial %d: %w", rec.TrialN, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func behavioralRow(sess Session, rec trial.Record) []string {
	rtMS := ""
	if rec.RT != nil {
		rtMS = ms(*rec.RT)
	}
	return []string{
		strconv.Itoa(rec.TrialN),
		strconv.Itoa(rec.TypeCode),
		string(rec.Cue),
		strconv.Itoa(rec.RewardDollars),
		string(rec.Level),
		strconv.Itoa(rec.TargetPct),
		string(rec.Level),
		strconv.Itoa(rec.StairN),
		strconv.FormatFloat(rec.StairSD, 'f', 6, 64),
		strconv.FormatFloat(rec.IntensityS, 'f', 6, 64),
		secs(rec.Onset),
		strconv.FormatInt(rec.Jitter.Milliseconds(), 10),
		strconv.FormatInt(rec.TargetDur.Milliseconds(), 10),
		flag(rec.Result == trial.ResultEarly),
		flag(rec.Result == trial.ResultHit),
		rtMS,
		rec.RewardOutcome,
		strconv.Itoa(rec.TotalEarned),
		secs(rec.TrialEnd),
		strconv.FormatInt(rec.TrialDur.Milliseconds(), 10),
		secs(rec.SchedEnd),
		strconv.FormatFloat(rec.DriftMS, 'f', 3, 64),
		strconv.Itoa(rec.TotalTRs),
		sess.SubjectID,
		sess.RunLabel,
		strconv.FormatInt(rec.PulseCount, 10),
	}
}

// #endregion behavioral-csv

// #region scan-log-csv

// WriteScanLogCSV writes one row per phase transition.
func WriteScanLogCSV(w io.Writer, phs []trial.PhaseRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(scanLogColumns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, ph := range phs {
		row := []string{
			strconv.Itoa(ph.TrialN),
			string(ph.Phase),
			strconv.Itoa(ph.TRn),
			secs(ph.Global),
			secs(ph.TrialTime),
			strconv.FormatInt(ph.PulseCount, 10),
			strconv.FormatFloat(ph.DriftMS, 'f', 3, 64),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write phase row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// #endregion scan-log-csv

// #region manifest

type studyParams struct {
	TRDurationS         float64 `json:"tr_duration_s"`
	PulsesPerTR         int     `json:"pulses_per_tr"`
	InitialFixDurS      float64 `json:"initial_fix_dur_s"`
	ClosingFixDurS      float64 `json:"closing_fix_dur_s"`
	MinTargetDurS       float64 `json:"min_target_dur_s"`
	MaxTargetDurS       float64 `json:"max_target_dur_s"`
	InitialTargetDurS   float64 `json:"initial_target_dur_s"`
	TargetAccuraciesPct []int   `json:"target_accuracies_pct"`
	JitterMaxS          float64 `json:"jitter_max_s"`
}

type manifest struct {
	TaskVersion string      `json:"mid_task_version"`
	SessionID   string      `json:"session_id"`
	SubjectID   string      `json:"subject_id"`
	RunN        string      `json:"run_n"`
	FMRI        bool        `json:"fmri"`
	Seed        int64       `json:"seed"`
	SessionTime string      `json:"session_time"`
	NTrials     int         `json:"n_trials"`
	StudyParams studyParams `json:"study_params"`
}

// WriteManifest emits the session manifest, with study parameters pulled
// from the config stored alongside the session.
func WriteManifest(w io.Writer, sess Session) error {
	var cfg config.Config
	if err := json.Unmarshal([]byte(sess.ConfigJSON), &cfg); err != nil {
		return fmt.Errorf("unmarshal session config: %w", err)
	}

	var accuracies []int
	for _, lv := range task.Levels() {
		accuracies = append(accuracies, lv.TargetPercent())
	}

	m := manifest{
		TaskVersion: Version,
		SessionID:   sess.ID,
		SubjectID:   sess.SubjectID,
		RunN:        sess.RunLabel,
		FMRI:        sess.FMRI,
		Seed:        sess.Seed,
		SessionTime: sess.StartedAt.Format(time.RFC3339),
		NTrials:     sess.NTrials,
		StudyParams: studyParams{
			TRDurationS:         cfg.Scanner.TRS,
			PulsesPerTR:         cfg.Scanner.PulsesPerTR,
			InitialFixDurS:      cfg.Run.InitialFixS,
			ClosingFixDurS:      cfg.Run.ClosingFixS,
			MinTargetDurS:       cfg.Target.MinDurS,
			MaxTargetDurS:       cfg.Target.MaxDurS,
			InitialTargetDurS:   cfg.Target.InitialDurS,
			TargetAccuraciesPct: accuracies,
			JitterMaxS:          cfg.Target.JitterMaxS,
		},
	}

	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	_, err = w.Write(append(out, '\n'))
	return err
}

// #endregion manifest

// #region export

// Export writes behavioral.csv, scan_log.csv and manifest.json for a
// session into dir, creating it if needed. anonymize, when non-empty,
// replaces the subject ID in every exported file.
func (s *Store) Export(sessionID, dir, anonymize string) error {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return err
	}
	if anonymize != "" {
		sess.SubjectID = anonymize
	}
	recs, err := s.Trials(sessionID)
	if err != nil {
		return err
	}
	phs, err := s.Phases(sessionID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("make export dir: %w", err)
	}
	if err := writeFile(filepath.Join(dir, "behavioral.csv"), func(w io.Writer) error {
		return WriteBehavioralCSV(w, sess, recs)
	}); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, "scan_log.csv"), func(w io.Writer) error {
		return WriteScanLogCSV(w, phs)
	}); err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, "manifest.json"), func(w io.Writer) error {
		return WriteManifest(w, sess)
	})
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

func secs(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 6, 64)
}

func ms(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 3, 64)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// #endregion export
