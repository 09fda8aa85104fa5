// Package recorder persists sessions to SQLite and exports them in the
// lab's file formats. Trials are committed one transaction each, so an
// interrupted session keeps every trial that finished.
package recorder

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/HAPNlab/mid-task/internal/config"
	"github.com/HAPNlab/mid-task/internal/staircase"
	"github.com/HAPNlab/mid-task/internal/task"
	"github.com/HAPNlab/mid-task/internal/trial"
)

// Version tags stored sessions and exported manifests.
const Version = "2.0.0"

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id   TEXT PRIMARY KEY,
	subject_id   TEXT NOT NULL,
	run_label    TEXT NOT NULL,
	fmri         INTEGER NOT NULL,
	seed         INTEGER NOT NULL,
	config_json  TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	finished_at  TEXT,
	n_trials     INTEGER NOT NULL DEFAULT 0,
	total_earned INTEGER NOT NULL DEFAULT 0,
	pulse_count  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS trials (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id     TEXT NOT NULL,
	trial_n        INTEGER NOT NULL,
	type_code      INTEGER NOT NULL,
	cue            TEXT NOT NULL,
	reward_dollars INTEGER NOT NULL,
	target_pct     INTEGER NOT NULL,
	level          TEXT NOT NULL,
	stair_n        INTEGER NOT NULL,
	stair_sd       REAL NOT NULL,
	intensity_s    REAL NOT NULL,
	onset_ns       INTEGER NOT NULL,
	jitter_ns      INTEGER NOT NULL,
	target_dur_ns  INTEGER NOT NULL,
	result         TEXT NOT NULL,
	rt_ns          INTEGER,
	cue_presses    INTEGER NOT NULL,
	reward_outcome TEXT NOT NULL,
	reward_delta   INTEGER NOT NULL,
	total_earned   INTEGER NOT NULL,
	trial_end_ns   INTEGER NOT NULL,
	trial_dur_ns   INTEGER NOT NULL,
	sched_end_ns   INTEGER NOT NULL,
	drift_ms       REAL NOT NULL,
	total_trs      INTEGER NOT NULL,
	pulse_count    INTEGER NOT NULL,
	completed      INTEGER NOT NULL,
	UNIQUE (session_id, trial_n),
	FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);

CREATE TABLE IF NOT EXISTS phases (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL,
	trial_n       INTEGER NOT NULL,
	phase         TEXT NOT NULL,
	tr_n          INTEGER NOT NULL,
	global_ns     INTEGER NOT NULL,
	trial_time_ns INTEGER NOT NULL,
	pulse_count   INTEGER NOT NULL,
	drift_ms      REAL NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);

CREATE TABLE IF NOT EXISTS staircase_final (
	session_id  TEXT NOT NULL,
	level       TEXT NOT NULL,
	intensity_s REAL NOT NULL,
	sd_s        REAL NOT NULL,
	count       INTEGER NOT NULL,
	PRIMARY KEY (session_id, level),
	FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);
`

// #endregion schema

// #region session-record

// Session is one stored run of the task. FinishedAt stays zero until the
// session is closed out.
type Session struct {
	ID          string
	SubjectID   string
	RunLabel    string
	FMRI        bool
	Seed        int64
	ConfigJSON  string
	StartedAt   time.Time
	FinishedAt  time.Time
	NTrials     int
	TotalEarned int
	PulseCount  int64
}

// #endregion session-record

// #region store

// Store manages session records in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Single writer. Also keeps ":memory:" databases on one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion store

// #region begin-session

// BeginSession inserts a session row and returns it with a fresh ID.
func (s *Store) BeginSession(subject, runLabel string, fmri bool, seed int64, cfg config.Config) (Session, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return Session{}, fmt.Errorf("marshal config: %w", err)
	}
	sess := Session{
		ID:         uuid.New().String(),
		SubjectID:  subject,
		RunLabel:   runLabel,
		FMRI:       fmri,
		Seed:       seed,
		ConfigJSON: string(cfgJSON),
		StartedAt:  time.Now().UTC(),
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (session_id, subject_id, run_label, fmri, seed, config_json, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.SubjectID, sess.RunLabel, sess.FMRI, sess.Seed,
		sess.ConfigJSON, sess.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// #endregion begin-session

// #region append-trial

// AppendTrial commits one trial and its phase records in a single
// transaction.
func (s *Store) AppendTrial(sessionID string, rec trial.Record, phases []trial.PhaseRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var rtPtr interface{}
	if rec.RT != nil {
		rtPtr = int64(*rec.RT)
	}

	_, err = tx.Exec(
		`INSERT INTO trials (session_id, trial_n, type_code, cue, reward_dollars, target_pct,
		                     level, stair_n, stair_sd, intensity_s, onset_ns, jitter_ns,
		                     target_dur_ns, result, rt_ns, cue_presses, reward_outcome,
		                     reward_delta, total_earned, trial_end_ns, trial_dur_ns,
		                     sched_end_ns, drift_ms, total_trs, pulse_count, completed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, rec.TrialN, rec.TypeCode, string(rec.Cue), rec.RewardDollars, rec.TargetPct,
		string(rec.Level), rec.StairN, rec.StairSD, rec.IntensityS, int64(rec.Onset), int64(rec.Jitter),
		int64(rec.TargetDur), string(rec.Result), rtPtr, rec.CuePresses, rec.RewardOutcome,
		rec.RewardDelta, rec.TotalEarned, int64(rec.TrialEnd), int64(rec.TrialDur),
		int64(rec.SchedEnd), rec.DriftMS, rec.TotalTRs, rec.PulseCount, rec.Completed,
	)
	if err != nil {
		return fmt.Errorf("insert trial %d: %w", rec.TrialN, err)
	}

	for _, ph := range phases {
		_, err = tx.Exec(
			`INSERT INTO phases (session_id, trial_n, phase, tr_n, global_ns, trial_time_ns, pulse_count, drift_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, ph.TrialN, string(ph.Phase), ph.TRn,
			int64(ph.Global), int64(ph.TrialTime), ph.PulseCount, ph.DriftMS,
		)
		if err != nil {
			return fmt.Errorf("insert phase %s of trial %d: %w", ph.Phase, ph.TrialN, err)
		}
	}

	return tx.Commit()
}

// #endregion append-trial

// #region finish-session

// FinishSession stamps the session's totals and finish time.
func (s *Store) FinishSession(sessionID string, nTrials, totalEarned int, pulseCount int64) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET finished_at = ?, n_trials = ?, total_earned = ?, pulse_count = ?
		 WHERE session_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), nTrials, totalEarned, pulseCount, sessionID,
	)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish session: %s not found", sessionID)
	}
	return nil
}

// SaveStaircase writes the final per-level staircase snapshots.
func (s *Store) SaveStaircase(sessionID string, states []staircase.LevelState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, st := range states {
		_, err = tx.Exec(
			`INSERT INTO staircase_final (session_id, level, intensity_s, sd_s, count)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(session_id, level) DO UPDATE SET
			   intensity_s = excluded.intensity_s, sd_s = excluded.sd_s, count = excluded.count`,
			sessionID, string(st.Level), st.IntensityS, st.SDS, st.Count,
		)
		if err != nil {
			return fmt.Errorf("save staircase %s: %w", st.Level, err)
		}
	}
	return tx.Commit()
}

// #endregion finish-session

// #region read-session

// GetSession retrieves a session row by ID.
func (s *Store) GetSession(id string) (Session, error) {
	return s.scanSession(s.db.QueryRow(
		`SELECT session_id, subject_id, run_label, fmri, seed, config_json,
		        started_at, finished_at, n_trials, total_earned, pulse_count
		 FROM sessions WHERE session_id = ?`, id))
}

// LatestSession retrieves the most recently started session.
func (s *Store) LatestSession() (Session, error) {
	return s.scanSession(s.db.QueryRow(
		`SELECT session_id, subject_id, run_label, fmri, seed, config_json,
		        started_at, finished_at, n_trials, total_earned, pulse_count
		 FROM sessions ORDER BY started_at DESC LIMIT 1`))
}

// Sessions lists stored sessions, newest first. limit <= 0 means all.
func (s *Store) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT session_id, subject_id, run_label, fmri, seed, config_json,
		        started_at, finished_at, n_trials, total_earned, pulse_count
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanSession(row rowScanner) (Session, error) {
	var sess Session
	var startedStr string
	var finishedStr sql.NullString
	err := row.Scan(&sess.ID, &sess.SubjectID, &sess.RunLabel, &sess.FMRI, &sess.Seed,
		&sess.ConfigJSON, &startedStr, &finishedStr, &sess.NTrials, &sess.TotalEarned, &sess.PulseCount)
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	sess.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	if finishedStr.Valid {
		sess.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedStr.String)
	}
	return sess, nil
}

// #endregion read-session

// #region read-trials

// Trials returns a session's trials in run order.
func (s *Store) Trials(sessionID string) ([]trial.Record, error) {
	rows, err := s.db.Query(
		`SELECT trial_n, type_code, cue, reward_dollars, target_pct, level, stair_n,
		        stair_sd, intensity_s, onset_ns, jitter_ns, target_dur_ns, result, rt_ns,
		        cue_presses, reward_outcome, reward_delta, total_earned, trial_end_ns,
		        trial_dur_ns, sched_end_ns, drift_ms, total_trs, pulse_count, completed
		 FROM trials WHERE session_id = ? ORDER BY trial_n`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query trials: %w", err)
	}
	defer rows.Close()

	var recs []trial.Record
	for rows.Next() {
		var rec trial.Record
		var cue, level, result string
		var onset, jitter, targetDur, trialEnd, trialDur, schedEnd int64
		var rt sql.NullInt64
		err := rows.Scan(&rec.TrialN, &rec.TypeCode, &cue, &rec.RewardDollars, &rec.TargetPct,
			&level, &rec.StairN, &rec.StairSD, &rec.IntensityS, &onset, &jitter, &targetDur,
			&result, &rt, &rec.CuePresses, &rec.RewardOutcome, &rec.RewardDelta,
			&rec.TotalEarned, &trialEnd, &trialDur, &schedEnd, &rec.DriftMS,
			&rec.TotalTRs, &rec.PulseCount, &rec.Completed)
		if err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		rec.Cue = task.CueType(cue)
		rec.Level = task.Level(level)
		rec.Result = trial.Result(result)
		rec.Onset = time.Duration(onset)
		rec.Jitter = time.Duration(jitter)
		rec.TargetDur = time.Duration(targetDur)
		rec.TrialEnd = time.Duration(trialEnd)
		rec.TrialDur = time.Duration(trialDur)
		rec.SchedEnd = time.Duration(schedEnd)
		if rt.Valid {
			d := time.Duration(rt.Int64)
			rec.RT = &d
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Phases returns a session's phase records ordered by trial then TR.
func (s *Store) Phases(sessionID string) ([]trial.PhaseRecord, error) {
	rows, err := s.db.Query(
		`SELECT trial_n, phase, tr_n, global_ns, trial_time_ns, pulse_count, drift_ms
		 FROM phases WHERE session_id = ? ORDER BY trial_n, tr_n`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query phases: %w", err)
	}
	defer rows.Close()

	var phs []trial.PhaseRecord
	for rows.Next() {
		var ph trial.PhaseRecord
		var phase string
		var global, trialTime int64
		err := rows.Scan(&ph.TrialN, &phase, &ph.TRn, &global, &trialTime, &ph.PulseCount, &ph.DriftMS)
		if err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		ph.Phase = trial.Phase(phase)
		ph.Global = time.Duration(global)
		ph.TrialTime = time.Duration(trialTime)
		phs = append(phs, ph)
	}
	return phs, rows.Err()
}

// Staircase returns the stored final snapshots in level order.
func (s *Store) Staircase(sessionID string) ([]staircase.LevelState, error) {
	rows, err := s.db.Query(
		`SELECT level, intensity_s, sd_s, count FROM staircase_final WHERE session_id = ?`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query staircase: %w", err)
	}
	defer rows.Close()

	byLevel := make(map[task.Level]staircase.LevelState)
	for rows.Next() {
		var st staircase.LevelState
		var level string
		if err := rows.Scan(&level, &st.IntensityS, &st.SDS, &st.Count); err != nil {
			return nil, fmt.Errorf("scan staircase: %w", err)
		}
		st.Level = task.Level(level)
		byLevel[st.Level] = st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var states []staircase.LevelState
	for _, lv := range task.Levels() {
		if st, ok := byLevel[lv]; ok {
			states = append(states, st)
		}
	}
	return states, nil
}

// #endregion read-trials
