// Package ledger keeps the history of pipeline runs in sqlite: which
// experiments a run covered, each stage outcome and every job status seen.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Stage is one recorded stage outcome.
type Stage struct {
	Stage   string
	OK      bool
	Message string
	At      time.Time
}

// Job is the latest known state of one experiment's job within a run.
type Job struct {
	Experiment string
	JobID      string
	Status     string
	UpdatedAt  time.Time
	// CompletedAt is zero until the job reaches a terminal state.
	CompletedAt time.Time
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// monitor and HTTP handlers write concurrently
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS runs (
  id          TEXT PRIMARY KEY,
  started_at  TEXT NOT NULL,
  experiments TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS stage_results (
  id      INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id  TEXT NOT NULL,
  stage   TEXT NOT NULL,
  ok      INTEGER NOT NULL,
  message TEXT,
  at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stage_results_run ON stage_results(run_id);
CREATE TABLE IF NOT EXISTS jobs (
  run_id       TEXT NOT NULL,
  experiment   TEXT NOT NULL,
  job_id       TEXT,
  status       TEXT NOT NULL,
  updated_at   TEXT NOT NULL,
  completed_at TEXT,
  PRIMARY KEY (run_id, experiment)
);`
	_, err := db.Exec(schema)
	return err
}

func (s *Store) StartRun(ctx context.Context, runID string, experiments []string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, experiments) VALUES (?, ?, ?)`,
		runID, formatTime(at), strings.Join(experiments, "\n"))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) RecordStage(ctx context.Context, runID string, st Stage) error {
	ok := 0
	if st.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_results (run_id, stage, ok, message, at) VALUES (?, ?, ?, ?, ?)`,
		runID, st.Stage, ok, st.Message, formatTime(st.At))
	if err != nil {
		return fmt.Errorf("insert stage %s for run %s: %w", st.Stage, runID, err)
	}
	return nil
}

// RecordJob upserts the job of one experiment in a run. A completion time,
// once stored, is kept.
func (s *Store) RecordJob(ctx context.Context, runID string, j Job) error {
	var completed any
	if !j.CompletedAt.IsZero() {
		completed = formatTime(j.CompletedAt)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (run_id, experiment, job_id, status, updated_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, experiment) DO UPDATE SET
  job_id       = excluded.job_id,
  status       = excluded.status,
  updated_at   = excluded.updated_at,
  completed_at = COALESCE(jobs.completed_at, excluded.completed_at)`,
		runID, j.Experiment, j.JobID, j.Status, formatTime(j.UpdatedAt), completed)
	if err != nil {
		return fmt.Errorf("upsert job %s for run %s: %w", j.Experiment, runID, err)
	}
	return nil
}

// Jobs lists a run's jobs by experiment name.
func (s *Store) Jobs(ctx context.Context, runID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT experiment, job_id, status, updated_at, completed_at
FROM jobs WHERE run_id = ? ORDER BY experiment`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var jobID, completed sql.NullString
		var updated string
		if err := rows.Scan(&j.Experiment, &jobID, &j.Status, &updated, &completed); err != nil {
			return nil, err
		}
		j.JobID = jobID.String
		if j.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		if completed.Valid {
			if j.CompletedAt, err = parseTime(completed.String); err != nil {
				return nil, err
			}
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Stages lists a run's stage outcomes in the order they were recorded.
func (s *Store) Stages(ctx context.Context, runID string) ([]Stage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stage, ok, message, at FROM stage_results WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Stage
	for rows.Next() {
		var st Stage
		var ok int
		var msg sql.NullString
		var at string
		if err := rows.Scan(&st.Stage, &ok, &msg, &at); err != nil {
			return nil, err
		}
		st.OK = ok == 1
		st.Message = msg.String
		if st.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
