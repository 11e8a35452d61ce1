// Package history keeps an optional SQLite record of batch runs and per-job
// executions. It is reporting-only: the text ledger stays the authoritative
// source for resume decisions, the database serves the status API.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// Run is one driver invocation over a queue
type Run struct {
	ID         string    `db:"id"`
	Tool       string    `db:"tool"`
	StartedAt  int64     `db:"started_at"`
	FinishedAt int64     `db:"finished_at"`
	Attempted  int       `db:"attempted"`
	Succeeded  int       `db:"succeeded"`
	Failed     int       `db:"failed"`
}

// Execution is one recorded job attempt
type Execution struct {
	ID         int64  `db:"id"`
	RunID      string `db:"run_id"`
	Identity   string `db:"identity"`
	Target     string `db:"target"`
	StartedAt  int64  `db:"started_at"`
	FinishedAt int64  `db:"finished_at"`
	Outcome    string `db:"outcome"`
	ExitCode   int    `db:"exit_code"`
	TimedOut   bool   `db:"timed_out"`
	LogFile    string `db:"log_file"`
}

// Started returns execution start as time.Time
func (e Execution) Started() time.Time { return time.Unix(e.StartedAt, 0) }

// Finished returns execution end as time.Time
func (e Execution) Finished() time.Time { return time.Unix(e.FinishedAt, 0) }

// Store implements run/execution persistence over SQLite
type Store struct {
	db *sqlx.DB
}

// NewStore opens (creating if needed) the history database
func NewStore(dbPath string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// WAL for better concurrency with the status API reader
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	res := &Store{db: db}
	if err := res.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return res, nil
}

func (s *Store) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			tool TEXT NOT NULL,
			started_at INTEGER,
			finished_at INTEGER,
			attempted INTEGER DEFAULT 0,
			succeeded INTEGER DEFAULT 0,
			failed INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT,
			identity TEXT NOT NULL,
			target TEXT NOT NULL,
			started_at INTEGER,
			finished_at INTEGER,
			outcome TEXT,
			exit_code INTEGER,
			timed_out BOOLEAN DEFAULT 0,
			log_file TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_run_id ON executions(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// StartRun registers a new run and returns its id
func (s *Store) StartRun(tool string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(`INSERT INTO runs (id, tool, started_at) VALUES (?, ?, ?)`, id, tool, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// FinishRun stores the final counters of a run
func (s *Store) FinishRun(runID string, attempted, succeeded, failed int) error {
	_, err := s.db.Exec(`UPDATE runs SET finished_at=?, attempted=?, succeeded=?, failed=? WHERE id=?`,
		time.Now().Unix(), attempted, succeeded, failed, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	return nil
}

// RecordExecution appends one attempt record
func (s *Store) RecordExecution(e Execution) error {
	_, err := s.db.NamedExec(`INSERT INTO executions
		(run_id, identity, target, started_at, finished_at, outcome, exit_code, timed_out, log_file)
		VALUES (:run_id, :identity, :target, :started_at, :finished_at, :outcome, :exit_code, :timed_out, :log_file)`, e)
	if err != nil {
		return fmt.Errorf("failed to record execution for %s: %w", e.Identity, err)
	}
	return nil
}

// RecentExecutions returns the last limit attempts, newest first
func (s *Store) RecentExecutions(limit int) ([]Execution, error) {
	var res []Execution
	err := s.db.Select(&res, `SELECT * FROM executions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	return res, nil
}

// LastRun returns the most recently started run, false when nothing recorded
func (s *Store) LastRun() (Run, bool, error) {
	var res Run
	err := s.db.Get(&res, `SELECT * FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, false, nil
		}
		return Run{}, false, fmt.Errorf("failed to query last run: %w", err)
	}
	return res, true, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
