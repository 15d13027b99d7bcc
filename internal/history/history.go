// Package history persists run and task records to a local SQLite database,
// so past pipeline invocations can be inspected after the fact.
package history

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    targets     TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'running',
    started_at  TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tasks (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id),
    rule        TEXT NOT NULL,
    binding     TEXT NOT NULL,
    status      TEXT NOT NULL,
    attempts    INTEGER NOT NULL,
    log_path    TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks(run_id);
`

// TaskRecord is one task's terminal state within a run.
type TaskRecord struct {
	Rule     string
	Binding  string
	Status   string
	Attempts int
	LogPath  string
	Error    string
}

// RunRecord summarizes one stored run.
type RunRecord struct {
	ID         string
	Targets    []string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun records the start of a run and returns its ID.
func (s *Store) BeginRun(targets []string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO runs (id, targets, status, started_at) VALUES (?, ?, 'running', ?)`,
		id, strings.Join(targets, " "), time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("recording run start: %w", err)
	}
	return id, nil
}

// FinishRun records the run's terminal status.
func (s *Store) FinishRun(id, status string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	return nil
}

// RecordTask appends one task record to a run.
func (s *Store) RecordTask(runID string, rec TaskRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO tasks (run_id, rule, binding, status, attempts, log_path, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.Rule, rec.Binding, rec.Status, rec.Attempts, rec.LogPath, rec.Error, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording task: %w", err)
	}
	return nil
}

// LatestRun returns the most recently started run, or nil when the store is
// empty.
func (s *Store) LatestRun() (*RunRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, targets, status, started_at, COALESCE(finished_at, started_at)
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`)
	var r RunRecord
	var targets string
	if err := row.Scan(&r.ID, &targets, &r.Status, &r.StartedAt, &r.FinishedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("reading latest run: %w", err)
	}
	if targets != "" {
		r.Targets = strings.Split(targets, " ")
	}
	return &r, nil
}

// TasksForRun returns a run's task records in insertion order.
func (s *Store) TasksForRun(runID string) ([]TaskRecord, error) {
	rows, err := s.db.Query(
		`SELECT rule, binding, status, attempts, log_path, error
		 FROM tasks WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("reading tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		if err := rows.Scan(&rec.Rule, &rec.Binding, &rec.Status, &rec.Attempts, &rec.LogPath, &rec.Error); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
