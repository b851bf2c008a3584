// Package history keeps the long-term execution record in SQLite. The
// file-based state store holds only what a restart needs; everything that
// retired lands here for the admin surface and daily summaries.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alekspetrov/overseer/internal/queue"
)

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			issue_number INTEGER NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER DEFAULT 0,
			exit_code INTEGER DEFAULT 0,
			error TEXT,
			enqueued_at DATETIME,
			started_at DATETIME,
			completed_at DATETIME,
			wait_ms INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_project ON executions(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_completed ON executions(completed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Execution is one retired task.
type Execution struct {
	ID          string
	ProjectID   string
	IssueNumber int
	Kind        string
	Status      string
	Attempts    int
	ExitCode    int
	Error       string
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	WaitMs      int64
	DurationMs  int64
}

// RecordTask writes a terminal task into the history. Re-recording the same
// task ID replaces the earlier row.
func (s *Store) RecordTask(task *queue.Task) error {
	exitCode := 0
	if task.Result != nil {
		exitCode = task.Result.ExitCode
	}
	var startedAt, completedAt any
	if !task.StartedAt.IsZero() {
		startedAt = task.StartedAt
	}
	if !task.CompletedAt.IsZero() {
		completedAt = task.CompletedAt
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO executions
			(id, project_id, issue_number, kind, status, attempts, exit_code, error,
			 enqueued_at, started_at, completed_at, wait_ms, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.ProjectID, task.IssueNumber, string(task.Kind), string(task.Status),
		task.Attempts, exitCode, task.Error,
		task.EnqueuedAt, startedAt, completedAt,
		task.WaitTime().Milliseconds(), task.ExecutionTime().Milliseconds())
	return err
}

// Recent returns the latest executions, newest first.
func (s *Store) Recent(limit int) ([]*Execution, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, issue_number, kind, status, attempts, exit_code,
			COALESCE(error, ''), enqueued_at, started_at, completed_at, wait_ms, duration_ms
		FROM executions ORDER BY completed_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var executions []*Execution
	for rows.Next() {
		var e Execution
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.IssueNumber, &e.Kind, &e.Status,
			&e.Attempts, &e.ExitCode, &e.Error,
			&e.EnqueuedAt, &startedAt, &completedAt, &e.WaitMs, &e.DurationMs); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			e.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			e.CompletedAt = &completedAt.Time
		}
		executions = append(executions, &e)
	}
	return executions, rows.Err()
}

// Summary aggregates a project's executions inside one window.
type Summary struct {
	ProjectID     string  `json:"project_id"`
	Total         int     `json:"total"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	AvgWaitMs     float64 `json:"avg_wait_ms"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// ProjectSummary aggregates one project's executions since the cutoff.
func (s *Store) ProjectSummary(projectID string, since time.Time) (Summary, error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(wait_ms), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM executions
		WHERE project_id = ? AND completed_at >= ?
	`, projectID, since)

	sum := Summary{ProjectID: projectID}
	if err := row.Scan(&sum.Total, &sum.Succeeded, &sum.Failed, &sum.AvgWaitMs, &sum.AvgDurationMs); err != nil {
		return sum, err
	}
	return sum, nil
}

// Summaries aggregates every project with activity since the cutoff.
func (s *Store) Summaries(since time.Time) ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT project_id, COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(wait_ms), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM executions
		WHERE completed_at >= ?
		GROUP BY project_id ORDER BY project_id
	`, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sums []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ProjectID, &sum.Total, &sum.Succeeded, &sum.Failed,
			&sum.AvgWaitMs, &sum.AvgDurationMs); err != nil {
			return nil, err
		}
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

// Prune deletes executions that completed before the cutoff and returns how
// many rows were removed.
func (s *Store) Prune(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM executions WHERE completed_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
