// Package history keeps a queryable record of finished and in-flight runs in
// SQLite. It is fed by the lifecycle event stream.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kingrea/reconflow/internal/value"
	"github.com/kingrea/reconflow/internal/workflow"
	"github.com/kingrea/reconflow/internal/workflow/lifecycle"
)

// ErrNotFound is returned when a run has no history.
var ErrNotFound = errors.New("history: run not found")

// Store implements run history on SQLite.
type Store struct {
	db *sql.DB
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID      string             `json:"run_id"`
	WorkflowID string             `json:"workflow_id"`
	Name       string             `json:"name,omitempty"`
	Target     string             `json:"target,omitempty"`
	Status     workflow.RunStatus `json:"status"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Total      int                `json:"total"`
	Completed  int                `json:"completed"`
	Failed     int                `json:"failed"`
	Blocked    int                `json:"blocked"`
	Cancelled  int                `json:"cancelled"`
}

// TaskRecord is one row of the task_runs table.
type TaskRecord struct {
	TaskID             string              `json:"task_id"`
	Name               string              `json:"name,omitempty"`
	Executor           string              `json:"executor,omitempty"`
	Status             workflow.TaskStatus `json:"status"`
	ResolvedParameters value.Map           `json:"resolved_parameters,omitempty"`
	Result             value.Map           `json:"result,omitempty"`
	Error              string              `json:"error,omitempty"`
	Diagnostic         string              `json:"diagnostic,omitempty"`
	StartedAt          *time.Time          `json:"started_at,omitempty"`
	FinishedAt         *time.Time          `json:"finished_at,omitempty"`
}

// RunDetail is a run with its tasks in first-seen order.
type RunDetail struct {
	Run   RunRecord    `json:"run"`
	Tasks []TaskRecord `json:"tasks"`
}

// ListOptions filters ListRuns.
type ListOptions struct {
	WorkflowID string
	Status     workflow.RunStatus
	Limit      int
}

// NewStore opens a SQLite database and applies the schema.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: enable foreign keys: %w", err)
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return store, nil
}

// Open creates the parent directory of path and opens the database there.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	return NewStore(path + "?_busy_timeout=5000&_journal_mode=WAL")
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			total INTEGER NOT NULL DEFAULT 0,
			completed INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			blocked INTEGER NOT NULL DEFAULT 0,
			cancelled INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS task_runs (
			run_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			executor TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			resolved_parameters TEXT,
			result TEXT,
			error TEXT,
			diagnostic TEXT,
			started_at DATETIME,
			finished_at DATETIME,
			PRIMARY KEY (run_id, task_id),
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			task_id TEXT,
			payload TEXT NOT NULL,
			ts DATETIME NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// EnsureRun inserts a placeholder row for a run seen for the first time.
func (s *Store) EnsureRun(ctx context.Context, runID, workflowID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (run_id, workflow_id, status, started_at) VALUES (?, ?, ?, ?)`,
		runID, workflowID, workflow.RunRunning, startedAt)
	return err
}

// SaveRun inserts or replaces the aggregate row of a run.
func (s *Store) SaveRun(ctx context.Context, run lifecycle.RunSnapshot) error {
	var finished sql.NullTime
	if !run.FinishedAt.IsZero() {
		finished = sql.NullTime{Time: run.FinishedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, workflow_id, name, target, status, started_at, finished_at, total, completed, failed, blocked, cancelled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			name = excluded.name,
			target = excluded.target,
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			total = excluded.total,
			completed = excluded.completed,
			failed = excluded.failed,
			blocked = excluded.blocked,
			cancelled = excluded.cancelled`,
		run.RunID, run.WorkflowID, run.Name, run.Target, run.Status, run.StartedAt, finished,
		run.Total, run.Completed, run.Failed, run.Blocked, run.Cancelled)
	return err
}

// SaveProgress updates the counters of a running run.
func (s *Store) SaveProgress(ctx context.Context, runID string, progress lifecycle.Progress) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET total = ?, completed = ? WHERE run_id = ?`,
		progress.Total, progress.Completed, runID)
	return err
}

// SaveTask inserts or replaces one task row.
func (s *Store) SaveTask(ctx context.Context, runID string, task lifecycle.TaskSnapshot) error {
	params, err := encodeMap(task.ResolvedParameters)
	if err != nil {
		return err
	}
	result, err := encodeMap(task.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_runs (run_id, task_id, position, name, executor, status, resolved_parameters, result, error, diagnostic, started_at, finished_at)
		VALUES (?, ?, (SELECT COUNT(*) FROM task_runs WHERE run_id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, task_id) DO UPDATE SET
			name = excluded.name,
			executor = excluded.executor,
			status = excluded.status,
			resolved_parameters = COALESCE(excluded.resolved_parameters, task_runs.resolved_parameters),
			result = excluded.result,
			error = excluded.error,
			diagnostic = excluded.diagnostic,
			started_at = COALESCE(excluded.started_at, task_runs.started_at),
			finished_at = excluded.finished_at`,
		runID, task.TaskID, runID, task.Name, task.Executor, task.Status, params, result,
		nullString(task.Error), nullString(task.Diagnostic), nullTime(task.StartedAt), nullTime(task.FinishedAt))
	return err
}

// AppendEvent stores an event. Re-delivered events are ignored.
func (s *Store) AppendEvent(ctx context.Context, event lifecycle.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("history: encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (event_id, run_id, seq, kind, task_id, payload, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.RunID, event.Seq, event.Kind, nullString(event.TaskID), string(payload), event.Time)
	return err
}

// ListRuns returns runs, newest first.
func (s *Store) ListRuns(ctx context.Context, opts ListOptions) ([]RunRecord, error) {
	query := `SELECT run_id, workflow_id, name, target, status, started_at, finished_at, total, completed, failed, blocked, cancelled FROM runs WHERE 1=1`
	var args []any
	if opts.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, opts.WorkflowID)
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, opts.Status)
	}
	query += ` ORDER BY started_at DESC, run_id`
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun loads a run and its tasks.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunDetail, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, workflow_id, name, target, status, started_at, finished_at, total, completed, failed, blocked, cancelled FROM runs WHERE run_id = ?`,
		runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, name, executor, status, resolved_parameters, result, error, diagnostic, started_at, finished_at
		FROM task_runs WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	detail := &RunDetail{Run: run}
	for rows.Next() {
		var (
			task                  TaskRecord
			params, result        sql.NullString
			errText, diagnostic   sql.NullString
			startedAt, finishedAt sql.NullTime
		)
		if err := rows.Scan(&task.TaskID, &task.Name, &task.Executor, &task.Status, &params, &result, &errText, &diagnostic, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if task.ResolvedParameters, err = decodeMap(params); err != nil {
			return nil, err
		}
		if task.Result, err = decodeMap(result); err != nil {
			return nil, err
		}
		task.Error = errText.String
		task.Diagnostic = diagnostic.String
		task.StartedAt = timePtr(startedAt)
		task.FinishedAt = timePtr(finishedAt)
		detail.Tasks = append(detail.Tasks, task)
	}
	return detail, rows.Err()
}

// Events returns the stored events of a run with seq greater than afterSeq.
func (s *Store) Events(ctx context.Context, runID string, afterSeq int64, limit int) ([]lifecycle.Event, error) {
	query := `SELECT payload FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []lifecycle.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var event lifecycle.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, fmt.Errorf("history: decode event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// DeleteRun removes a run with its tasks and events.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var (
		run      RunRecord
		finished sql.NullTime
	)
	err := row.Scan(&run.RunID, &run.WorkflowID, &run.Name, &run.Target, &run.Status, &run.StartedAt, &finished,
		&run.Total, &run.Completed, &run.Failed, &run.Blocked, &run.Cancelled)
	if err != nil {
		return RunRecord{}, err
	}
	run.FinishedAt = timePtr(finished)
	return run, nil
}

func encodeMap(m value.Map) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("history: encode values: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeMap(s sql.NullString) (value.Map, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m value.Map
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("history: decode values: %w", err)
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
