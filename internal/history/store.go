// Package history archives terminal tasks evicted from the scheduler's
// in-memory retention window, keeping them queryable indefinitely.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentops/dispatch/internal/scheduler"
)

// Store is a SQLite-backed task archive. It implements
// scheduler.Archiver.
type Store struct {
	db *sql.DB
}

// NewStore creates a store at the given path. Creates parent
// directories if needed. Enables WAL mode and a busy timeout.
func NewStore(ctx context.Context, dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewMemoryStore creates an in-memory archive for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ArchiveTask writes a terminal task into the archive. Idempotent by
// task id.
func (s *Store) ArchiveTask(ctx context.Context, task *scheduler.Task) error {
	resultJSON := ""
	if task.Result != nil {
		data, err := json.Marshal(task.Result)
		if err != nil {
			return fmt.Errorf("failed to encode task result: %w", err)
		}
		resultJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_archive
			(id, type, description, priority, status, dependencies, agent_id,
			 result, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			completed_at = excluded.completed_at
	`, task.ID, task.Type, task.Description, task.Priority.String(), task.Status.String(),
		strings.Join(task.Dependencies, ","), task.AssignedAgent,
		resultJSON, task.Err,
		task.CreatedAt.UTC().Format(time.RFC3339Nano),
		timeOrEmpty(task.StartedAt),
		timeOrEmpty(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to archive task %s: %w", task.ID, err)
	}
	return nil
}

// Task loads one archived task. Returns sql.ErrNoRows wrapped if the
// id is unknown.
func (s *Store) Task(ctx context.Context, id string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, description, priority, status, dependencies, agent_id,
		       result, error, created_at, started_at, completed_at
		FROM task_archive WHERE id = ?
	`, id)

	task, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load archived task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns archived tasks, newest completion first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]*scheduler.Task, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, description, priority, status, dependencies, agent_id,
		       result, error, created_at, started_at, completed_at
		FROM task_archive
		ORDER BY completed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	var (
		task                             scheduler.Task
		priority, status, deps           string
		resultJSON                       string
		createdAt, startedAt, completedAt string
	)

	err := row.Scan(&task.ID, &task.Type, &task.Description, &priority, &status,
		&deps, &task.AssignedAgent, &resultJSON, &task.Err,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if p, ok := scheduler.ParsePriority(priority); ok {
		task.Priority = p
	}
	switch status {
	case scheduler.StatusCompleted.String():
		task.Status = scheduler.StatusCompleted
	case scheduler.StatusFailed.String():
		task.Status = scheduler.StatusFailed
	}

	if deps != "" {
		task.Dependencies = strings.Split(deps, ",")
	}
	if resultJSON != "" {
		var result any
		if err := json.Unmarshal([]byte(resultJSON), &result); err == nil {
			task.Result = result
		}
	}

	task.CreatedAt = parseTime(createdAt)
	task.StartedAt = parseTime(startedAt)
	task.CompletedAt = parseTime(completedAt)
	return &task, nil
}

func timeOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
