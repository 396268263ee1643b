package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentops/dispatch/internal/scheduler"
)

func newFileStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := NewStore(ctx, filepath.Join(t.TempDir(), "archive", "tasks.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleTask(id string, completedAt time.Time) *scheduler.Task {
	return &scheduler.Task{
		ID:            id,
		Type:          "generation",
		Description:   "summarize the report",
		Priority:      scheduler.PriorityHigh,
		Status:        scheduler.StatusCompleted,
		Dependencies:  []string{"dep-1", "dep-2"},
		AssignedAgent: "agent-1",
		Result:        map[string]any{"tokens": float64(128)},
		CreatedAt:     completedAt.Add(-time.Minute),
		StartedAt:     completedAt.Add(-30 * time.Second),
		CompletedAt:   completedAt,
	}
}

func TestArchiveAndLoadTask(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	original := sampleTask("task-1", now)
	if err := store.ArchiveTask(ctx, original); err != nil {
		t.Fatalf("ArchiveTask: %v", err)
	}

	loaded, err := store.Task(ctx, "task-1")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}

	if loaded.Type != original.Type {
		t.Errorf("type = %q, want %q", loaded.Type, original.Type)
	}
	if loaded.Priority != scheduler.PriorityHigh {
		t.Errorf("priority = %v, want high", loaded.Priority)
	}
	if loaded.Status != scheduler.StatusCompleted {
		t.Errorf("status = %v, want completed", loaded.Status)
	}
	if len(loaded.Dependencies) != 2 || loaded.Dependencies[0] != "dep-1" {
		t.Errorf("dependencies = %v, want [dep-1 dep-2]", loaded.Dependencies)
	}
	if loaded.AssignedAgent != "agent-1" {
		t.Errorf("agent = %q, want agent-1", loaded.AssignedAgent)
	}
	result, ok := loaded.Result.(map[string]any)
	if !ok || result["tokens"] != float64(128) {
		t.Errorf("result = %v, want tokens map", loaded.Result)
	}
	if !loaded.CompletedAt.Equal(original.CompletedAt) {
		t.Errorf("completed at = %v, want %v", loaded.CompletedAt, original.CompletedAt)
	}
}

func TestArchiveFailedTask(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)

	now := time.Now().UTC()
	task := &scheduler.Task{
		ID:          "task-failed",
		Type:        "generation",
		Status:      scheduler.StatusFailed,
		Err:         "all providers exhausted",
		CreatedAt:   now,
		CompletedAt: now,
	}
	if err := store.ArchiveTask(ctx, task); err != nil {
		t.Fatalf("ArchiveTask: %v", err)
	}

	loaded, err := store.Task(ctx, "task-failed")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if loaded.Status != scheduler.StatusFailed {
		t.Errorf("status = %v, want failed", loaded.Status)
	}
	if loaded.Err != "all providers exhausted" {
		t.Errorf("error = %q, want exhaustion message", loaded.Err)
	}
	if loaded.Result != nil {
		t.Errorf("result = %v, want nil", loaded.Result)
	}
	if !loaded.StartedAt.IsZero() {
		t.Errorf("started at = %v, want zero", loaded.StartedAt)
	}
}

func TestArchiveUpsert(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)

	now := time.Now().UTC()
	task := sampleTask("task-up", now)
	if err := store.ArchiveTask(ctx, task); err != nil {
		t.Fatalf("first archive: %v", err)
	}

	// Re-archiving the same id replaces the mutable columns.
	task.Status = scheduler.StatusFailed
	task.Err = "retried and failed"
	task.Result = nil
	if err := store.ArchiveTask(ctx, task); err != nil {
		t.Fatalf("second archive: %v", err)
	}

	loaded, err := store.Task(ctx, "task-up")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if loaded.Status != scheduler.StatusFailed {
		t.Errorf("status = %v, want failed after upsert", loaded.Status)
	}

	tasks, err := store.ListTasks(ctx, 10)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("got %d rows, want 1", len(tasks))
	}
}

func TestTaskUnknownID(t *testing.T) {
	store := newFileStore(t)

	if _, err := store.Task(context.Background(), "nope"); err == nil {
		t.Fatal("Task returned no error for unknown id")
	}
}

func TestListTasksNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"oldest", "middle", "newest"} {
		task := sampleTask(id, base.Add(time.Duration(i)*time.Hour))
		if err := store.ArchiveTask(ctx, task); err != nil {
			t.Fatalf("archiving %s: %v", id, err)
		}
	}

	tasks, err := store.ListTasks(ctx, 2)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	if tasks[0].ID != "newest" || tasks[1].ID != "middle" {
		t.Errorf("order = [%s %s], want [newest middle]", tasks[0].ID, tasks[1].ID)
	}
}
