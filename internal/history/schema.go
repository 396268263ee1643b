package history

import (
	"context"
)

// initSchema creates the archive table if it doesn't exist.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_archive (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		description TEXT,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		dependencies TEXT,
		agent_id TEXT,
		result TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_task_archive_completed_at
		ON task_archive(completed_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
