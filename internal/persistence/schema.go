package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		engine TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT '',
		completed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		total_cost REAL NOT NULL DEFAULT 0,
		interrupted INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS progress_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		tokens_in INTEGER,
		tokens_out INTEGER,
		cost REAL,
		reason TEXT NOT NULL DEFAULT '',
		recorded_at TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_progress_entries_task ON progress_entries(task_id, id);
	CREATE INDEX IF NOT EXISTS idx_progress_entries_run ON progress_entries(run_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
