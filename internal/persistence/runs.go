package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StartRun inserts a run row and makes it the default run for entries
// recorded without a run id.
func (s *SQLiteStore) StartRun(ctx context.Context, run Run) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, engine, mode)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			engine = excluded.engine,
			mode = excluded.mode
	`, run.ID, formatTime(run.StartedAt), run.Engine, run.Mode)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}

	s.mu.Lock()
	s.currentRun = run.ID
	s.mu.Unlock()
	return nil
}

// FinishRun writes the final counters of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, summary RunSummary) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			finished_at = ?,
			completed = ?,
			failed = ?,
			skipped = ?,
			total_cost = ?,
			interrupted = ?
		WHERE id = ?
	`, formatTime(time.Now()), summary.Completed, summary.Failed, summary.Skipped, summary.TotalCost, summary.Interrupted, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}

	s.mu.Lock()
	if s.currentRun == runID {
		s.currentRun = ""
	}
	s.mu.Unlock()
	return nil
}

// Runs returns the most recent runs first. A limit <= 0 returns all.
func (s *SQLiteStore) Runs(ctx context.Context, limit int) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, engine, mode, completed, failed, skipped, total_cost, interrupted
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var run Run
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&run.ID, &startedAt, &finishedAt, &run.Engine, &run.Mode,
			&run.Completed, &run.Failed, &run.Skipped, &run.TotalCost, &run.Interrupted); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if run.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("failed to parse run start: %w", err)
		}
		if finishedAt.Valid {
			t, err := parseTime(finishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse run finish: %w", err)
			}
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}
