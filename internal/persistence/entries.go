package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/mise/internal/progress"
)

func (s *SQLiteStore) runFor(runID string) sql.NullString {
	if runID == "" {
		s.mu.Lock()
		runID = s.currentRun
		s.mu.Unlock()
	}
	return sql.NullString{String: runID, Valid: runID != ""}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// Record appends a progress entry.
func (s *SQLiteStore) Record(ctx context.Context, e progress.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	var cost sql.NullFloat64
	if e.Cost != nil {
		cost = sql.NullFloat64{Float64: *e.Cost, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress_entries (run_id, task_id, status, duration_ms, tokens_in, tokens_out, cost, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.runFor(e.RunID), e.TaskID, e.Status, e.Duration.Milliseconds(), nullInt(e.TokensIn), nullInt(e.TokensOut), cost, formatTime(e.Time))
	if err != nil {
		return fmt.Errorf("failed to record progress entry: %w", err)
	}
	return nil
}

// Interrupt records an interrupted task against the current run.
func (s *SQLiteStore) Interrupt(ctx context.Context, taskID, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress_entries (run_id, task_id, status, reason, recorded_at)
		VALUES (?, ?, 'interrupted', ?, ?)
	`, s.runFor(""), taskID, reason, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record interrupt: %w", err)
	}
	return nil
}

// Entries returns entries in recording order. With a limit, the most recent
// limit entries are returned, still oldest first.
func (s *SQLiteStore) Entries(ctx context.Context, f Filter) ([]progress.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var where []string
	var args []any
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	query := `SELECT run_id, task_id, status, duration_ms, tokens_in, tokens_out, cost, recorded_at FROM progress_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress entries: %w", err)
	}
	defer rows.Close()

	entries := []progress.Entry{}
	for rows.Next() {
		var e progress.Entry
		var runID sql.NullString
		var durationMS int64
		var in, out sql.NullInt64
		var cost sql.NullFloat64
		var recordedAt string
		if err := rows.Scan(&runID, &e.TaskID, &e.Status, &durationMS, &in, &out, &cost, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan progress entry: %w", err)
		}
		e.RunID = runID.String
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if in.Valid {
			e.TokensIn = progress.Int64(in.Int64)
		}
		if out.Valid {
			e.TokensOut = progress.Int64(out.Int64)
		}
		if cost.Valid {
			e.Cost = progress.Float64(cost.Float64)
		}
		if e.Time, err = parseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("failed to parse entry time: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating progress entries: %w", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// TotalCost sums reported cost, for one run or across all runs when runID is empty.
func (s *SQLiteStore) TotalCost(ctx context.Context, runID string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT COALESCE(SUM(cost), 0) FROM progress_entries`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	var total float64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum cost: %w", err)
	}
	return total, nil
}
