// Package persistence keeps the SQLite run ledger: one row per loop run and
// one row per progress entry, queried by `mise log` and the API.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/mise/internal/progress"
)

// Run is a loop or single-task run.
type Run struct {
	ID          string     `json:"id"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Engine      string     `json:"engine"`
	Mode        string     `json:"mode"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	Skipped     int        `json:"skipped"`
	TotalCost   float64    `json:"total_cost"`
	Interrupted bool       `json:"interrupted"`
}

// RunSummary holds the counters written when a run finishes.
type RunSummary struct {
	Completed   int
	Failed      int
	Skipped     int
	TotalCost   float64
	Interrupted bool
}

// Filter narrows Entries.
type Filter struct {
	TaskID string
	RunID  string
	Limit  int
}

// Store is the ledger contract used by the loop and the read-only API.
type Store interface {
	progress.Sink

	StartRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, runID string, summary RunSummary) error
	Runs(ctx context.Context, limit int) ([]Run, error)
	Entries(ctx context.Context, f Filter) ([]progress.Entry, error)
	TotalCost(ctx context.Context, runID string) (float64, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	mu         sync.Mutex
	currentRun string
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each store
// gets its own named database so tests do not share state.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mise-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite needs foreign keys enabled per connection via PRAGMA
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// formatTime stores times as sortable UTC text.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
