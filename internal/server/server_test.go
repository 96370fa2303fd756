package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/mise/internal/board"
	"github.com/aristath/mise/internal/progress"
	"github.com/aristath/mise/internal/runlock"
	"github.com/aristath/mise/internal/status"
)

type fixture struct {
	handler http.Handler
	lock    *runlock.Manager
	log     *progress.FileLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "board.yaml")
	b := &board.Board{Version: 1, Tasks: []board.Task{
		{ID: "1", Title: "Scaffold", Group: 1, Size: board.SizeS, Status: status.Pending},
		{ID: "2", Title: "Models", Group: 1, Size: board.SizeM, DependsOn: []string{"1"}, Status: status.Pending},
	}}
	if err := board.Save(path, b); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	tr, err := board.NewTracker(path, status.NewStore(filepath.Join(dir, "status")))
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}
	if _, err := tr.SetStatus("1", status.InProgress, status.Extra{RunID: "r1", Attempt: 1}); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	f := &fixture{
		lock: runlock.NewManager(filepath.Join(dir, "run.lock"), time.Minute, nil),
		log:  progress.NewFileLog(filepath.Join(dir, "progress.log")),
	}
	s, err := New(Config{Tracker: tr, Lock: f.lock, Progress: f.log})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.handler = s.Handler()
	return f
}

func (f *fixture) get(t *testing.T, url string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v (body: %s)", url, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	var body map[string]string
	if code := f.get(t, "/health", &body); code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("Expected ok, got: %d %v", code, body)
	}
}

// TestBoard verifies statuses come from the mirror.
func TestBoard(t *testing.T) {
	f := newFixture(t)
	var b board.Board
	if code := f.get(t, "/board", &b); code != http.StatusOK {
		t.Fatalf("Expected 200, got: %d", code)
	}
	if len(b.Tasks) != 2 || b.Tasks[0].Status != status.InProgress {
		t.Errorf("Unexpected board: %+v", b.Tasks)
	}
}

func TestTask(t *testing.T) {
	f := newFixture(t)

	var view TaskView
	if code := f.get(t, "/tasks/1", &view); code != http.StatusOK {
		t.Fatalf("Expected 200, got: %d", code)
	}
	if view.Title != "Scaffold" || view.Record == nil || view.Record.RunID != "r1" {
		t.Errorf("Unexpected task view: %+v", view)
	}

	if code := f.get(t, "/tasks/2", &view); code != http.StatusOK || view.Record != nil {
		t.Errorf("Expected task without record, got: %d %+v", code, view.Record)
	}
	if code := f.get(t, "/tasks/nope", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404, got: %d", code)
	}
}

// TestProgress verifies the limit and task filter on the text log.
func TestProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "1"} {
		if err := f.log.Record(ctx, progress.Entry{Time: time.Now(), TaskID: id, Status: "failed"}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	var view ProgressView
	if code := f.get(t, "/progress?limit=2", &view); code != http.StatusOK || len(view.Lines) != 2 {
		t.Fatalf("Expected 2 lines, got: %d %v", code, view.Lines)
	}
	view = ProgressView{}
	if code := f.get(t, "/progress?task=2", &view); code != http.StatusOK || len(view.Lines) != 1 {
		t.Fatalf("Expected 1 line for task 2, got: %d %v", code, view.Lines)
	}
	if code := f.get(t, "/progress?limit=0", nil); code == http.StatusOK {
		t.Error("Expected limit=0 to be rejected")
	}
}

func TestRuns_NoLedger(t *testing.T) {
	f := newFixture(t)
	if code := f.get(t, "/runs", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 without ledger, got: %d", code)
	}
}

func TestLock(t *testing.T) {
	f := newFixture(t)

	var view LockView
	if code := f.get(t, "/lock", &view); code != http.StatusOK || view.Held {
		t.Fatalf("Expected free lock, got: %d %+v", code, view)
	}

	if ok, err := f.lock.Acquire(); err != nil || !ok {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer f.lock.Release()
	view = LockView{}
	if code := f.get(t, "/lock", &view); code != http.StatusOK {
		t.Fatalf("Expected 200, got: %d", code)
	}
	if !view.Held || view.Stale || view.PID == 0 || view.StartedAt == nil {
		t.Errorf("Unexpected lock view: %+v", view)
	}
}
