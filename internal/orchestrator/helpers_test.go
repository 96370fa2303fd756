package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aristath/mise/internal/board"
	"github.com/aristath/mise/internal/engine"
	"github.com/aristath/mise/internal/status"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v (output: %s)", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// setupTestRepo creates a temp git repository on main with one commit and
// .mise ignored.
func setupTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "checkout", "-b", "main")
	writeFile(t, dir, "README.md", "# Test Repo\n")
	writeFile(t, dir, ".gitignore", ".mise/\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "Initial commit")
	return dir
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", rel, err)
	}
}

func newTracker(t *testing.T, stateDir string, tasks ...board.Task) *board.Tracker {
	t.Helper()
	path := filepath.Join(stateDir, "board.yaml")
	if err := board.Save(path, &board.Board{Version: 1, Tasks: tasks}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	tr, err := board.NewTracker(path, status.NewStore(filepath.Join(stateDir, "status")))
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}
	return tr
}

// taskOf extracts the task id from the first prompt line "# Task <id>: <title>".
func taskOf(prompt string) string {
	first, _, _ := strings.Cut(prompt, "\n")
	id, _, _ := strings.Cut(strings.TrimPrefix(first, "# Task "), ":")
	return id
}

// fakeEngine dispatches runs to per-task callbacks.
type fakeEngine struct {
	mu        sync.Mutex
	available bool
	runs      map[string]int
	handler   func(taskID string, run int, opts engine.RunOptions) *engine.Result
}

func newFakeEngine(handler func(taskID string, run int, opts engine.RunOptions) *engine.Result) *fakeEngine {
	return &fakeEngine{available: true, runs: make(map[string]int), handler: handler}
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Check(context.Context) bool { return f.available }

func (f *fakeEngine) Run(ctx context.Context, prompt string, opts engine.RunOptions) (*engine.Result, error) {
	id := taskOf(prompt)
	f.mu.Lock()
	f.runs[id]++
	run := f.runs[id]
	f.mu.Unlock()
	if res := f.handler(id, run, opts); res != nil {
		return res, nil
	}
	return &engine.Result{}, nil
}

func (f *fakeEngine) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id]
}
