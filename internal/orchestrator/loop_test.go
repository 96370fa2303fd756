package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/mise/internal/board"
	"github.com/aristath/mise/internal/config"
	"github.com/aristath/mise/internal/driver"
	"github.com/aristath/mise/internal/engine"
	"github.com/aristath/mise/internal/events"
	"github.com/aristath/mise/internal/persistence"
	"github.com/aristath/mise/internal/runlock"
	"github.com/aristath/mise/internal/status"
)

func testStation() *config.Station {
	st := config.Default()
	st.Project.Name = "demo"
	st.Mode.Attended = false
	return st
}

// writeTaskFile makes each run produce one change to commit.
func writeTaskFile(id string, opts engine.RunOptions) {
	os.WriteFile(filepath.Join(opts.Cwd, "task-"+id+".txt"), []byte(id+"\n"), 0o644)
}

func chainTasks() []board.Task {
	return []board.Task{
		{ID: "1", Title: "Scaffold", Group: 1, Size: board.SizeS, Status: status.Pending},
		{ID: "2", Title: "Models", Group: 2, Size: board.SizeM, DependsOn: []string{"1"}, ParallelSafe: true, OwnedPaths: []string{"models/**"}, Status: status.Pending},
		{ID: "3", Title: "Views", Group: 2, Size: board.SizeM, DependsOn: []string{"1"}, ParallelSafe: true, OwnedPaths: []string{"views/**"}, Status: status.Pending},
	}
}

type loopFixture struct {
	repo     string
	stateDir string
	tracker  *board.Tracker
	engine   *fakeEngine
	ledger   persistence.Store
	bus      *events.EventBus
}

func newLoopFixture(t *testing.T, handler func(id string, run int, opts engine.RunOptions) *engine.Result) *loopFixture {
	t.Helper()
	repo := setupTestRepo(t)
	stateDir := filepath.Join(repo, ".mise")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	ledger, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)

	return &loopFixture{
		repo:     repo,
		stateDir: stateDir,
		tracker:  newTracker(t, stateDir, chainTasks()...),
		engine:   newFakeEngine(handler),
		ledger:   ledger,
		bus:      bus,
	}
}

func (f *loopFixture) loop(st *config.Station, clarifier *Clarifier) *Loop {
	return NewLoop(LoopConfig{
		ProjectDir: f.repo,
		StateDir:   f.stateDir,
		Station:    st,
		Tracker:    f.tracker,
		Engine:     f.engine,
		Progress:   f.ledger,
		Ledger:     f.ledger,
		Events:     f.bus,
		Clarifier:  clarifier,
	})
}

func succeed(id string, _ int, opts engine.RunOptions) *engine.Result {
	writeTaskFile(id, opts)
	cost := 0.5
	return &engine.Result{Tokens: &engine.TokenUsage{InputTokens: 10, OutputTokens: 5, Cost: &cost}}
}

// TestLoop_SequentialRun verifies every task completes in dependency order
// with one commit each.
func TestLoop_SequentialRun(t *testing.T) {
	f := newLoopFixture(t, succeed)
	finished := f.bus.Subscribe(events.TopicRun, 64)

	summary, err := f.loop(testStation(), nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Completed != 3 || summary.Failed != 0 || summary.Interrupted {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	if summary.TotalCost != 1.5 {
		t.Errorf("Expected total cost 1.5, got: %v", summary.TotalCost)
	}
	for _, id := range []string{"1", "2", "3"} {
		if got := f.tracker.Status(id); got != status.Complete {
			t.Errorf("Expected %s complete, got: %s", id, got)
		}
	}

	subjects := strings.Split(runGit(t, f.repo, "log", "--format=%s", "-3"), "\n")
	want := []string{"mise(3): Views", "mise(2): Models", "mise(1): Scaffold"}
	if strings.Join(subjects, "|") != strings.Join(want, "|") {
		t.Errorf("Expected commits %v, got: %v", want, subjects)
	}
	if trailer := runGit(t, f.repo, "log", "-1", "--format=%(trailers:key="+driver.RunIDTrailer+",valueonly)"); trailer != summary.RunID {
		t.Errorf("Expected run id trailer %s, got: %q", summary.RunID, trailer)
	}

	if _, err := os.Stat(filepath.Join(f.stateDir, "brief.md")); err != nil {
		t.Errorf("Expected brief to be regenerated: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.stateDir, "run.lock")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected run lock to be released, got: %v", err)
	}

	runs, err := f.ledger.Runs(context.Background(), 10)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Completed != 3 || runs[0].FinishedAt == nil || runs[0].Mode != "sequential" {
		t.Errorf("Unexpected ledger runs: %+v", runs)
	}

	var sawFinish bool
	for len(finished) > 0 {
		if ev := <-finished; ev.EventType() == events.EventTypeRunFinished {
			sawFinish = true
		}
	}
	if !sawFinish {
		t.Error("Expected a run finished event")
	}
}

// TestLoop_ParallelBatch verifies tasks 2 and 3 run in worktrees and both
// branches land on main.
func TestLoop_ParallelBatch(t *testing.T) {
	f := newLoopFixture(t, succeed)
	st := testStation()
	st.Mode.Parallel = "2"

	summary, err := f.loop(st, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Completed != 3 || len(summary.Conflicts) != 0 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	for _, id := range []string{"1", "2", "3"} {
		if _, err := os.Stat(filepath.Join(f.repo, "task-"+id+".txt")); err != nil {
			t.Errorf("Expected task-%s.txt on main: %v", id, err)
		}
	}
	if out := runGit(t, f.repo, "branch", "--list", "mise/task-*"); out != "" {
		t.Errorf("Expected task branches to be deleted, got: %q", out)
	}
	if out := runGit(t, f.repo, "log", "--merges", "--format=%s"); strings.Count(out, "\n")+1 != 2 {
		t.Errorf("Expected two merge commits, got: %q", out)
	}
}

// TestLoop_StopsOnFailure verifies the loop stops at the first failure by default.
func TestLoop_StopsOnFailure(t *testing.T) {
	f := newLoopFixture(t, func(id string, run int, opts engine.RunOptions) *engine.Result {
		if id == "2" {
			return &engine.Result{ExitCode: 1, Stderr: "boom"}
		}
		return succeed(id, run, opts)
	})

	summary, err := f.loop(testStation(), nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Completed != 1 || summary.Failed != 1 || summary.Skipped != 0 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	if got := f.tracker.Status("3"); got != status.Pending {
		t.Errorf("Expected 3 to stay pending, got: %s", got)
	}
}

// TestLoop_SkipFailures verifies a failed task is skipped and the loop continues.
func TestLoop_SkipFailures(t *testing.T) {
	f := newLoopFixture(t, func(id string, run int, opts engine.RunOptions) *engine.Result {
		if id == "2" {
			return &engine.Result{ExitCode: 1, Stderr: "boom"}
		}
		return succeed(id, run, opts)
	})
	st := testStation()
	st.Mode.SkipFailures = true

	summary, err := f.loop(st, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Completed != 2 || summary.Failed != 1 || summary.Skipped != 1 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	if got := f.tracker.Status("2"); got != status.Failed {
		t.Errorf("Expected 2 failed, got: %s", got)
	}
	if got := f.tracker.Status("3"); got != status.Complete {
		t.Errorf("Expected 3 complete, got: %s", got)
	}
}

// TestLoop_Clarification verifies an attended question is answered and the
// task re-runs with the answer in its prompt.
func TestLoop_Clarification(t *testing.T) {
	var answered string
	var stateDir string
	f := newLoopFixture(t, func(id string, run int, opts engine.RunOptions) *engine.Result {
		if id == "1" && run == 1 {
			path := driver.ClarificationPath(stateDir, id)
			os.MkdirAll(filepath.Dir(path), 0o755)
			os.WriteFile(path, []byte("Which database?"), 0o644)
			return &engine.Result{}
		}
		return succeed(id, run, opts)
	})
	stateDir = f.stateDir

	st := testStation()
	st.Mode.Attended = true
	clarifier := &Clarifier{
		Answerer: AnswerFunc(func(_ context.Context, taskID, question string) (string, error) {
			answered = taskID + ": " + question
			return "PostgreSQL", nil
		}),
		StateDir: f.stateDir,
		Timeout:  time.Minute,
	}

	summary, err := f.loop(st, clarifier).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if answered != "1: Which database?" {
		t.Errorf("Unexpected question: %q", answered)
	}
	if summary.Completed != 3 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	if n := f.engine.count("1"); n != 2 {
		t.Errorf("Expected task 1 to run twice, got: %d", n)
	}
}

// TestLoop_LockHeld verifies a second loop refuses to start.
func TestLoop_LockHeld(t *testing.T) {
	f := newLoopFixture(t, succeed)
	st := testStation()

	holder := runlock.NewManager(filepath.Join(f.stateDir, "run.lock"), st.Runtime.StaleThreshold(), nil)
	if ok, err := holder.Acquire(); err != nil || !ok {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer holder.Release()

	_, err := f.loop(st, nil).Run(context.Background())
	if !errors.Is(err, runlock.ErrLockHeld) {
		t.Fatalf("Expected ErrLockHeld, got: %v", err)
	}
	if n := f.engine.count("1"); n != 0 {
		t.Errorf("Expected no engine runs, got: %d", n)
	}
}

func TestLoop_EngineUnavailable(t *testing.T) {
	f := newLoopFixture(t, succeed)
	f.engine.available = false

	if _, err := f.loop(testStation(), nil).Run(context.Background()); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("Expected ErrEngineUnavailable, got: %v", err)
	}
}

// TestLoop_RunTask verifies a single task runs regardless of board order.
func TestLoop_RunTask(t *testing.T) {
	f := newLoopFixture(t, succeed)

	summary, err := f.loop(testStation(), nil).RunTask(context.Background(), "1")
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if summary.Completed != 1 || f.tracker.Status("2") != status.Pending {
		t.Errorf("Unexpected result: %+v", summary)
	}

	if _, err := f.loop(testStation(), nil).RunTask(context.Background(), "nope"); err == nil {
		t.Fatal("Expected error for unknown task")
	}
}
