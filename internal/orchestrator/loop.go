// Package orchestrator drives the autonomous loop: lock, schedule, execute,
// merge and repeat until no task is ready.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/mise/internal/backpressure"
	"github.com/aristath/mise/internal/board"
	"github.com/aristath/mise/internal/brief"
	"github.com/aristath/mise/internal/config"
	"github.com/aristath/mise/internal/driver"
	"github.com/aristath/mise/internal/engine"
	"github.com/aristath/mise/internal/events"
	"github.com/aristath/mise/internal/persistence"
	"github.com/aristath/mise/internal/progress"
	"github.com/aristath/mise/internal/readiness"
	"github.com/aristath/mise/internal/runctx"
	"github.com/aristath/mise/internal/runlock"
	"github.com/aristath/mise/internal/scheduler"
	"github.com/aristath/mise/internal/status"
	"github.com/aristath/mise/internal/toc"
	"github.com/aristath/mise/internal/worktree"
)

// ErrEngineUnavailable is returned when the engine CLI cannot be run.
var ErrEngineUnavailable = errors.New("engine not available")

// Summary totals one run.
type Summary struct {
	RunID       string
	Completed   int
	Failed      int
	Skipped     int
	Conflicts   []string // Tasks whose branch failed to merge
	TotalCost   float64
	Interrupted bool
}

// LoopConfig wires a Loop. Nil optional fields get working defaults.
type LoopConfig struct {
	ProjectDir string
	StateDir   string // Defaults to <ProjectDir>/.mise
	Station    *config.Station
	Tracker    *board.Tracker
	Engine     engine.Engine

	Lock      *runlock.Manager   // Defaults to <StateDir>/run.lock
	Progress  progress.Sink      // Receives every entry and interruption
	Ledger    persistence.Store  // Optional run ledger
	Events    events.Publisher   // Optional
	Clarifier *Clarifier         // Required in attended mode
	Gate      *readiness.Checker // Defaults to the process environment
	Worktrees *worktree.Manager  // Defaults to <StateDir>/worktrees
	Merger    *MergeCoordinator  // Defaults from Station.Merge
	Signals   <-chan os.Signal   // Optional OS signals to supervise
	Output    io.Writer          // Optional copy of engine output
	Exit      func(code int)     // Forced exit on a second signal
}

// Loop runs ready tasks until the board is exhausted, a failure stops it or
// shutdown is requested.
type Loop struct {
	cfg LoopConfig

	rc      *runctx.RunContext
	sup     *runctx.Supervisor
	drv     *driver.Driver
	runID   string
	summary *Summary
}

// NewLoop fills in defaults for cfg.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.ProjectDir, ".mise")
	}
	if cfg.Lock == nil {
		store := cfg.Tracker.Store()
		cfg.Lock = runlock.NewManager(filepath.Join(cfg.StateDir, "run.lock"), cfg.Station.Runtime.StaleThreshold(), func() ([]string, error) {
			return store.ResetInProgress(runlock.ResetNote)
		})
	}
	if cfg.Gate == nil {
		cfg.Gate = readiness.New()
	}
	if cfg.Worktrees == nil {
		cfg.Worktrees = worktree.NewManager(worktree.Config{
			RepoPath:    cfg.ProjectDir,
			WorktreeDir: filepath.Join(cfg.StateDir, "worktrees"),
		})
	}
	if cfg.Merger == nil {
		cfg.Merger = NewMergeCoordinator(cfg.ProjectDir, cfg.Station.Merge.RetainConflictBranches, cfg.Events)
	}
	return &Loop{cfg: cfg}
}

func (l *Loop) publish(e events.Event) {
	if l.cfg.Events != nil {
		l.cfg.Events.Publish(e)
	}
}

func (l *Loop) notice(taskID, level, format string, args ...any) {
	l.publish(events.NoticeEvent{ID: taskID, Level: level, Message: fmt.Sprintf(format, args...), Timestamp: time.Now()})
}

// start performs the preflight shared by Run and RunTask: engine check, TOC
// refresh, stale recovery, lock, heartbeat, supervision and the ledger entry.
// The returned teardown must be called exactly once.
func (l *Loop) start(ctx context.Context, mode string) (func(), error) {
	st := l.cfg.Station
	if !l.cfg.Engine.Check(ctx) {
		return nil, fmt.Errorf("%w: %s CLI could not be run", ErrEngineUnavailable, l.cfg.Engine.Name())
	}

	if refreshed, err := toc.RefreshIfNeeded(l.cfg.StateDir, l.cfg.ProjectDir); err != nil {
		log.Printf("WARNING: failed to refresh TOC: %v", err)
	} else if refreshed {
		l.notice("", events.LevelInfo, "TOC refreshed (drift detected).")
	}

	if l.cfg.Lock.IsStale() {
		l.notice("", events.LevelWarn, "Stale lock detected. Recovering...")
		reset, err := l.cfg.Lock.Recover()
		if err != nil {
			return nil, fmt.Errorf("failed to recover stale lock: %w", err)
		}
		if len(reset) > 0 {
			l.notice("", events.LevelInfo, "Reset to pending: %s", strings.Join(reset, ", "))
		}
	}
	if err := l.cfg.Lock.AcquireOrFail(); err != nil {
		return nil, err
	}

	stopHeartbeat := l.cfg.Lock.StartHeartbeat(ctx, st.Runtime.HeartbeatInterval())

	l.rc = runctx.New(ctx)
	l.rc.SetHeartbeatStop(stopHeartbeat)
	l.rc.SetRelease(l.cfg.Lock.Release)
	l.sup = &runctx.Supervisor{
		RC:    l.rc,
		Grace: st.Runtime.KillGrace(),
		Exit:  l.cfg.Exit,
		Interrupt: func(taskID, reason string) {
			if l.cfg.Progress == nil {
				return
			}
			if err := l.cfg.Progress.Interrupt(context.WithoutCancel(ctx), taskID, reason); err != nil {
				log.Printf("WARNING: failed to record interruption of %s: %v", taskID, err)
			}
		},
	}
	if l.cfg.Signals != nil {
		go l.sup.Watch(l.cfg.Signals)
	}
	stopWatcher, err := NewStopWatcher(l.cfg.StateDir, func() { go l.sup.Shutdown("stop requested") })
	if err != nil {
		log.Printf("WARNING: %v", err)
	}

	l.runID = uuid.NewString()
	l.summary = &Summary{RunID: l.runID}
	if l.cfg.Ledger != nil {
		if err := l.cfg.Ledger.StartRun(ctx, persistence.Run{
			ID:        l.runID,
			StartedAt: time.Now().UTC(),
			Engine:    l.cfg.Engine.Name(),
			Mode:      mode,
		}); err != nil {
			log.Printf("WARNING: failed to record run start: %v", err)
		}
	}

	l.drv = &driver.Driver{
		Tracker:      l.cfg.Tracker,
		Gate:         l.cfg.Gate,
		Engine:       l.cfg.Engine,
		Backpressure: backpressure.New(st.Runtime.BackpressureTimeout()),
		Progress:     l.cfg.Progress,
		Events:       l.cfg.Events,
		RC:           l.rc,
		Station:      st,
		StateDir:     l.cfg.StateDir,
		Output:       l.cfg.Output,
	}

	l.publish(events.RunStartedEvent{RunID: l.runID, Engine: l.cfg.Engine.Name(), Attended: st.Mode.Attended, Timestamp: time.Now()})

	teardown := func() {
		if stopWatcher != nil {
			stopWatcher.Close()
		}
		if l.rc.ShuttingDown() {
			// Interruptions are recorded by the supervisor before it releases the lock
			<-l.sup.Done()
			l.summary.Interrupted = true
		}
		stopHeartbeat()
		if err := l.cfg.Lock.Release(); err != nil {
			log.Printf("WARNING: failed to release run lock: %v", err)
		}
		if l.cfg.Ledger != nil {
			if err := l.cfg.Ledger.FinishRun(context.WithoutCancel(ctx), l.runID, persistence.RunSummary{
				Completed:   l.summary.Completed,
				Failed:      l.summary.Failed,
				Skipped:     l.summary.Skipped,
				TotalCost:   l.summary.TotalCost,
				Interrupted: l.summary.Interrupted,
			}); err != nil {
				log.Printf("WARNING: failed to record run finish: %v", err)
			}
		}
		l.publish(events.RunFinishedEvent{
			RunID:       l.runID,
			Completed:   l.summary.Completed,
			Failed:      l.summary.Failed,
			Skipped:     l.summary.Skipped,
			Conflicts:   l.summary.Conflicts,
			TotalCost:   l.summary.TotalCost,
			Interrupted: l.summary.Interrupted,
			Timestamp:   time.Now(),
		})
	}
	return teardown, nil
}

// Run executes ready tasks until none remain, a failure stops the loop
// (unless mode.skip_failures) or shutdown is requested.
func (l *Loop) Run(ctx context.Context) (*Summary, error) {
	st := l.cfg.Station
	mode := "sequential"
	parallelCap := st.Mode.ParallelCap()
	if parallelCap > 0 {
		mode = "parallel"
		if !l.cfg.Worktrees.IsSupported(ctx) {
			log.Printf("WARNING: parallel mode needs a git repository, running sequentially")
			parallelCap = 0
			mode = "sequential"
		} else if err := l.cfg.Worktrees.Prune(ctx); err != nil {
			log.Printf("WARNING: failed to prune stale worktrees: %v", err)
		}
	}

	teardown, err := l.start(ctx, mode)
	if err != nil {
		return nil, err
	}
	defer teardown()

	runErr := l.iterate(parallelCap)
	return l.summary, runErr
}

func (l *Loop) iterate(parallelCap int) error {
	for !l.rc.ShuttingDown() {
		if err := l.cfg.Tracker.Reload(); err != nil {
			return err
		}
		b := l.cfg.Tracker.Board()
		if err := scheduler.ValidateGraph(b.Tasks); err != nil {
			return err
		}

		ready, err := l.cfg.Tracker.ReadyTasks()
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			l.reportStalled(b)
			return nil
		}

		ready, blocked := l.cfg.Gate.Gate(ready)
		for _, res := range blocked {
			l.notice(res.TaskID, events.LevelWarn, "Task %s blocked: %s", res.TaskID, strings.Join(res.Missing, ", "))
		}
		if len(ready) == 0 {
			l.notice("", events.LevelWarn, "All ready tasks are blocked by missing inputs.")
			return nil
		}

		batch := scheduler.NextBatch(b, ready, scheduler.Options{
			Parallel: parallelCap > 0,
			Cap:      parallelCap,
			StatusOf: l.cfg.Tracker.Status,
		})

		var stop bool
		if len(batch) > 1 {
			stop = l.runBatch(batch)
		} else {
			stop = l.runSingle(batch[0], "")
		}
		l.publishProgress()
		if stop {
			return nil
		}
	}
	return nil
}

// RunTask executes a single task under the run lock, the way Run executes a
// singleton batch.
func (l *Loop) RunTask(ctx context.Context, taskID string) (*Summary, error) {
	task := l.cfg.Tracker.Board().Task(taskID)
	if task == nil {
		return nil, fmt.Errorf("task %q not found on board", taskID)
	}
	teardown, err := l.start(ctx, "single")
	if err != nil {
		return nil, err
	}
	defer teardown()

	l.runSingle(*task, "")
	l.publishProgress()
	return l.summary, nil
}

func (l *Loop) addCost(out *driver.Outcome) {
	if out != nil && out.Tokens != nil && out.Tokens.Cost != nil {
		l.summary.TotalCost += *out.Tokens.Cost
	}
}

func (l *Loop) regenerateBrief() {
	if err := brief.Regenerate(l.cfg.StateDir, l.cfg.Tracker, brief.DefaultLineBudget); err != nil {
		log.Printf("WARNING: %v", err)
	}
}

// failed counts a task failure and reports whether the loop must stop.
func (l *Loop) failed(taskID string, err error) bool {
	l.summary.Failed++
	if !l.cfg.Station.Mode.SkipFailures {
		l.notice(taskID, events.LevelWarn, "Task %s failed. Stopping loop: %v", taskID, err)
		return true
	}
	l.summary.Skipped++
	l.notice(taskID, events.LevelWarn, "Task %s failed. Skipping: %v", taskID, err)
	return false
}

// runSingle executes task in the project directory, answering clarification
// requests until it finishes. A non-empty question means the task is already
// blocked on it. It reports whether the loop must stop.
func (l *Loop) runSingle(task board.Task, question string) bool {
	var clarification string
	for {
		if question != "" {
			answer, err := l.cfg.Clarifier.Ask(l.rc.Context(), task.ID, question)
			if err != nil {
				if l.rc.ShuttingDown() {
					return true
				}
				return l.failed(task.ID, err)
			}
			if clarification != "" {
				clarification += "\n\n"
			}
			clarification += answer
		}

		out, err := l.drv.Execute(l.rc.Context(), driver.Request{Task: task, RunID: l.runID, Clarification: clarification})
		l.addCost(out)
		switch {
		case err == nil:
			l.summary.Completed++
			l.regenerateBrief()
			return false
		case errors.Is(err, driver.ErrCancelled):
			return true
		case errors.Is(err, driver.ErrClarificationNeeded):
			question = out.Question
			continue
		default:
			return l.failed(task.ID, err)
		}
	}
}

// runBatch dispatches a parallel batch, merges the completed branches and
// then resolves clarifications one task at a time in the project directory.
func (l *Loop) runBatch(batch []board.Task) bool {
	ids := make([]string, len(batch))
	for i, t := range batch {
		ids[i] = t.ID
	}
	l.publish(events.BatchStartedEvent{TaskIDs: ids, Timestamp: time.Now()})

	dispatcher := &Dispatcher{Driver: l.drv, Worktrees: l.cfg.Worktrees}
	results := dispatcher.Dispatch(l.rc.Context(), batch, l.runID)

	var succeeded []string
	var blocked []TaskResult
	stop := false
	for _, r := range results {
		l.addCost(r.Outcome)
		switch {
		case r.Success():
			l.summary.Completed++
			succeeded = append(succeeded, r.TaskID)
		case errors.Is(r.Err, driver.ErrCancelled):
			stop = true
		case errors.Is(r.Err, driver.ErrClarificationNeeded):
			blocked = append(blocked, r)
		default:
			if l.failed(r.TaskID, r.Err) {
				stop = true
			}
		}
	}

	// Completed work lands even when shutting down
	ctx := context.WithoutCancel(l.rc.Context())
	if len(succeeded) > 0 {
		report := l.cfg.Merger.Merge(ctx, succeeded)
		if !report.Success {
			l.summary.Conflicts = append(l.summary.Conflicts, report.FailedTasks...)
			l.notice("", events.LevelWarn, "Merge conflicts detected. Some tasks may need re-execution: %v", report.Err())
		}
		l.regenerateBrief()
	}
	merged := make(map[string]bool, len(succeeded))
	for _, id := range succeeded {
		merged[id] = true
	}
	for _, id := range ids {
		if !merged[id] {
			if err := l.cfg.Worktrees.RemoveBranch(ctx, id); err != nil {
				log.Printf("WARNING: failed to remove branch for %s: %v", id, err)
			}
		}
	}

	for _, r := range blocked {
		if stop || l.rc.ShuttingDown() {
			break
		}
		task := l.cfg.Tracker.Board().Task(r.TaskID)
		if task == nil {
			continue
		}
		stop = l.runSingle(*task, r.Outcome.Question)
	}
	return stop || l.rc.ShuttingDown()
}

func (l *Loop) reportStalled(b *board.Board) {
	dag, err := scheduler.NewDAG(b.Tasks)
	if err != nil {
		return
	}
	stalled := dag.Stalled(l.cfg.Tracker.Status)
	for _, id := range scheduler.StalledIDs(stalled) {
		l.notice(id, events.LevelWarn, "Task %s can never run: dependency %s is %s", id, stalled[id], l.cfg.Tracker.Status(stalled[id]))
	}
}

func (l *Loop) publishProgress() {
	b := l.cfg.Tracker.Board()
	ev := events.RunProgressEvent{Total: len(b.Tasks), Timestamp: time.Now()}
	for _, t := range b.Tasks {
		switch l.cfg.Tracker.Status(t.ID) {
		case status.Complete:
			ev.Completed++
		case status.InProgress:
			ev.InProgress++
		case status.Failed:
			ev.Failed++
		case status.Blocked:
			ev.Blocked++
		case status.Skipped:
			ev.Skipped++
		default:
			ev.Pending++
		}
	}
	l.publish(ev)
}
