// Package driver executes a single task: engine run, targeted commit and
// verification, retried a bounded number of times on verification failure.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/mise/internal/backpressure"
	"github.com/aristath/mise/internal/board"
	"github.com/aristath/mise/internal/config"
	"github.com/aristath/mise/internal/engine"
	"github.com/aristath/mise/internal/events"
	"github.com/aristath/mise/internal/git"
	"github.com/aristath/mise/internal/progress"
	"github.com/aristath/mise/internal/prompt"
	"github.com/aristath/mise/internal/readiness"
	"github.com/aristath/mise/internal/runctx"
	"github.com/aristath/mise/internal/status"
	"github.com/aristath/mise/internal/toc"
)

const (
	// RunIDTrailer is the commit trailer key tying a commit to its run.
	RunIDTrailer = "Mise-Run-Id"

	noteClarification = "Clarification needed"
	errVerification   = "Backpressure failed after all retries"
)

// ClarificationPath is where the engine writes a blocking question for taskID.
func ClarificationPath(stateDir, taskID string) string {
	return filepath.Join(stateDir, "clarifications", taskID+".md")
}

// EvidencePath is where the engine is asked to summarise its work for taskID.
func EvidencePath(stateDir, taskID string) string {
	return filepath.Join(stateDir, "evidence", taskID+".md")
}

// CommitMessage is the subject line of a task commit.
func CommitMessage(task board.Task) string {
	return fmt.Sprintf("mise(%s): %s", task.ID, task.Title)
}

// Driver executes tasks. Tracker, Engine and Station are required; the rest
// have usable zero values.
type Driver struct {
	Tracker      *board.Tracker
	Gate         *readiness.Checker
	Engine       engine.Engine
	Backpressure *backpressure.Runner
	Progress     progress.Sink
	Events       events.Publisher
	RC           *runctx.RunContext
	Clock        func() time.Time
	Station      *config.Station
	StateDir     string    // Main .mise directory, shared by worktree runs
	Output       io.Writer // Optional copy of engine stdout
}

// Request is one task execution.
type Request struct {
	Task  board.Task
	Dir   string // Working directory; the project root when empty
	RunID string
	// Clarification is appended to the prompt when re-running after a
	// question was answered.
	Clarification string
}

// Outcome describes how far an execution got.
type Outcome struct {
	TaskID       string
	Status       status.Status
	Attempts     int
	Duration     time.Duration
	Tokens       *engine.TokenUsage
	Committed    []string
	Verification *backpressure.Result
	Question     string // Set with ErrClarificationNeeded
}

func (d *Driver) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d *Driver) publish(e events.Event) {
	if d.Events != nil {
		d.Events.Publish(e)
	}
}

func (d *Driver) notice(taskID, level, msg string) {
	d.publish(events.NoticeEvent{ID: taskID, Level: level, Message: msg, Timestamp: d.now()})
}

func (d *Driver) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil || (d.RC != nil && d.RC.ShuttingDown())
}

func (d *Driver) transition(taskID string, to status.Status, extra status.Extra) error {
	from := d.Tracker.Status(taskID)
	if _, err := d.Tracker.SetStatus(taskID, to, extra); err != nil {
		return fmt.Errorf("failed to set %s to %s: %w", taskID, to, err)
	}
	d.publish(events.TaskStatusEvent{
		ID:        taskID,
		From:      string(from),
		To:        string(to),
		Note:      extra.Note,
		Timestamp: d.now(),
	})
	return nil
}

func (d *Driver) record(ctx context.Context, taskID, runID string, st status.Status, dur time.Duration, tokens *engine.TokenUsage) {
	if d.Progress == nil {
		return
	}
	e := progress.Entry{Time: d.now(), TaskID: taskID, Status: string(st), Duration: dur, RunID: runID}
	if tokens != nil {
		e.TokensIn = progress.Int64(tokens.InputTokens)
		e.TokensOut = progress.Int64(tokens.OutputTokens)
		e.Cost = tokens.Cost
	}
	if err := d.Progress.Record(ctx, e); err != nil {
		log.Printf("WARNING: failed to record progress for %s: %v", taskID, err)
	}
}

func (d *Driver) buildPrompt(task board.Task, clarification string) (string, error) {
	tocContent, err := toc.Read(d.StateDir)
	if err != nil {
		log.Printf("WARNING: %v", err)
	}
	data := prompt.NewData(d.Station, task, tocContent, clarification, prompt.Files{
		Clarification: ClarificationPath(d.StateDir, task.ID),
		Evidence:      EvidencePath(d.StateDir, task.ID),
	})
	return prompt.Build(data)
}

// Execute runs req.Task until it completes, fails, blocks on a question or
// the run is cancelled. Verification failures are retried while attempt is
// below mode.max_retries, reusing the same prompt.
func (d *Driver) Execute(ctx context.Context, req Request) (*Outcome, error) {
	task := req.Task
	dir := req.Dir
	if dir == "" {
		dir = filepath.Dir(d.StateDir)
	}
	gate := d.Gate
	if gate == nil {
		gate = readiness.New()
	}
	bp := d.Backpressure
	if bp == nil {
		bp = backpressure.New(d.Station.Runtime.BackpressureTimeout())
	}

	started := d.now()
	out := &Outcome{TaskID: task.ID}
	defer func() { out.Duration = d.now().Sub(started) }()

	var taskPrompt string
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		attemptStart := d.now()

		if res := gate.Check(task); !res.Ready {
			for _, m := range res.Missing {
				d.notice(task.ID, events.LevelWarn, m)
			}
			return out, res.Err()
		}

		if taskPrompt == "" {
			p, err := d.buildPrompt(task, req.Clarification)
			if err != nil {
				return out, err
			}
			taskPrompt = p
		}

		if err := d.transition(task.ID, status.InProgress, status.Extra{RunID: req.RunID, Attempt: attempt}); err != nil {
			return out, err
		}
		out.Status = status.InProgress
		d.publish(events.TaskStartedEvent{
			ID:        task.ID,
			Title:     task.Title,
			Attempt:   attempt,
			RunID:     req.RunID,
			Dir:       dir,
			Timestamp: attemptStart,
		})

		baseline, err := git.Snapshot(dir)
		if err != nil {
			return out, fmt.Errorf("failed to snapshot %s: %w", dir, err)
		}

		if d.cancelled(ctx) {
			return out, ErrCancelled
		}
		res, runErr := d.runEngine(ctx, task.ID, dir, taskPrompt)
		if d.cancelled(ctx) {
			return out, ErrCancelled
		}
		if res != nil {
			out.Tokens = res.Tokens
		}

		if runErr != nil || res.ExitCode != 0 {
			eerr := &EngineError{TaskID: task.ID, Err: runErr}
			msg := "Engine failed to start"
			if runErr == nil {
				eerr.ExitCode = res.ExitCode
				eerr.Stderr = tail(res.Stderr, stderrTail)
				msg = fmt.Sprintf("Engine exited with code %d", res.ExitCode)
			}
			return out, d.fail(ctx, out, req, attempt, msg, d.now().Sub(attemptStart), eerr)
		}

		question, err := readClarification(ClarificationPath(d.StateDir, task.ID))
		if err != nil {
			log.Printf("WARNING: %v", err)
		}
		if question != "" && d.Station.Mode.Attended {
			if err := d.transition(task.ID, status.Blocked, status.Extra{RunID: req.RunID, Attempt: attempt, Note: noteClarification}); err != nil {
				return out, err
			}
			out.Status = status.Blocked
			out.Question = question
			d.publish(events.TaskBlockedEvent{ID: task.ID, Question: question, Timestamp: d.now()})
			return out, ErrClarificationNeeded
		}

		committed, err := d.commit(ctx, task, dir, req.RunID, baseline)
		if err != nil {
			return out, d.fail(ctx, out, req, attempt, "Commit failed", d.now().Sub(attemptStart), err)
		}
		if len(committed) > 0 {
			out.Committed = committed
		}

		verify, err := bp.RunAll(ctx, dir, filepath.Join(d.StateDir, "logs"), task.ID, d.Station.Backpressure)
		if d.cancelled(ctx) {
			return out, ErrCancelled
		}
		if err != nil {
			return out, d.fail(ctx, out, req, attempt, "Backpressure could not run", d.now().Sub(attemptStart), err)
		}
		out.Verification = verify
		d.publish(events.TaskVerifiedEvent{
			ID:        task.ID,
			Attempt:   attempt,
			Passed:    verify.Passed,
			Failed:    verify.Failed(),
			Timestamp: d.now(),
		})

		if !verify.Passed {
			if attempt < d.Station.Mode.MaxRetries {
				note := fmt.Sprintf("Backpressure retry %d", attempt+1)
				if err := d.transition(task.ID, status.Pending, status.Extra{RunID: req.RunID, Note: note}); err != nil {
					return out, err
				}
				out.Status = status.Pending
				d.notice(task.ID, events.LevelWarn, fmt.Sprintf("Backpressure failed (%s). Retrying (attempt %d/%d)",
					strings.Join(verify.Failed(), ", "), attempt+1, d.Station.Mode.MaxRetries))
				continue
			}
			verr := &VerificationError{
				TaskID:   task.ID,
				Attempts: attempt,
				Failed:   verify.Failed(),
				Output:   verify.FailureOutput(),
			}
			return out, d.fail(ctx, out, req, attempt, errVerification, d.now().Sub(attemptStart), verr)
		}

		if _, err := os.Stat(EvidencePath(d.StateDir, task.ID)); errors.Is(err, os.ErrNotExist) {
			log.Printf("WARNING: no evidence file found for task %s", task.ID)
			d.notice(task.ID, events.LevelWarn, "No evidence file found for task "+task.ID)
		}

		if err := d.transition(task.ID, status.Complete, status.Extra{RunID: req.RunID, Attempt: attempt}); err != nil {
			return out, err
		}
		out.Status = status.Complete
		dur := d.now().Sub(attemptStart)
		d.record(ctx, task.ID, req.RunID, status.Complete, dur, out.Tokens)
		var cost *float64
		if out.Tokens != nil {
			cost = out.Tokens.Cost
		}
		d.publish(events.TaskCompletedEvent{ID: task.ID, Duration: dur, Cost: cost, Timestamp: d.now()})
		return out, nil
	}
}

// fail marks the task failed with msg, records progress and returns cause.
func (d *Driver) fail(ctx context.Context, out *Outcome, req Request, attempt int, msg string, dur time.Duration, cause error) error {
	if err := d.transition(req.Task.ID, status.Failed, status.Extra{RunID: req.RunID, Attempt: attempt, Error: msg}); err != nil {
		return errors.Join(cause, err)
	}
	out.Status = status.Failed
	d.record(ctx, req.Task.ID, req.RunID, status.Failed, dur, out.Tokens)
	d.publish(events.TaskFailedEvent{ID: req.Task.ID, Err: cause, Duration: dur, Timestamp: d.now()})
	return cause
}

func (d *Driver) runEngine(ctx context.Context, taskID, dir, taskPrompt string) (*engine.Result, error) {
	lines := &lineWriter{emit: func(line string) {
		d.publish(events.TaskOutputEvent{ID: taskID, Line: line, Timestamp: d.now()})
	}}
	var w io.Writer = lines
	if d.Output != nil {
		w = io.MultiWriter(lines, d.Output)
	}
	opts := engine.RunOptions{
		Cwd:          dir,
		Model:        d.Station.Engine.Model,
		AllowedTools: d.Station.Engine.AllowedTools,
		MaxBudgetUSD: d.Station.Engine.MaxBudgetUSD,
		SystemPrompt: d.Station.Engine.SystemPrompt,
		Output:       w,
	}
	if d.RC != nil {
		opts.OnSpawn = func(cmd *exec.Cmd) { d.RC.Attach(taskID, cmd) }
		defer d.RC.Detach(taskID)
	}
	res, err := d.Engine.Run(ctx, taskPrompt, opts)
	lines.Flush()
	return res, err
}

// commit stages exactly the files changed since baseline and commits them.
// It returns the committed paths, empty when nothing changed.
func (d *Driver) commit(ctx context.Context, task board.Task, dir, runID string, baseline git.FileState) ([]string, error) {
	changed, err := git.ChangedFiles(dir, baseline)
	if err != nil {
		return nil, fmt.Errorf("failed to diff working tree: %w", err)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	repo := git.NewRunner(dir)
	if err := repo.StageFiles(ctx, changed); err != nil {
		return nil, fmt.Errorf("failed to stage changes for %s: %w", task.ID, err)
	}
	staged, err := repo.HasStagedChanges(ctx)
	if err != nil {
		return nil, err
	}
	if !staged {
		return nil, nil
	}
	msg := CommitMessage(task)
	if err := repo.CommitWithTrailer(ctx, msg, RunIDTrailer, runID); err != nil {
		return nil, fmt.Errorf("failed to commit changes for %s: %w", task.ID, err)
	}
	d.publish(events.TaskCommittedEvent{ID: task.ID, Files: changed, Message: msg, Timestamp: d.now()})
	return changed, nil
}

func readClarification(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read clarification: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
