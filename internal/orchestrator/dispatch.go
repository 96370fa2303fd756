package orchestrator

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/mise/internal/board"
	"github.com/aristath/mise/internal/driver"
	"github.com/aristath/mise/internal/worktree"
)

// TaskResult is the outcome of one task in a parallel batch.
type TaskResult struct {
	TaskID  string
	Outcome *driver.Outcome
	Err     error
}

// Success reports whether the task completed.
func (r TaskResult) Success() bool { return r.Err == nil }

// Dispatcher runs a batch concurrently, one worktree per task.
type Dispatcher struct {
	Driver    *driver.Driver
	Worktrees *worktree.Manager
	// Limit bounds concurrent drivers; zero means the batch size.
	Limit int
}

// Dispatch creates a worktree per task, executes every task in its worktree
// and removes the worktree directories. Branches are left for the merge
// step. Results are in batch order.
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []board.Task, runID string) []TaskResult {
	results := make([]TaskResult, len(tasks))
	handles := make([]*worktree.Handle, len(tasks))

	defer func() {
		for _, h := range handles {
			if h != nil {
				d.Worktrees.RemoveDir(context.WithoutCancel(ctx), h.TaskID)
			}
		}
	}()

	// git worktree add takes repository-wide locks, so creation is serial
	for i, task := range tasks {
		results[i].TaskID = task.ID
		h, err := d.Worktrees.Create(ctx, task.ID)
		if err != nil {
			log.Printf("ERROR: failed to create worktree for %s: %v", task.ID, err)
			results[i].Err = fmt.Errorf("failed to create worktree: %w", err)
			continue
		}
		handles[i] = h
	}

	limit := d.Limit
	if limit <= 0 {
		limit = len(tasks)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, task := range tasks {
		if handles[i] == nil {
			continue
		}
		g.Go(func() error {
			out, err := d.Driver.Execute(gctx, driver.Request{Task: task, Dir: handles[i].Path, RunID: runID})
			results[i].Outcome = out
			results[i].Err = err
			// Task errors are reported per result and never cancel siblings
			return nil
		})
	}
	_ = g.Wait()
	return results
}
