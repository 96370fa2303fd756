// Package scheduler picks the next batch of tasks to execute: a single task,
// or a conflict-free parallel batch from the lowest incomplete group.
package scheduler

import (
	"github.com/aristath/mise/internal/board"
	"github.com/aristath/mise/internal/status"
)

// Options controls batch selection.
type Options struct {
	Parallel bool // Parallel mode enabled
	Cap      int  // Maximum batch size when parallel
	// StatusOf reports the stored status of a task, used to find the active
	// group. Tasks it does not know are treated as pending.
	StatusOf func(id string) status.Status
}

// NextBatch selects the next execution batch from ready, which must already be
// filtered to pending tasks with complete dependencies that passed the
// readiness gate. An empty ready list yields an empty batch.
func NextBatch(b *board.Board, ready []board.Task, opts Options) []board.Task {
	if len(ready) == 0 {
		return nil
	}
	single := []board.Task{ready[0]}
	if !opts.Parallel || len(ready) == 1 {
		return single
	}

	group, ok := activeGroup(b, opts.StatusOf)
	if !ok {
		return single
	}

	var candidates []board.Task
	for _, task := range ready {
		if task.Group == group && task.ParallelSafe {
			candidates = append(candidates, task)
		}
	}
	if len(candidates) <= 1 {
		return single
	}

	limit := opts.Cap
	if limit < 1 {
		limit = 1
	}
	var batch []board.Task
	for _, candidate := range candidates {
		if len(batch) >= limit {
			break
		}
		conflict := false
		for _, admitted := range batch {
			if PathsOverlap(candidate.OwnedPaths, admitted.OwnedPaths) {
				conflict = true
				break
			}
		}
		if !conflict {
			batch = append(batch, candidate)
		}
	}
	return batch
}

// activeGroup returns the lowest group whose tasks are not all complete.
func activeGroup(b *board.Board, statusOf func(id string) status.Status) (int, bool) {
	for _, g := range b.Groups() {
		for _, task := range b.GroupTasks(g) {
			s := status.Pending
			if statusOf != nil {
				s = statusOf(task.ID)
			}
			if s != status.Complete {
				return g, true
			}
		}
	}
	return 0, false
}
