package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/mise/internal/events"
	"github.com/aristath/mise/internal/git"
	"github.com/aristath/mise/internal/worktree"
)

// ErrMergeConflict is matched by every *ConflictError.
var ErrMergeConflict = errors.New("merge conflict")

// ConflictError reports a task branch that could not be merged. The task's
// changes are lost unless its branch was retained.
type ConflictError struct {
	TaskID string
	Paths  []string
}

func (e *ConflictError) Error() string {
	if len(e.Paths) == 0 {
		return fmt.Sprintf("task %s: merge conflict", e.TaskID)
	}
	return fmt.Sprintf("task %s: merge conflict: %s", e.TaskID, strings.Join(e.Paths, ", "))
}

func (e *ConflictError) Is(target error) bool { return target == ErrMergeConflict }

// MergeReport is the outcome of merging a batch.
type MergeReport struct {
	Success     bool
	Conflicts   map[string][]string // Task id -> conflicting paths
	MergedTasks []string
	FailedTasks []string
	Retained    []string // Conflicting branches kept for manual resolution
}

// Err joins a *ConflictError per failed task, nil when everything merged.
func (r *MergeReport) Err() error {
	var errs []error
	for _, id := range r.FailedTasks {
		errs = append(errs, &ConflictError{TaskID: id, Paths: r.Conflicts[id]})
	}
	return errors.Join(errs...)
}

// MergeCoordinator lands task branches on the current branch of the main
// checkout, one at a time.
type MergeCoordinator struct {
	repo *git.Runner
	// RetainConflictBranches keeps branches whose merge failed.
	RetainConflictBranches bool
	Events                 events.Publisher

	mu sync.Mutex
}

// NewMergeCoordinator returns a coordinator for the repository at repoPath.
func NewMergeCoordinator(repoPath string, retainConflicts bool, pub events.Publisher) *MergeCoordinator {
	return &MergeCoordinator{
		repo:                   git.NewRunner(repoPath),
		RetainConflictBranches: retainConflicts,
		Events:                 pub,
	}
}

func (m *MergeCoordinator) publish(e events.Event) {
	if m.Events != nil {
		m.Events.Publish(e)
	}
}

// Merge merges each task's branch with --no-ff in lexicographic id order. A
// conflicting merge is aborted and the next branch is tried. Branches are
// deleted afterwards, except conflicting ones when RetainConflictBranches is set.
func (m *MergeCoordinator) Merge(ctx context.Context, taskIDs []string) *MergeReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := append([]string(nil), taskIDs...)
	sort.Strings(sorted)

	report := &MergeReport{Success: true, Conflicts: make(map[string][]string)}
	failed := make(map[string]bool)
	for _, id := range sorted {
		branch := worktree.Branch(id)
		res, err := m.repo.MergeBranch(ctx, branch, true)
		if err != nil {
			log.Printf("ERROR: failed to merge %s: %v", branch, err)
		}
		if res != nil && res.Success {
			report.MergedTasks = append(report.MergedTasks, id)
			m.publish(events.BranchMergedEvent{ID: id, Branch: branch, Timestamp: time.Now()})
			continue
		}
		var paths []string
		if res != nil {
			paths = res.ConflictPaths
		}
		report.Success = false
		report.FailedTasks = append(report.FailedTasks, id)
		report.Conflicts[id] = paths
		failed[id] = true
		m.publish(events.MergeConflictEvent{ID: id, Branch: branch, Paths: paths, Timestamp: time.Now()})
	}

	for _, id := range sorted {
		branch := worktree.Branch(id)
		if failed[id] && m.RetainConflictBranches {
			report.Retained = append(report.Retained, branch)
			continue
		}
		if err := m.repo.DeleteBranch(ctx, branch); err != nil {
			log.Printf("WARNING: failed to delete branch %s: %v", branch, err)
		}
	}
	return report
}
