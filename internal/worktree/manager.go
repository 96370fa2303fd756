// Package worktree gives each parallel task its own git working copy and
// branch, at deterministic locations derived from the task id.
package worktree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/aristath/mise/internal/git"
	"github.com/aristath/mise/internal/status"
)

// Manager creates and removes task worktrees. Branch deletion is left to the
// merge step, which decides when a branch's work has been consumed.
type Manager struct {
	repo *git.Runner
	dir  string
}

// NewManager returns a manager for cfg.
func NewManager(cfg Config) *Manager {
	dir := cfg.WorktreeDir
	if dir == "" {
		dir = filepath.Join(".mise", "worktrees")
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(cfg.RepoPath, dir)
	}
	return &Manager{repo: git.NewRunner(cfg.RepoPath), dir: dir}
}

// Path returns the worktree directory for taskID.
func (m *Manager) Path(taskID string) string {
	return filepath.Join(m.dir, taskID)
}

// Branch returns the branch name for taskID.
func Branch(taskID string) string {
	return BranchPrefix + taskID
}

// IsSupported reports whether the repo path is a git work tree.
func (m *Manager) IsSupported(ctx context.Context) bool {
	return m.repo.IsRepo(ctx)
}

// Create adds a worktree for taskID on a new branch from the current HEAD.
// Leftovers from an interrupted run with the same id are removed first.
func (m *Manager) Create(ctx context.Context, taskID string) (*Handle, error) {
	if err := status.ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	path := m.Path(taskID)
	branch := Branch(taskID)

	if _, err := os.Stat(path); err == nil {
		log.Printf("WARNING: removing leftover worktree for task %s", taskID)
		m.RemoveDir(ctx, taskID)
	}
	if exists, err := m.repo.BranchExists(ctx, branch); err != nil {
		return nil, err
	} else if exists {
		log.Printf("WARNING: deleting leftover branch %s", branch)
		if err := m.repo.DeleteBranch(ctx, branch); err != nil {
			return nil, fmt.Errorf("failed to delete leftover branch: %w", err)
		}
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree dir: %w", err)
	}
	if err := m.repo.WorktreeAdd(ctx, path, branch); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}
	return &Handle{TaskID: taskID, Path: path, Branch: branch}, nil
}

// RemoveDir detaches and deletes the worktree directory for taskID. It is a
// no-op when the worktree is already gone, and never touches the branch.
func (m *Manager) RemoveDir(ctx context.Context, taskID string) {
	path := m.Path(taskID)
	if err := m.repo.WorktreeRemove(ctx, path); err != nil && !errors.Is(err, context.Canceled) {
		// Expected when the worktree was never created or already removed
		log.Printf("worktree remove for %s: %v", taskID, err)
	}
	if err := os.RemoveAll(path); err != nil {
		log.Printf("WARNING: failed to remove worktree dir %s: %v", path, err)
	}
	if err := m.repo.WorktreePrune(ctx); err != nil {
		log.Printf("WARNING: worktree prune failed: %v", err)
	}
}

// RemoveBranch deletes the task branch. A missing branch is not an error.
func (m *Manager) RemoveBranch(ctx context.Context, taskID string) error {
	branch := Branch(taskID)
	exists, err := m.repo.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return m.repo.DeleteBranch(ctx, branch)
}

// List returns the task worktrees git knows about.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	out, err := m.repo.WorktreeListPorcelain(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var all []Info
	var current Info
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			// Empty line ends an entry
			if current.Path != "" {
				all = append(all, current)
				current = Info{}
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			current.TaskID = strings.TrimPrefix(current.Branch, BranchPrefix)
			if current.TaskID == current.Branch {
				current.TaskID = ""
			}
		}
	}
	if current.Path != "" {
		all = append(all, current)
	}

	var tasks []Info
	for _, wt := range all {
		if wt.TaskID != "" {
			tasks = append(tasks, wt)
		}
	}
	return tasks, nil
}

// Prune cleans up stale worktree metadata.
func (m *Manager) Prune(ctx context.Context) error {
	if err := m.repo.WorktreePrune(ctx); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}
