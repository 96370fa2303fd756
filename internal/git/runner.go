// Package git runs the version-control operations the orchestrator needs:
// targeted staging, trailer commits, worktrees and conflict-tolerant merges.
package git

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MergeResult reports the outcome of a single branch merge.
type MergeResult struct {
	Success       bool
	ConflictPaths []string
	Output        string
}

// Runner executes git commands in one directory.
type Runner struct {
	dir       string
	newPolicy func() backoff.BackOff
}

// NewRunner returns a runner for the repository or worktree at dir.
func NewRunner(dir string) *Runner {
	return &Runner{dir: dir, newPolicy: defaultLockPolicy}
}

// Dir returns the directory commands run in.
func (r *Runner) Dir() string {
	return r.dir
}

func defaultLockPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 10 * time.Second
	return b
}

// isLockContention detects another git process holding the index or ref lock.
// Parallel worktrees share the object store and can briefly collide.
func isLockContention(output string) bool {
	return strings.Contains(output, "index.lock") ||
		(strings.Contains(output, ".lock") && strings.Contains(output, "File exists"))
}

// run executes git with args, retrying transient lock contention, and returns
// trimmed combined output.
func (r *Runner) run(ctx context.Context, args ...string) (string, error) {
	var out string
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = r.dir
		raw, err := cmd.CombinedOutput()
		out = strings.TrimSpace(string(raw))
		if err == nil {
			return nil
		}
		wrapped := fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out)
		if isLockContention(out) {
			return wrapped
		}
		return backoff.Permanent(wrapped)
	}
	err := backoff.Retry(operation, backoff.WithContext(r.newPolicy(), ctx))
	return out, err
}

// Run executes an arbitrary git command.
func (r *Runner) Run(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, args...)
}

// IsRepo reports whether dir is inside a git work tree.
func (r *Runner) IsRepo(ctx context.Context) bool {
	out, err := r.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the checked-out branch name.
func (r *Runner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists.
func (r *Runner) BranchExists(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = r.dir
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("check branch exists: %w", err)
}

// DeleteBranch force-deletes a local branch.
func (r *Runner) DeleteBranch(ctx context.Context, name string) error {
	_, err := r.run(ctx, "branch", "-D", name)
	return err
}

// StageFiles stages exactly paths, which are relative to the runner's
// directory. Paths that no longer exist are staged as removals; ignored paths
// are skipped.
func (r *Runner) StageFiles(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	var present, removed []string
	for _, p := range paths {
		if _, err := os.Lstat(filepath.Join(r.dir, p)); err == nil {
			present = append(present, p)
		} else {
			removed = append(removed, p)
		}
	}

	present, err := r.dropIgnored(ctx, present)
	if err != nil {
		return err
	}
	if len(present) > 0 {
		if _, err := r.run(ctx, append([]string{"add", "--"}, present...)...); err != nil {
			return err
		}
	}
	if len(removed) > 0 {
		args := append([]string{"rm", "--cached", "--quiet", "--ignore-unmatch", "--"}, removed...)
		if _, err := r.run(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

// dropIgnored filters out paths matched by .gitignore rules.
func (r *Runner) dropIgnored(ctx context.Context, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	cmd := exec.CommandContext(ctx, "git", "check-ignore", "--stdin")
	cmd.Dir = r.dir
	cmd.Stdin = strings.NewReader(strings.Join(paths, "\n") + "\n")
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		// Exit code 1 means nothing is ignored
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return paths, nil
		}
		return nil, fmt.Errorf("git check-ignore: %w", err)
	}
	ignored := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		ignored[strings.TrimSpace(scanner.Text())] = true
	}
	var kept []string
	for _, p := range paths {
		if !ignored[p] {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

// HasStagedChanges reports whether the index differs from HEAD.
func (r *Runner) HasStagedChanges(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "--cached", "--quiet")
	cmd.Dir = r.dir
	err := cmd.Run()
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, fmt.Errorf("git diff --cached: %w", err)
}

// CommitWithTrailer commits the index with message and a "key: value"
// trailer paragraph.
func (r *Runner) CommitWithTrailer(ctx context.Context, message, key, value string) error {
	_, err := r.run(ctx, "commit", "--no-verify", "-m", message, "-m", key+": "+value)
	return err
}

// ConflictedFiles lists paths with unresolved merge conflicts.
func (r *Runner) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// MergeAbort aborts an in-progress merge.
func (r *Runner) MergeAbort(ctx context.Context) error {
	_, err := r.run(ctx, "merge", "--abort")
	return err
}

// MergeBranch merges branch into the current branch. On failure the merge is
// aborted so the current branch is left as it was, and the conflicting paths
// are reported. The returned error is non-nil only when the merge failed for a
// reason other than conflicts.
func (r *Runner) MergeBranch(ctx context.Context, branch string, noFastForward bool) (*MergeResult, error) {
	args := []string{"merge", "--no-edit"}
	if noFastForward {
		args = append(args, "--no-ff")
	}
	args = append(args, branch)

	out, err := r.run(ctx, args...)
	if err == nil {
		return &MergeResult{Success: true, Output: out}, nil
	}

	conflicts, cerr := r.ConflictedFiles(ctx)
	if cerr != nil {
		conflicts = nil
	}
	// Abort can fail when git refused to start the merge; nothing to undo then.
	_ = r.MergeAbort(ctx)

	result := &MergeResult{Success: false, ConflictPaths: conflicts, Output: out}
	if len(conflicts) == 0 {
		return result, err
	}
	return result, nil
}

// WorktreeAdd creates a worktree at path on a new branch.
func (r *Runner) WorktreeAdd(ctx context.Context, path, branch string) error {
	_, err := r.run(ctx, "worktree", "add", path, "-b", branch)
	return err
}

// WorktreeRemove force-removes the worktree at path.
func (r *Runner) WorktreeRemove(ctx context.Context, path string) error {
	_, err := r.run(ctx, "worktree", "remove", "--force", path)
	return err
}

// WorktreePrune drops metadata for worktrees whose directories are gone.
func (r *Runner) WorktreePrune(ctx context.Context) error {
	_, err := r.run(ctx, "worktree", "prune")
	return err
}

// WorktreeListPorcelain returns `git worktree list --porcelain` output.
func (r *Runner) WorktreeListPorcelain(ctx context.Context) (string, error) {
	return r.run(ctx, "worktree", "list", "--porcelain")
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
