package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setupTestRepo creates a temporary git repository with one commit on main.
func setupTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cmds := [][]string{
		{"git", "init"},
		{"git", "config", "user.email", "test@example.com"},
		{"git", "config", "user.name", "Test User"},
		{"git", "checkout", "-b", "main"},
	}
	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%s failed: %v (output: %s)", strings.Join(args, " "), err, output)
		}
	}

	writeFile(t, dir, "README.md", "# Test Repo\n")
	gitRun(t, dir, "add", "README.md")
	gitRun(t, dir, "commit", "-m", "Initial commit")
	return dir
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v (output: %s)", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

func TestSnapshot_IgnoresArtifactDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/a.go", "package a")
	writeFile(t, dir, "node_modules/x/index.js", "x")
	writeFile(t, dir, ".mise/board.yaml", "tasks: []")
	writeFile(t, dir, "dist/out.js", "x")

	state, err := Snapshot(dir)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(state) != 1 {
		t.Fatalf("Expected only src/a.go, got %v", state)
	}
	if _, ok := state["src/a.go"]; !ok {
		t.Errorf("Expected src/a.go in snapshot, got %v", state)
	}
}

func TestChangedFiles_AddedModifiedRemoved(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.txt", "same")
	writeFile(t, dir, "edit.txt", "before")
	writeFile(t, dir, "gone.txt", "bye")

	baseline, err := Snapshot(dir)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	writeFile(t, dir, "edit.txt", "after, and longer")
	writeFile(t, dir, "new/file.txt", "hello")
	if err := os.Remove(filepath.Join(dir, "gone.txt")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	changed, err := ChangedFiles(dir, baseline)
	if err != nil {
		t.Fatalf("ChangedFiles failed: %v", err)
	}
	want := []string{"edit.txt", "gone.txt", "new/file.txt"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, changed)
	}
}

func TestDiff_ModTimeOnly(t *testing.T) {
	now := time.Now()
	before := FileState{"a": {Size: 1, ModTime: now}}
	after := FileState{"a": {Size: 1, ModTime: now.Add(time.Second)}}
	if got := Diff(before, after); len(got) != 1 || got[0] != "a" {
		t.Errorf("Expected [a], got %v", got)
	}
}

func TestStageFiles_OnlyStagesGivenPaths(t *testing.T) {
	dir := setupTestRepo(t)
	ctx := context.Background()
	r := NewRunner(dir)

	writeFile(t, dir, ".gitignore", "secret.env\n")
	gitRun(t, dir, "add", ".gitignore")
	gitRun(t, dir, "commit", "-m", "ignore")

	writeFile(t, dir, "task.txt", "from task")
	writeFile(t, dir, "unrelated.txt", "someone else")
	writeFile(t, dir, "secret.env", "KEY=1")
	if err := os.Remove(filepath.Join(dir, "README.md")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if err := r.StageFiles(ctx, []string{"task.txt", "secret.env", "README.md"}); err != nil {
		t.Fatalf("StageFiles failed: %v", err)
	}

	staged := gitRun(t, dir, "diff", "--cached", "--name-status")
	if !strings.Contains(staged, "A\ttask.txt") || !strings.Contains(staged, "D\tREADME.md") {
		t.Errorf("Expected task.txt added and README.md deleted, got:\n%s", staged)
	}
	if strings.Contains(staged, "unrelated.txt") || strings.Contains(staged, "secret.env") {
		t.Errorf("Unexpected paths staged:\n%s", staged)
	}
}

func TestCommitWithTrailer(t *testing.T) {
	dir := setupTestRepo(t)
	ctx := context.Background()
	r := NewRunner(dir)

	has, err := r.HasStagedChanges(ctx)
	if err != nil || has {
		t.Fatalf("Expected clean index, got has=%v err=%v", has, err)
	}

	writeFile(t, dir, "a.txt", "a")
	if err := r.StageFiles(ctx, []string{"a.txt"}); err != nil {
		t.Fatalf("StageFiles failed: %v", err)
	}
	if has, _ := r.HasStagedChanges(ctx); !has {
		t.Fatal("Expected staged changes")
	}
	if err := r.CommitWithTrailer(ctx, "mise(1): Add a", "Mise-Run-Id", "run-123"); err != nil {
		t.Fatalf("CommitWithTrailer failed: %v", err)
	}

	subject := gitRun(t, dir, "log", "-1", "--format=%s")
	if subject != "mise(1): Add a" {
		t.Errorf("Unexpected subject: %q", subject)
	}
	trailer := gitRun(t, dir, "log", "-1", "--format=%(trailers:key=Mise-Run-Id,valueonly)")
	if trailer != "run-123" {
		t.Errorf("Expected trailer run-123, got %q", trailer)
	}
}

func TestMergeBranch_CleanAndConflict(t *testing.T) {
	dir := setupTestRepo(t)
	ctx := context.Background()
	r := NewRunner(dir)

	gitRun(t, dir, "checkout", "-b", "clean")
	writeFile(t, dir, "clean.txt", "clean")
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "clean change")

	gitRun(t, dir, "checkout", "main")
	gitRun(t, dir, "checkout", "-b", "conflict")
	writeFile(t, dir, "README.md", "# Branch version\n")
	gitRun(t, dir, "commit", "-am", "branch edit")

	gitRun(t, dir, "checkout", "main")
	writeFile(t, dir, "README.md", "# Main version\n")
	gitRun(t, dir, "commit", "-am", "main edit")
	head := gitRun(t, dir, "rev-parse", "HEAD")

	res, err := r.MergeBranch(ctx, "conflict", true)
	if err != nil {
		t.Fatalf("MergeBranch returned error for conflict: %v", err)
	}
	if res.Success {
		t.Fatal("Expected conflict merge to fail")
	}
	if len(res.ConflictPaths) != 1 || res.ConflictPaths[0] != "README.md" {
		t.Errorf("Expected README.md conflict, got %v", res.ConflictPaths)
	}
	if now := gitRun(t, dir, "rev-parse", "HEAD"); now != head {
		t.Errorf("Expected HEAD unchanged after abort, got %s want %s", now, head)
	}
	if status := gitRun(t, dir, "status", "--porcelain"); status != "" {
		t.Errorf("Expected clean tree after abort, got:\n%s", status)
	}

	res, err = r.MergeBranch(ctx, "clean", true)
	if err != nil || !res.Success {
		t.Fatalf("Expected clean merge, got res=%+v err=%v", res, err)
	}
	parents := gitRun(t, dir, "log", "-1", "--format=%p")
	if len(strings.Fields(parents)) != 2 {
		t.Errorf("Expected merge commit with two parents, got %q", parents)
	}
}

func TestMergeBranch_MissingBranch(t *testing.T) {
	dir := setupTestRepo(t)
	res, err := NewRunner(dir).MergeBranch(context.Background(), "no-such-branch", true)
	if err == nil {
		t.Fatal("Expected error for missing branch")
	}
	if res == nil || res.Success {
		t.Errorf("Expected unsuccessful result, got %+v", res)
	}
}

func TestBranchExistsAndDelete(t *testing.T) {
	dir := setupTestRepo(t)
	ctx := context.Background()
	r := NewRunner(dir)

	gitRun(t, dir, "branch", "feature")
	if ok, err := r.BranchExists(ctx, "feature"); err != nil || !ok {
		t.Fatalf("Expected feature to exist, got ok=%v err=%v", ok, err)
	}
	if err := r.DeleteBranch(ctx, "feature"); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}
	if ok, _ := r.BranchExists(ctx, "feature"); ok {
		t.Error("Expected feature to be deleted")
	}
	if branch, _ := r.CurrentBranch(ctx); branch != "main" {
		t.Errorf("Expected current branch main, got %q", branch)
	}
	if !r.IsRepo(ctx) {
		t.Error("Expected IsRepo true")
	}
	if NewRunner(t.TempDir()).IsRepo(ctx) {
		t.Error("Expected IsRepo false outside a repo")
	}
}

func TestIsLockContention(t *testing.T) {
	if !isLockContention("fatal: Unable to create '/x/.git/index.lock': File exists.") {
		t.Error("Expected index.lock to be contention")
	}
	if isLockContention("CONFLICT (content): Merge conflict in README.md") {
		t.Error("Expected conflict not to be contention")
	}
}
