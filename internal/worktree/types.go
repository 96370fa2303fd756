package worktree

// BranchPrefix is prepended to task ids to form worktree branch names.
const BranchPrefix = "mise/task-"

// Handle identifies the isolated working copy of one task.
type Handle struct {
	TaskID string // Task the worktree belongs to
	Path   string // Absolute path to the worktree directory
	Branch string // Branch checked out in the worktree
}

// Info describes a worktree reported by git.
type Info struct {
	Path   string
	Branch string
	TaskID string // Empty when the branch is not a task branch
	Head   string
}

// Config configures a Manager.
type Config struct {
	RepoPath    string // Absolute path to the main checkout
	WorktreeDir string // Directory holding task worktrees, absolute or relative to RepoPath
}
