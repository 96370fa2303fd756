// Package engine runs coding-agent CLIs as opaque subprocesses.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
)

// TokenUsage is the usage reported by an engine for one run.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
	// Cost is nil when the engine did not report one.
	Cost *float64
}

// RunOptions configures a single engine invocation.
type RunOptions struct {
	Cwd          string
	Model        string
	AllowedTools []string
	MaxBudgetUSD float64
	SystemPrompt string
	// Output receives a copy of stdout as it is produced.
	Output io.Writer
	// OnSpawn is called once the child process has started.
	OnSpawn func(cmd *exec.Cmd)
}

// Result is the outcome of a process that ran. A non-zero ExitCode is not an error.
type Result struct {
	ExitCode         int
	Stdout           string
	Stderr           string
	Tokens           *TokenUsage
	StructuredOutput json.RawMessage
}

// Engine is a coding-agent CLI.
type Engine interface {
	Name() string
	// Check reports whether the CLI is installed and runnable.
	Check(ctx context.Context) bool
	// Run feeds prompt on stdin and waits for the process to exit. The error
	// is non-nil only when the process could not be run.
	Run(ctx context.Context, prompt string, opts RunOptions) (*Result, error)
}

// Names lists the supported engines.
func Names() []string { return []string{"claude", "cursor"} }

// New returns the engine registered under name.
func New(name string) (Engine, error) {
	switch name {
	case "claude", "":
		return &Claude{}, nil
	case "cursor":
		return &Cursor{}, nil
	default:
		return nil, fmt.Errorf("unknown engine: %s (supported: claude, cursor)", name)
	}
}
