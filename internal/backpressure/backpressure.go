// Package backpressure runs the project's verification commands (tests,
// linters, builds) after an engine has changed the tree.
package backpressure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/aristath/mise/internal/runctx"
)

// DefaultTimeout bounds a single verification command.
const DefaultTimeout = 5 * time.Minute

// wellKnown names run first, in this order.
var wellKnown = []string{"test", "lint", "build", "typecheck"}

// CommandResult is the outcome of one command.
type CommandResult struct {
	Name     string        `json:"name"`
	Command  string        `json:"command"`
	Passed   bool          `json:"passed"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// Result aggregates every command of a task.
type Result struct {
	Passed  bool            `json:"passed"`
	Results []CommandResult `json:"results"`
}

// Failed returns the names of the commands that did not pass.
func (r Result) Failed() []string {
	var names []string
	for _, c := range r.Results {
		if !c.Passed {
			names = append(names, c.Name)
		}
	}
	return names
}

// FailureOutput concatenates the output of failed commands.
func (r Result) FailureOutput() string {
	var b strings.Builder
	for _, c := range r.Results {
		if c.Passed {
			continue
		}
		fmt.Fprintf(&b, "$ %s\n%s", c.Command, c.Output)
		if !strings.HasSuffix(c.Output, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Runner executes verification commands through sh -c.
type Runner struct {
	Timeout time.Duration
}

// New returns a Runner with the given per-command timeout.
func New(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{Timeout: timeout}
}

// Order returns command names with the well-known ones first and the rest sorted.
// Names mapped to an empty command are dropped.
func Order(commands map[string]string) []string {
	var names []string
	seen := make(map[string]bool, len(wellKnown))
	for _, name := range wellKnown {
		seen[name] = true
		if strings.TrimSpace(commands[name]) != "" {
			names = append(names, name)
		}
	}
	var extra []string
	for name, cmd := range commands {
		if !seen[name] && strings.TrimSpace(cmd) != "" {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(names, extra...)
}

// RunAll runs every configured command in projectDir and writes each combined
// output to <logDir>/<taskID>/<name>.log. No commands means passed.
func (r *Runner) RunAll(ctx context.Context, projectDir, logDir, taskID string, commands map[string]string) (*Result, error) {
	taskLogDir := filepath.Join(logDir, taskID)
	if err := os.MkdirAll(taskLogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	res := &Result{Passed: true}
	for _, name := range Order(commands) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		cr := r.run(ctx, projectDir, name, commands[name])
		if err := os.WriteFile(filepath.Join(taskLogDir, name+".log"), []byte(cr.Output), 0o644); err != nil {
			return res, fmt.Errorf("failed to write %s log: %w", name, err)
		}
		res.Results = append(res.Results, cr)
		if !cr.Passed {
			res.Passed = false
		}
	}
	return res, nil
}

func (r *Runner) run(ctx context.Context, dir, name, command string) CommandResult {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = dir
	runctx.ConfigureProcess(cmd)
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	cr := CommandResult{
		Name:     name,
		Command:  command,
		Passed:   err == nil,
		Output:   out.String(),
		Duration: time.Since(start),
	}
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		cr.TimedOut = true
		cr.Output += fmt.Sprintf("\n%s timed out after %s\n", name, timeout)
	}
	return cr
}

// RunAll runs commands with the default timeout.
func RunAll(ctx context.Context, projectDir, logDir, taskID string, commands map[string]string) (*Result, error) {
	return New(DefaultTimeout).RunAll(ctx, projectDir, logDir, taskID, commands)
}
