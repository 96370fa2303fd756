package driver

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClarificationNeeded means the engine left a question for a human.
	// The task is blocked and the caller re-executes it with the answer.
	ErrClarificationNeeded = errors.New("clarification needed")

	// ErrCancelled means the run is shutting down. The task is left
	// in_progress for stale-lock recovery.
	ErrCancelled = errors.New("execution cancelled")
)

const stderrTail = 2000

// EngineError is an engine that could not run or exited non-zero. It is
// terminal for the task and never retried.
type EngineError struct {
	TaskID   string
	ExitCode int
	Stderr   string // Tail of the engine's stderr
	Err      error  // Spawn failure, nil for a non-zero exit
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "task %s: engine failure: ", e.TaskID)
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		fmt.Fprintf(&b, "exited with code %d", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString(": ")
		b.WriteString(s)
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// VerificationError is a backpressure failure that exhausted its retries.
type VerificationError struct {
	TaskID   string
	Attempts int
	Failed   []string // Failing command names
	Output   string   // Captured output of the failing commands
}

func (e *VerificationError) Error() string {
	msg := fmt.Sprintf("task %s: verification failure after %d attempt(s): %s",
		e.TaskID, e.Attempts, strings.Join(e.Failed, ", "))
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
