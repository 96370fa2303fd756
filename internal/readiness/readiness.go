// Package readiness checks a task's external preconditions before it runs.
// Missing environment variables block a task; services, credentials and
// migrations are reported as notices only.
package readiness

import (
	"fmt"
	"os"
	"strings"

	"github.com/aristath/mise/internal/board"
)

// Result is the outcome of checking one task.
type Result struct {
	TaskID  string
	Ready   bool
	Missing []string
	Notices []string
}

// Err returns a *Error when the task is not ready, nil otherwise.
func (r Result) Err() error {
	if r.Ready {
		return nil
	}
	return &Error{TaskID: r.TaskID, Missing: r.Missing}
}

// Error is a readiness failure: the task must stay pending until its inputs
// are provided.
type Error struct {
	TaskID  string
	Missing []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("task %s: missing inputs: %s", e.TaskID, strings.Join(e.Missing, ", "))
}

// Checker evaluates readiness. LookupEnv defaults to os.LookupEnv.
type Checker struct {
	LookupEnv func(key string) (string, bool)
}

// New returns a checker that reads the process environment.
func New() *Checker {
	return &Checker{LookupEnv: os.LookupEnv}
}

// Check evaluates a single task.
func (c *Checker) Check(task board.Task) Result {
	lookup := c.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	res := Result{TaskID: task.ID}
	inputs := task.RequiredInputs
	for _, name := range inputs.EnvVars {
		if v, ok := lookup(name); !ok || v == "" {
			res.Missing = append(res.Missing, fmt.Sprintf("Environment variable %s is not set", name))
		}
	}
	for _, svc := range inputs.Services {
		res.Notices = append(res.Notices, fmt.Sprintf("Service required: %s (not verified)", svc))
	}
	for _, cred := range inputs.Credentials {
		res.Notices = append(res.Notices, fmt.Sprintf("Credential required: %s", cred))
	}
	for _, m := range inputs.Migrations {
		res.Notices = append(res.Notices, fmt.Sprintf("Migration required: %s", m))
	}
	res.Ready = len(res.Missing) == 0
	return res
}

// Gate splits tasks into ready ones and blocked results, preserving order.
func (c *Checker) Gate(tasks []board.Task) ([]board.Task, []Result) {
	var ready []board.Task
	var blocked []Result
	for _, task := range tasks {
		res := c.Check(task)
		if res.Ready {
			ready = append(ready, task)
		} else {
			blocked = append(blocked, res)
		}
	}
	return ready, blocked
}
