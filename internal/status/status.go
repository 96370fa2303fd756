// Package status persists per-task execution status separately from the task
// definitions, so a re-planned board keeps its execution history.
package status

import (
	"errors"
	"fmt"
	"regexp"
)

// Status is the execution state of a single task.
type Status string

const (
	Pending    Status = "pending"
	InProgress Status = "in_progress"
	Complete   Status = "complete"
	Failed     Status = "failed"
	Blocked    Status = "blocked"
	Skipped    Status = "skipped"
)

// ErrInvalidTransition is returned when a status change is not in the
// transition table.
var ErrInvalidTransition = errors.New("invalid task status transition")

// allowedTransitions is the complete status transition table. Complete is terminal.
var allowedTransitions = map[Status]map[Status]struct{}{
	Pending: {
		InProgress: {},
		Blocked:    {},
		Skipped:    {},
	},
	InProgress: {
		Complete: {},
		Failed:   {},
		Blocked:  {},
		Pending:  {},
	},
	Complete: {},
	Failed: {
		Pending: {},
	},
	Blocked: {
		Pending:    {},
		InProgress: {},
	},
	Skipped: {
		Pending: {},
	},
}

// ValidStatuses returns all valid status values.
func ValidStatuses() []Status {
	return []Status{Pending, InProgress, Complete, Failed, Blocked, Skipped}
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s.IsValid() && len(allowedTransitions[s]) == 0
}

func (s Status) String() string {
	return string(s)
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ValidateTransition returns an error wrapping ErrInvalidTransition when
// from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if !to.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w from %q to %q", ErrInvalidTransition, from, to)
	}
	return nil
}

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateTaskID rejects ids that are unsafe to use as file or branch names.
func ValidateTaskID(id string) error {
	if !taskIDPattern.MatchString(id) {
		return fmt.Errorf("invalid task id %q", id)
	}
	return nil
}
