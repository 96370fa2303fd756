// Package board holds the declarative task definitions for a project and the
// tracker that keeps their status mirror in step with the status store.
package board

import "github.com/aristath/mise/internal/status"

// Size is an informational effort estimate.
type Size string

const (
	SizeS  Size = "S"
	SizeM  Size = "M"
	SizeL  Size = "L"
	SizeXL Size = "XL"
)

// Valid reports whether s is one of the known sizes.
func (s Size) Valid() bool {
	switch s {
	case SizeS, SizeM, SizeL, SizeXL:
		return true
	}
	return false
}

// RequiredInputs lists external preconditions checked by the readiness gate.
type RequiredInputs struct {
	EnvVars     []string `yaml:"env_vars,omitempty" json:"env_vars,omitempty"`
	Services    []string `yaml:"services,omitempty" json:"services,omitempty"`
	Credentials []string `yaml:"credentials,omitempty" json:"credentials,omitempty"`
	Migrations  []string `yaml:"migrations,omitempty" json:"migrations,omitempty"`
}

// Task is a unit of planned work. Everything except Status is written once at
// planning time.
type Task struct {
	ID                 string         `yaml:"id" json:"id"`
	Title              string         `yaml:"title" json:"title"`
	Group              int            `yaml:"group" json:"group"`           // Coarse execution phase, >= 1
	DependsOn          []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Size               Size           `yaml:"size" json:"size"`
	ParallelSafe       bool           `yaml:"parallel_safe" json:"parallel_safe"`
	OwnedPaths         []string       `yaml:"owned_paths,omitempty" json:"owned_paths,omitempty"` // Conflict hint, not enforced
	AcceptanceCriteria []string       `yaml:"acceptance_criteria,omitempty" json:"acceptance_criteria,omitempty"`
	RequiredInputs     RequiredInputs `yaml:"required_inputs,omitempty" json:"required_inputs"`
	BlockingQuestions  []string       `yaml:"blocking_questions,omitempty" json:"blocking_questions,omitempty"`
	Assumptions        []string       `yaml:"assumptions,omitempty" json:"assumptions,omitempty"`
	Status             status.Status  `yaml:"status" json:"status"` // Mirror of the status store
}

func (t *Task) applyDefaults() {
	if t.Group == 0 {
		t.Group = 1
	}
	if t.Size == "" {
		t.Size = SizeM
	}
	if t.Status == "" {
		t.Status = status.Pending
	}
}
