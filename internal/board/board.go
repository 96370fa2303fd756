package board

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/aristath/mise/internal/atomicfile"
	"github.com/aristath/mise/internal/status"
)

// Board is the ordered set of tasks for a project.
type Board struct {
	Version int    `yaml:"version" json:"version"`
	Project string `yaml:"project,omitempty" json:"project,omitempty"`
	Tasks   []Task `yaml:"tasks" json:"tasks"`
}

// Load reads a board file and fills in defaults.
func Load(path string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read board: %w", err)
	}
	var b Board
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse board %s: %w", path, err)
	}
	if b.Version == 0 {
		b.Version = 1
	}
	for i := range b.Tasks {
		b.Tasks[i].applyDefaults()
	}
	return &b, nil
}

// Save writes the board atomically.
func Save(path string, b *Board) error {
	if err := atomicfile.WriteYAML(path, b); err != nil {
		return fmt.Errorf("failed to save board: %w", err)
	}
	return nil
}

// Task returns the task with the given id, or nil.
func (b *Board) Task(id string) *Task {
	for i := range b.Tasks {
		if b.Tasks[i].ID == id {
			return &b.Tasks[i]
		}
	}
	return nil
}

// Groups returns the distinct group numbers in ascending order.
func (b *Board) Groups() []int {
	seen := make(map[int]bool)
	var groups []int
	for _, t := range b.Tasks {
		if !seen[t.Group] {
			seen[t.Group] = true
			groups = append(groups, t.Group)
		}
	}
	sort.Ints(groups)
	return groups
}

// GroupTasks returns the tasks in group g in declaration order.
func (b *Board) GroupTasks(g int) []Task {
	var out []Task
	for _, t := range b.Tasks {
		if t.Group == g {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks field-level invariants. Dependency cycles are checked by
// scheduler.ValidateGraph.
func (b *Board) Validate() error {
	var errs []error
	ids := make(map[string]bool, len(b.Tasks))
	for _, t := range b.Tasks {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("task %q has an empty id", t.Title))
			continue
		}
		if err := status.ValidateTaskID(t.ID); err != nil {
			errs = append(errs, err)
		}
		if ids[t.ID] {
			errs = append(errs, fmt.Errorf("duplicate task id %q", t.ID))
		}
		ids[t.ID] = true
		if t.Group < 1 {
			errs = append(errs, fmt.Errorf("task %q has group %d, want >= 1", t.ID, t.Group))
		}
		if !t.Size.Valid() {
			errs = append(errs, fmt.Errorf("task %q has unknown size %q", t.ID, t.Size))
		}
	}
	for _, t := range b.Tasks {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				errs = append(errs, fmt.Errorf("task %q depends on itself", t.ID))
			} else if !ids[dep] {
				errs = append(errs, fmt.Errorf("task %q depends on non-existent task %q", t.ID, dep))
			}
		}
	}
	return errors.Join(errs...)
}
