package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/mise/internal/board"
	"github.com/aristath/mise/internal/status"
)

// DAG is the dependency graph of a board's tasks.
type DAG struct {
	tasks      map[string]board.Task
	order      []string            // Declaration order
	dependents map[string][]string // taskID -> tasks that depend on it
}

// NewDAG builds the graph for tasks. Duplicate ids are rejected.
func NewDAG(tasks []board.Task) (*DAG, error) {
	d := &DAG{
		tasks:      make(map[string]board.Task, len(tasks)),
		dependents: make(map[string][]string),
	}
	for _, task := range tasks {
		if _, exists := d.tasks[task.ID]; exists {
			return nil, fmt.Errorf("task with ID %q already exists", task.ID)
		}
		d.tasks[task.ID] = task
		d.order = append(d.order, task.ID)
		for _, depID := range task.DependsOn {
			d.dependents[depID] = append(d.dependents[depID], task.ID)
		}
	}
	return d, nil
}

// Validate returns task ids in a dependency-respecting order, or an error if
// a dependency is missing or the graph has a cycle.
func (d *DAG) Validate() ([]string, error) {
	for _, taskID := range d.order {
		for _, depID := range d.tasks[taskID].DependsOn {
			if _, exists := d.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", taskID, depID)
			}
		}
	}

	// Edge (depID, taskID) means depID must come before taskID
	var edges []toposort.Edge
	for _, taskID := range d.order {
		task := d.tasks[taskID]
		if len(task.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, taskID})
			continue
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains a cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(d.tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, taskID := range d.order {
			if !found[taskID] {
				missing = append(missing, taskID)
			}
		}
		return nil, fmt.Errorf("dependency graph contains a cycle through: %s", strings.Join(missing, ", "))
	}
	return order, nil
}

// Dependents returns the ids of tasks that directly depend on taskID.
func (d *DAG) Dependents(taskID string) []string {
	return append([]string(nil), d.dependents[taskID]...)
}

// ValidateGraph checks that the board's dependencies form a DAG.
func ValidateGraph(tasks []board.Task) error {
	d, err := NewDAG(tasks)
	if err != nil {
		return err
	}
	_, err = d.Validate()
	return err
}

// Stalled maps each pending task that can never become ready to the failed
// or skipped dependency that blocks it, directly or transitively.
func (d *DAG) Stalled(statusOf func(id string) status.Status) map[string]string {
	stalled := make(map[string]string)
	var queue []string
	cause := make(map[string]string)
	for _, id := range d.order {
		if s := statusOf(id); s == status.Failed || s == status.Skipped {
			queue = append(queue, id)
			cause[id] = id
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range d.dependents[id] {
			if _, seen := cause[dep]; seen {
				continue
			}
			cause[dep] = cause[id]
			if statusOf(dep) == status.Pending {
				stalled[dep] = cause[id]
			}
			queue = append(queue, dep)
		}
	}
	return stalled
}

// StalledIDs returns the keys of Stalled sorted.
func StalledIDs(stalled map[string]string) []string {
	ids := make([]string, 0, len(stalled))
	for id := range stalled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
