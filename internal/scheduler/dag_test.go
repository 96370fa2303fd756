package scheduler

import (
	"strings"
	"testing"

	"github.com/aristath/mise/internal/board"
	"github.com/aristath/mise/internal/status"
)

func task(id string, deps ...string) board.Task {
	return board.Task{ID: id, Title: id, Group: 1, Size: board.SizeM, DependsOn: deps}
}

// TestDAGValidate tests graph validation with various structures.
func TestDAGValidate(t *testing.T) {
	tests := []struct {
		name        string
		tasks       []board.Task
		wantErr     bool
		errContains string
	}{
		{
			name:  "valid linear chain",
			tasks: []board.Task{task("A"), task("B", "A"), task("C", "B")},
		},
		{
			name:  "valid diamond",
			tasks: []board.Task{task("A"), task("B", "A"), task("C", "A"), task("D", "B", "C")},
		},
		{
			name:  "single task",
			tasks: []board.Task{task("A")},
		},
		{
			name:        "direct cycle",
			tasks:       []board.Task{task("A", "B"), task("B", "A")},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "indirect cycle behind a root",
			tasks:       []board.Task{task("R"), task("A", "R", "C"), task("B", "A"), task("C", "B")},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "missing dependency",
			tasks:       []board.Task{task("A", "ghost")},
			wantErr:     true,
			errContains: "non-existent",
		},
		{
			name:        "duplicate id",
			tasks:       []board.Task{task("A"), task("A")},
			wantErr:     true,
			errContains: "already exists",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGraph(tt.tasks)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("Expected error containing %q, got: %v", tt.errContains, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestDAGValidate_OrderRespectsDependencies(t *testing.T) {
	d, err := NewDAG([]board.Task{task("C", "B"), task("B", "A"), task("A")})
	if err != nil {
		t.Fatalf("NewDAG failed: %v", err)
	}
	order, err := d.Validate()
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	if len(order) != 3 || pos["A"] > pos["B"] || pos["B"] > pos["C"] {
		t.Errorf("Order does not respect dependencies: %v", order)
	}
}

func TestStalled(t *testing.T) {
	d, err := NewDAG([]board.Task{task("A"), task("B", "A"), task("C", "B"), task("D")})
	if err != nil {
		t.Fatalf("NewDAG failed: %v", err)
	}
	statuses := map[string]status.Status{"A": status.Failed}
	statusOf := func(id string) status.Status {
		if s, ok := statuses[id]; ok {
			return s
		}
		return status.Pending
	}

	stalled := d.Stalled(statusOf)
	ids := StalledIDs(stalled)
	if len(ids) != 2 || ids[0] != "B" || ids[1] != "C" {
		t.Fatalf("Expected B and C stalled, got %v", ids)
	}
	if stalled["C"] != "A" {
		t.Errorf("Expected C stalled by A, got %q", stalled["C"])
	}
	if deps := d.Dependents("A"); len(deps) != 1 || deps[0] != "B" {
		t.Errorf("Expected dependents of A to be [B], got %v", deps)
	}
}
