// Package brief writes .mise/brief.md, a short digest of recent progress
// given to humans and agents between tasks.
package brief

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aristath/mise/internal/atomicfile"
	"github.com/aristath/mise/internal/board"
	"github.com/aristath/mise/internal/status"
)

const (
	File = "brief.md"

	// DefaultLineBudget bounds the brief's length.
	DefaultLineBudget = 150

	recentCompletions = 10
	activeAssumptions = 20

	completionsHeading = "## Recent Completions"
	blockersHeading    = "## Open Blockers"
)

// Render builds the brief for b using the records in store.
func Render(b *board.Board, store *status.Store, lineBudget int) (string, error) {
	if lineBudget <= 0 {
		lineBudget = DefaultLineBudget
	}

	records := make(map[string]*status.Record, len(b.Tasks))
	for _, t := range b.Tasks {
		rec, err := store.Read(t.ID)
		if err != nil {
			return "", err
		}
		records[t.ID] = rec
	}
	statusOf := func(id string) status.Status {
		if rec := records[id]; rec != nil {
			return rec.Status
		}
		return status.Pending
	}

	var completed, blocked []board.Task
	for _, t := range b.Tasks {
		switch statusOf(t.ID) {
		case status.Complete:
			completed = append(completed, t)
		case status.Blocked:
			blocked = append(blocked, t)
		}
	}

	lines := []string{"# Brief", "", completionsHeading, ""}
	if len(completed) == 0 {
		lines = append(lines, "_None yet._", "")
	} else {
		for _, t := range tail(completed, recentCompletions) {
			lines = append(lines, fmt.Sprintf("- [x] %s: %s", t.ID, t.Title))
		}
		lines = append(lines, "")
	}

	lines = append(lines, blockersHeading, "")
	if len(blocked) == 0 {
		lines = append(lines, "_None._", "")
	} else {
		for _, t := range blocked {
			note := "blocked"
			if rec := records[t.ID]; rec != nil && rec.Note != "" {
				note = rec.Note
			}
			lines = append(lines, fmt.Sprintf("- %s: %s: %s", t.ID, t.Title, note))
		}
		lines = append(lines, "")
	}

	lines = append(lines, "## Active Assumptions", "")
	var assumptions []string
	for _, t := range completed {
		for _, a := range t.Assumptions {
			assumptions = append(assumptions, fmt.Sprintf("- %s: %s", t.ID, a))
		}
	}
	if len(assumptions) == 0 {
		lines = append(lines, "_None._", "")
	} else {
		lines = append(lines, tail(assumptions, activeAssumptions)...)
		lines = append(lines, "")
	}

	lines = append(lines, "## Next Ready Tasks", "")
	ready := board.Ready(b, statusOf)
	if len(ready) == 0 {
		lines = append(lines, "_None. All tasks are complete, blocked, or have unmet dependencies._", "")
	} else {
		for _, t := range ready {
			lines = append(lines, fmt.Sprintf("- [ ] %s: %s [%s]", t.ID, t.Title, t.Size))
		}
		lines = append(lines, "")
	}

	return strings.Join(trim(lines, lineBudget), "\n") + "\n", nil
}

// trim drops the oldest completions first, then cuts whatever still exceeds
// budget.
func trim(lines []string, budget int) []string {
	if len(lines) <= budget {
		return lines
	}
	excess := len(lines) - budget
	start := indexOf(lines, completionsHeading) + 2
	end := indexOf(lines, blockersHeading)
	if remove := min(excess, end-start-1); remove > 0 {
		lines = append(lines[:start], lines[start+remove:]...)
	}
	if len(lines) > budget {
		lines = lines[:budget]
	}
	return lines
}

func indexOf(lines []string, s string) int {
	for i, l := range lines {
		if l == s {
			return i
		}
	}
	return -1
}

func tail[T any](s []T, n int) []T {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

// Regenerate rewrites <miseDir>/brief.md from the tracker's current state.
func Regenerate(miseDir string, tracker *board.Tracker, lineBudget int) error {
	content, err := Render(tracker.Board(), tracker.Store(), lineBudget)
	if err != nil {
		return fmt.Errorf("failed to render brief: %w", err)
	}
	if err := atomicfile.WriteFile(filepath.Join(miseDir, File), []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write brief: %w", err)
	}
	return nil
}
