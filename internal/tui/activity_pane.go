package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/mise/internal/events"
)

const maxActivity = 500

// ActivityPaneModel is a scrolling log of run-level events.
type ActivityPaneModel struct {
	lines    []string
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewActivityPaneModel creates an empty activity pane.
func NewActivityPaneModel() ActivityPaneModel {
	return ActivityPaneModel{viewport: viewport.New(0, 0)}
}

// Describe returns the activity line for e, or "" when e is not shown here.
func Describe(e events.Event) string {
	switch e := e.(type) {
	case events.RunStartedEvent:
		mode := "unattended"
		if e.Attended {
			mode = "attended"
		}
		return fmt.Sprintf("Run %s started (%s, %s)", e.RunID, e.Engine, mode)
	case events.BatchStartedEvent:
		return fmt.Sprintf("Parallel batch: %s", strings.Join(e.TaskIDs, ", "))
	case events.TaskStatusEvent:
		line := fmt.Sprintf("%s: %s -> %s", e.ID, e.From, e.To)
		if e.Note != "" {
			line += " (" + e.Note + ")"
		}
		return line
	case events.TaskCommittedEvent:
		return fmt.Sprintf("%s: committed %d file(s)", e.ID, len(e.Files))
	case events.TaskVerifiedEvent:
		if e.Passed {
			return fmt.Sprintf("%s: backpressure passed (attempt %d)", e.ID, e.Attempt)
		}
		return StyleWarn.Render(fmt.Sprintf("%s: backpressure failed (attempt %d): %s", e.ID, e.Attempt, strings.Join(e.Failed, ", ")))
	case events.TaskBlockedEvent:
		return StyleStatusBlocked.Render(fmt.Sprintf("%s: needs clarification: %s", e.ID, e.Question))
	case events.BranchMergedEvent:
		return fmt.Sprintf("%s: merged %s", e.ID, e.Branch)
	case events.MergeConflictEvent:
		return StyleStatusFailed.Render(fmt.Sprintf("%s: merge conflict in %s", e.ID, strings.Join(e.Paths, ", ")))
	case events.NoticeEvent:
		if e.Level == events.LevelWarn {
			return StyleWarn.Render(e.Message)
		}
		return e.Message
	case events.RunFinishedEvent:
		line := fmt.Sprintf("Run finished: %d completed, %d failed, %d skipped, $%.4f", e.Completed, e.Failed, e.Skipped, e.TotalCost)
		if e.Interrupted {
			line += " (interrupted)"
		}
		return line
	}
	return ""
}

// Update handles messages for the activity pane.
func (m ActivityPaneModel) Update(msg tea.Msg) (ActivityPaneModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}
	case events.Event:
		m.Append(Describe(msg))
	}
	return m, cmd
}

// Append adds a timestamped line and keeps the view pinned to the bottom.
func (m *ActivityPaneModel) Append(line string) {
	if line == "" {
		return
	}
	m.lines = append(m.lines, time.Now().Format("15:04:05")+" "+line)
	if len(m.lines) > maxActivity {
		m.lines = m.lines[len(m.lines)-maxActivity:]
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

// Lines returns the logged activity.
func (m ActivityPaneModel) Lines() []string {
	return m.lines
}

// View renders the activity pane.
func (m ActivityPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	title := StyleTitle.Render("Activity")
	content := title + "\n" + m.viewport.View()

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// SetSize updates the pane dimensions.
func (m *ActivityPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-3, 3)
}

// SetFocused updates the focus state.
func (m *ActivityPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
