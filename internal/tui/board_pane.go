package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/mise/internal/events"
)

// BoardPaneModel shows board-wide counts and a completion bar.
type BoardPaneModel struct {
	counts  events.RunProgressEvent
	bar     progress.Model
	cost    float64
	width   int
	height  int
	focused bool
}

// NewBoardPaneModel creates a board pane.
func NewBoardPaneModel() BoardPaneModel {
	return BoardPaneModel{bar: progress.New(progress.WithDefaultGradient())}
}

// Update handles messages for the board pane.
func (m BoardPaneModel) Update(msg tea.Msg) (BoardPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.RunProgressEvent:
		m.counts = msg
	case events.TaskCompletedEvent:
		if msg.Cost != nil {
			m.cost += *msg.Cost
		}
	case events.RunFinishedEvent:
		m.cost = msg.TotalCost
	}
	return m, nil
}

// Percent is the completed share of the board.
func (m BoardPaneModel) Percent() float64 {
	if m.counts.Total == 0 {
		return 0
	}
	return float64(m.counts.Completed) / float64(m.counts.Total)
}

// View renders the board pane.
func (m BoardPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Board")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	c := m.counts
	b.WriteString(fmt.Sprintf("Total:       %d\n", c.Total))
	b.WriteString(fmt.Sprintf("Complete:    %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", c.Completed))))
	b.WriteString(fmt.Sprintf("In progress: %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", c.InProgress))))
	b.WriteString(fmt.Sprintf("Blocked:     %s\n", StyleStatusBlocked.Render(fmt.Sprintf("%d", c.Blocked))))
	b.WriteString(fmt.Sprintf("Failed:      %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", c.Failed))))
	b.WriteString(fmt.Sprintf("Skipped:     %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", c.Skipped))))
	b.WriteString(fmt.Sprintf("Pending:     %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", c.Pending))))
	b.WriteString(fmt.Sprintf("Cost:        $%.4f\n", m.cost))
	b.WriteString("\n")

	if c.Total > 0 {
		b.WriteString(m.bar.ViewAs(m.Percent()))
		b.WriteString(fmt.Sprintf("  %d/%d\n", c.Completed, c.Total))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *BoardPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.bar.Width = max(min(w-14, 40), 10)
}

// SetFocused updates the focus state.
func (m *BoardPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
