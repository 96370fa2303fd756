package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/mise/internal/status"
)

// Border styles
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("3")).
				Bold(true)

	StyleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("2")).
				Bold(true)

	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("1")).
				Bold(true)

	StyleStatusBlocked = lipgloss.NewStyle().
				Foreground(lipgloss.Color("5")).
				Bold(true)

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	StyleWarn = lipgloss.NewStyle().
			Foreground(lipgloss.Color("3"))

	StyleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))
)

// StatusIcon returns a styled indicator for s.
func StatusIcon(s status.Status) string {
	switch s {
	case status.InProgress:
		return StyleStatusRunning.Render("●")
	case status.Complete:
		return StyleStatusComplete.Render("✓")
	case status.Failed:
		return StyleStatusFailed.Render("✗")
	case status.Blocked:
		return StyleStatusBlocked.Render("?")
	case status.Skipped:
		return StyleStatusPending.Render("-")
	default:
		return StyleStatusPending.Render("○")
	}
}
