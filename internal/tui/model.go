// Package tui is the optional terminal dashboard for `mise loop --tui`. It
// renders whatever the loop publishes on the event bus and never drives the
// loop itself.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/mise/internal/board"
	"github.com/aristath/mise/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneActivity
	PaneBoard
)

const paneCount = 3

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane     TaskPaneModel
	activityPane ActivityPaneModel
	boardPane    BoardPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
	finished     bool
}

// New creates a TUI model fed by every event on bus. The board seeds the
// task list before the first event arrives.
func New(bus *events.EventBus, b *board.Board) Model {
	return NewWithSubscription(bus.SubscribeAll(256), b)
}

// NewWithSubscription creates a model reading from an existing subscription.
func NewWithSubscription(sub <-chan events.Event, b *board.Board) Model {
	m := Model{
		taskPane:     NewTaskPaneModel(b),
		activityPane: NewActivityPaneModel(),
		boardPane:    NewBoardPaneModel(),
		focusedPane:  PaneTasks,
		eventSub:     sub,
	}
	m.updateFocusStates()
	return m
}

// Finished reports whether the run-finished event has been seen.
func (m Model) Finished() bool { return m.finished }

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// busClosedMsg is sent once the subscription channel is closed.
type busClosedMsg struct{}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneActivity
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneBoard
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneTasks:
				m.taskPane, cmd = m.taskPane.Update(msg)
			case PaneActivity:
				m.activityPane, cmd = m.activityPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case busClosedMsg:
		m.finished = true

	case events.Event:
		var cmd tea.Cmd
		switch msg.Topic() {
		case events.TopicTask:
			m.taskPane, cmd = m.taskPane.Update(msg)
			cmds = append(cmds, cmd)
		case events.TopicRun:
			m.boardPane, _ = m.boardPane.Update(msg)
		}
		if _, ok := msg.(events.TaskCompletedEvent); ok {
			m.boardPane, _ = m.boardPane.Update(msg)
		}
		m.activityPane, _ = m.activityPane.Update(msg)
		if _, ok := msg.(events.RunFinishedEvent); ok {
			m.finished = true
		}
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Stopping...\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	right := lipgloss.JoinVertical(lipgloss.Left, m.activityPane.View(), m.boardPane.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), right)
	return lipgloss.JoinVertical(lipgloss.Left, body, HelpView(m.finished))
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 55) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar
	boardHeight := min(15, availableHeight/2)

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.activityPane.SetSize(rightWidth, availableHeight-boardHeight)
	m.boardPane.SetSize(rightWidth, boardHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.activityPane.SetFocused(m.focusedPane == PaneActivity)
	m.boardPane.SetFocused(m.focusedPane == PaneBoard)
}
