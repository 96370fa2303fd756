package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/mise/internal/board"
	"github.com/aristath/mise/internal/events"
	"github.com/aristath/mise/internal/status"
)

const listWidth = 28

// TaskState is what the task pane knows about one board task.
type TaskState struct {
	TaskID    string
	Title     string
	Status    status.Status
	Attempt   int
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel shows the board's tasks and the selected task's engine output.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // board order
	selectedIdx int
	follow      bool // Select each task as it starts
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel seeds the pane from the board as it was when the run started.
func NewTaskPaneModel(b *board.Board) TaskPaneModel {
	m := TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		follow:   true,
		viewport: viewport.New(0, 0),
	}
	if b != nil {
		for _, t := range b.Tasks {
			m.tasks[t.ID] = &TaskState{TaskID: t.ID, Title: t.Title, Status: t.Status}
			m.taskOrder = append(m.taskOrder, t.ID)
		}
	}
	return m
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

func (m *TaskPaneModel) task(id string) *TaskState {
	t, ok := m.tasks[id]
	if !ok {
		t = &TaskState{TaskID: id, Title: id, Status: status.Pending}
		m.tasks[id] = t
		m.taskOrder = append(m.taskOrder, id)
	}
	return t
}

func (m *TaskPaneModel) selectTask(id string) {
	for i, tid := range m.taskOrder {
		if tid == id {
			m.selectedIdx = i
			m.updateViewportContent()
			return
		}
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.follow = false
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.follow = false
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		t := m.task(msg.ID)
		t.Status = status.InProgress
		t.Attempt = msg.Attempt
		t.StartTime = msg.Timestamp
		if msg.Attempt > 1 {
			t.Output = append(t.Output, fmt.Sprintf("\n[Attempt %d]", msg.Attempt))
		}
		if m.follow {
			m.selectTask(msg.ID)
		}

	case events.TaskOutputEvent:
		t := m.task(msg.ID)
		t.Output = append(t.Output, msg.Line)
		if m.selectedTaskID() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.TaskStatusEvent:
		m.task(msg.ID).Status = status.Status(msg.To)

	case events.TaskCompletedEvent:
		t := m.task(msg.ID)
		t.Status = status.Complete
		t.Duration = msg.Duration
		t.Output = append(t.Output, fmt.Sprintf("\n[Completed in %v]", msg.Duration.Round(time.Second)))
		m.refreshIfSelected(msg.ID)

	case events.TaskFailedEvent:
		t := m.task(msg.ID)
		t.Status = status.Failed
		t.Duration = msg.Duration
		t.Output = append(t.Output, fmt.Sprintf("\n[Failed: %v]", msg.Err))
		m.refreshIfSelected(msg.ID)

	case events.TaskBlockedEvent:
		t := m.task(msg.ID)
		t.Status = status.Blocked
		t.Output = append(t.Output, fmt.Sprintf("\n[Question: %s]", msg.Question))
		m.refreshIfSelected(msg.ID)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m *TaskPaneModel) refreshIfSelected(id string) {
	if m.selectedTaskID() == id {
		m.updateViewportContent()
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("No tasks on the board."))
	}
	for i, id := range m.taskOrder {
		t := m.tasks[id]
		name := id + " " + t.Title
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.selectedTaskID()]
	if !ok || len(t.Output) == 0 {
		m.viewport.SetContent("Waiting for output...")
		return
	}
	m.viewport.SetContent(strings.Join(t.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
