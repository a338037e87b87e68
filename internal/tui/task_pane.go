package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskswarm/internal/events"
)

// Task display states.
const (
	StateReady     = "ready"
	StateAssigned  = "assigned"
	StateRunning   = "running"
	StateRevising  = "revising"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateBlocked   = "blocked"
)

const listWidth = 28

// TaskState is what the pane knows about one task, built from its events.
type TaskState struct {
	ID          string
	Description string
	WorkerID    string
	Status      string
	Attempts    int
	Score       int
	Log         []string
	StartTime   time.Time
	Duration    time.Duration
}

// TaskPaneModel lists tasks as they become ready and shows the event
// history of the selected one.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	taskOrder   []string // order of first appearance
	selectedIdx int
	follow      bool // select the most recently started task
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		follow:   true,
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

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
		case KeyFollow:
			m.follow = !m.follow
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.Event:
		if id := m.apply(msg); id != "" && id == m.selectedTaskID() {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// apply folds a task event into the pane state and returns the affected task
// ID, or "" when the event is not about a task.
func (m *TaskPaneModel) apply(e events.Event) string {
	id := e.TaskID()
	if id == "" {
		return ""
	}
	task := m.task(id)

	switch e := e.(type) {
	case events.TaskReadyEvent:
		task.Status = StateReady
		task.logf(e.Timestamp, "ready")
	case events.TaskAssignedEvent:
		task.Status = StateAssigned
		task.WorkerID = e.WorkerID
		task.logf(e.Timestamp, "assigned to %s", e.WorkerID)
	case events.TaskStartedEvent:
		if task.StartTime.IsZero() {
			task.StartTime = e.Timestamp
		}
		if e.Description != "" {
			task.Description = e.Description
		}
		task.Status = StateRunning
		task.WorkerID = e.WorkerID
		task.Attempts = e.Attempt
		task.logf(e.Timestamp, "attempt %d on %s", e.Attempt, e.WorkerID)
		if m.follow {
			m.selectedIdx = m.indexOf(id)
		}
	case events.TaskRevisionEvent:
		task.Status = StateRevising
		task.Score = e.Score
		task.logf(e.Timestamp, "revision requested (score %d): %s", e.Score, e.Feedback)
	case events.TaskCompletedEvent:
		task.Status = StateCompleted
		task.Score = e.Score
		task.Duration = e.Duration
		task.logf(e.Timestamp, "accepted with score %d in %v", e.Score, e.Duration.Round(time.Millisecond))
		if e.Solution != "" {
			task.Log = append(task.Log, "", e.Solution)
		}
	case events.TaskFailedEvent:
		task.Status = StateFailed
		task.Duration = e.Duration
		task.logf(e.Timestamp, "failed (%s): %v", e.Kind, e.Err)
	case events.TaskBlockedEvent:
		task.Status = StateBlocked
		task.logf(e.Timestamp, "blocked: %s", e.Reason)
	}
	return id
}

func (m *TaskPaneModel) task(id string) *TaskState {
	task, ok := m.tasks[id]
	if !ok {
		task = &TaskState{ID: id}
		m.tasks[id] = task
		m.taskOrder = append(m.taskOrder, id)
		if len(m.taskOrder) == 1 {
			m.selectedIdx = 0
		}
	}
	return task
}

func (t *TaskState) logf(at time.Time, format string, args ...any) {
	t.Log = append(t.Log, at.Format("15:04:05")+" "+fmt.Sprintf(format, args...))
}

func (m TaskPaneModel) indexOf(id string) int {
	for i, tid := range m.taskOrder {
		if tid == id {
			return i
		}
	}
	return m.selectedIdx
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4 // account for borders and padding

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
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.taskOrder {
		name := id
		if len(name) > width-4 {
			name = "..." + name[len(name)-(width-7):]
		}
		line := fmt.Sprintf("%s %s", StatusIcon(m.tasks[id].Status), name)
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

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StateRunning, StateAssigned:
		return StyleStatusRunning.Render("●")
	case StateRevising:
		return StyleStatusRunning.Render("↻")
	case StateCompleted:
		return StyleStatusComplete.Render("✓")
	case StateFailed:
		return StyleStatusFailed.Render("✗")
	case StateBlocked:
		return StyleStatusBlocked.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// Selected returns the state of the selected task.
func (m TaskPaneModel) Selected() (TaskState, bool) {
	task, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		return TaskState{}, false
	}
	return *task, true
}

func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	var b strings.Builder
	b.WriteString(StyleTitle.Render(task.ID))
	b.WriteString("\n")
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(strings.Join(task.Log, "\n"))

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5) // account for borders
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
