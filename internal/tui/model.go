// Package tui renders a live view of a swarm run from its event stream.
package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskswarm/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneDAG
	paneCount
)

// RunFinishedMsg tells the model the run returned. Send it with
// tea.Program.Send once the swarm is done.
type RunFinishedMsg struct {
	Status  string
	Summary string
	Err     error
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane    TaskPaneModel
	dagPane     DAGPaneModel
	focusedPane PaneID
	sub         *events.Subscription
	finished    *RunFinishedMsg
	width       int
	height      int
	quitting    bool
}

// New creates a new TUI model subscribed to every event of the bus.
func New(bus *events.Bus) Model {
	return Model{
		taskPane:    NewTaskPaneModel(),
		dagPane:     NewDAGPaneModel(),
		focusedPane: PaneTasks,
		sub:         bus.SubscribeAll(events.DefaultBufferSize),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.sub.C)
}

// waitForEvent returns a command that waits for the next event from the bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
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
			m.focusedPane = PaneDAG
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneTasks:
				m.taskPane, cmd = m.taskPane.Update(msg)
			case PaneDAG:
				m.dagPane, cmd = m.dagPane.Update(msg)
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

	case events.RoundCompletedEvent:
		var cmd tea.Cmd
		m.dagPane, cmd = m.dagPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.sub.C))

	case events.Event:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.sub.C))

	case RunFinishedMsg:
		m.finished = &msg
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.dagPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, m.statusLine())
}

func (m Model) statusLine() string {
	if m.finished == nil {
		return HelpView()
	}
	if m.finished.Err != nil {
		return StyleStatusFailed.Render(fmt.Sprintf("Run failed: %v", m.finished.Err)) + "  " + HelpView()
	}
	line := fmt.Sprintf("Run %s: %s", m.finished.Status, m.finished.Summary)
	style := StyleStatusComplete
	if m.finished.Status != "completed" {
		style = StyleStatusFailed
	}
	return style.Render(line) + "  " + HelpView()
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	taskWidth := (m.width * 65) / 100
	availableHeight := m.height - 1 // reserve 1 line for help bar

	m.taskPane.SetSize(taskWidth, availableHeight)
	m.dagPane.SetSize(m.width-taskWidth, availableHeight)

	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.dagPane.SetFocused(m.focusedPane == PaneDAG)
}
