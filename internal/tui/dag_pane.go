package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskswarm/internal/events"
)

// DAGPaneModel shows the task graph counts reported at the end of each
// dispatch round.
type DAGPaneModel struct {
	counts  events.RoundCompletedEvent
	width   int
	height  int
	focused bool
}

// NewDAGPaneModel creates a new DAG pane model.
func NewDAGPaneModel() DAGPaneModel {
	return DAGPaneModel{}
}

// Update handles messages for the DAG pane.
func (m DAGPaneModel) Update(msg tea.Msg) (DAGPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.RoundCompletedEvent:
		m.counts = msg
	}

	return m, nil
}

// Done reports whether every task of the last round is terminal.
func (m DAGPaneModel) Done() bool {
	c := m.counts
	return c.Total > 0 && c.Completed+c.Failed+c.Blocked == c.Total
}

// View renders the DAG pane.
func (m DAGPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	c := m.counts

	title := StyleTitle.Render("DAG Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if c.RunID != "" {
		fmt.Fprintf(&b, "Run:       %s\n", c.RunID)
	}
	fmt.Fprintf(&b, "Round:     %d\n", c.Round)
	fmt.Fprintf(&b, "Total:     %d\n", c.Total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(c.Completed)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(c.Running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(c.Failed)))
	fmt.Fprintf(&b, "Blocked:   %s\n", StyleStatusBlocked.Render(fmt.Sprint(c.Blocked)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(c.Pending+c.Ready)))

	b.WriteString("\n")

	if c.Total > 0 {
		barWidth := min(m.width-4, 40)
		completedWidth := (c.Completed * barWidth) / c.Total
		failedWidth := ((c.Failed + c.Blocked) * barWidth) / c.Total
		runningWidth := (c.Running * barWidth) / c.Total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		fmt.Fprintf(&b, "[%s]  %d/%d\n", bar, c.Completed, c.Total)
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
func (m *DAGPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *DAGPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
