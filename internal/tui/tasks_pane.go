package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/taskd/internal/events"
	"github.com/aristath/taskd/internal/task"
)

// maxTrackedTasks bounds the list; the oldest finished tasks are evicted first.
const maxTrackedTasks = 500

const listWidth = 32

// TaskRow is the pane's view of a single task.
type TaskRow struct {
	Snapshot  *task.Task
	Progress  float64
	Reason    string
	UpdatedAt time.Time
}

// TasksPaneModel shows the task list and the selected task's details.
type TasksPaneModel struct {
	rows        map[string]*TaskRow
	order       []string // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	keys        KeyMap
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTasksPaneModel creates a new tasks pane model.
func NewTasksPaneModel() TasksPaneModel {
	return TasksPaneModel{
		rows:     make(map[string]*TaskRow),
		viewport: viewport.New(0, 0),
		keys:     DefaultKeyMap(),
	}
}

type tickMsg struct {
	tag int
}

// Update handles messages for the tasks pane.
func (m TasksPaneModel) Update(msg tea.Msg) (TasksPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch {
		case key.Matches(msg, m.keys.Down):
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, m.keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskTransitionEvent:
		row, ok := m.rows[msg.ID]
		if !ok {
			row = &TaskRow{}
			m.rows[msg.ID] = row
			m.order = append(m.order, msg.ID)
			m.evict()
		}
		if msg.Snapshot != nil {
			row.Snapshot = msg.Snapshot
			row.Progress = msg.Snapshot.Progress
		}
		row.Reason = msg.Reason
		row.UpdatedAt = msg.Timestamp
		if len(m.order) == 1 || m.SelectedID() == msg.ID {
			m.updateViewportContent()
		}

	case events.TaskProgressEvent:
		row, ok := m.rows[msg.ID]
		if !ok {
			break
		}
		row.Progress = msg.Progress
		row.UpdatedAt = msg.Timestamp
		if m.SelectedID() == msg.ID {
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

// evict drops the oldest finished tasks once the list is over capacity.
func (m *TasksPaneModel) evict() {
	for len(m.order) > maxTrackedTasks {
		victim := -1
		for i, id := range m.order {
			if r := m.rows[id]; r.Snapshot != nil && r.Snapshot.Status.Terminal() {
				victim = i
				break
			}
		}
		if victim < 0 {
			victim = 0
		}
		delete(m.rows, m.order[victim])
		m.order = append(m.order[:victim], m.order[victim+1:]...)
		if m.selectedIdx >= victim && m.selectedIdx > 0 {
			m.selectedIdx--
		}
	}
}

// View renders the tasks pane.
func (m TasksPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(),
		lipgloss.NewStyle().
			Width(m.width-listWidth-4).
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

func (m TasksPaneModel) renderList() string {
	var b strings.Builder

	title := StyleTitle.Render(fmt.Sprintf("Tasks (%d)", len(m.order)))
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(listWidth, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		row := m.rows[id]
		name, status := id, task.StatusPending
		if row.Snapshot != nil {
			name, status = row.Snapshot.Name, row.Snapshot.Status
		}
		suffix := ""
		if status == task.StatusRunning {
			suffix = fmt.Sprintf(" %3.0f%%", row.Progress)
		}
		if room := listWidth - 3 - len(suffix); len(name) > room && room > 3 {
			name = name[:room-3] + "..."
		}

		line := fmt.Sprintf("%s %s%s", StatusIcon(status), name, suffix)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

// SelectedID returns the ID of the selected task, or "" when the list is empty.
func (m TasksPaneModel) SelectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Row returns the tracked state for id.
func (m TasksPaneModel) Row(id string) (*TaskRow, bool) {
	r, ok := m.rows[id]
	return r, ok
}

// Len returns the number of tracked tasks.
func (m TasksPaneModel) Len() int {
	return len(m.order)
}

func (m *TasksPaneModel) updateViewportContent() {
	row, ok := m.rows[m.SelectedID()]
	if !ok || row.Snapshot == nil {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(renderDetail(row, time.Now()))
	m.viewport.GotoTop()
}

func renderDetail(row *TaskRow, now time.Time) string {
	t := row.Snapshot
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n\n", StatusIcon(t.Status), StyleTitle.Render(t.Name))
	fmt.Fprintf(&b, "ID:        %s\n", t.ID)
	fmt.Fprintf(&b, "Type:      %s\n", t.Type)
	fmt.Fprintf(&b, "Status:    %s\n", t.Status)
	fmt.Fprintf(&b, "Priority:  %s\n", t.Priority)
	fmt.Fprintf(&b, "Attempts:  %d of %d\n", t.RetryCount+1, t.MaxRetries+1)
	fmt.Fprintf(&b, "Created:   %s\n", humanize.RelTime(t.CreatedAt, now, "ago", "from now"))
	if t.ScheduleTime != nil && t.Status != task.StatusRunning && !t.Status.Terminal() {
		fmt.Fprintf(&b, "Eligible:  %s\n", humanize.RelTime(*t.ScheduleTime, now, "ago", "from now"))
	}
	if t.StartedAt != nil {
		fmt.Fprintf(&b, "Started:   %s\n", humanize.RelTime(*t.StartedAt, now, "ago", "from now"))
	}
	if t.ExecutionTime > 0 {
		fmt.Fprintf(&b, "Ran for:   %s\n", t.ExecutionTime.Round(time.Millisecond))
	}
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(&b, "Depends:   %s\n", strings.Join(t.DependencyIDs(), ", "))
	}
	b.WriteString("\n")
	b.WriteString(progressBar(row.Progress, 30))
	b.WriteString("\n")

	if row.Reason != "" {
		fmt.Fprintf(&b, "\nReason: %s\n", row.Reason)
	}
	if t.Error != "" {
		fmt.Fprintf(&b, "\n%s\n", StyleStatusFailed.Render("Error: "+t.Error))
	}
	if !t.Result.Empty() {
		fmt.Fprintf(&b, "\nResult (%s):\n%s\n", humanize.Bytes(uint64(len(t.Result))), truncate(t.Result.String(), 2048))
	}
	return b.String()
}

func progressBar(pct float64, width int) string {
	filled := int(pct / 100 * float64(width))
	filled = max(0, min(width, filled))
	bar := StyleStatusComplete.Render(strings.Repeat("=", filled)) +
		StyleStatusPending.Render(strings.Repeat(".", width-filled))
	return fmt.Sprintf("[%s] %5.1f%%", bar, pct)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// SetSize updates the pane dimensions.
func (m *TasksPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(10, w-listWidth-4)
	m.viewport.Height = max(5, h-4)
}

// SetFocused updates the focus state.
func (m *TasksPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
