package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/taskd/internal/events"
)

const maxShownAlerts = 5

// StatsPaneModel shows the task partition, system load and recent resource alerts.
type StatsPaneModel struct {
	stats    events.StatsEvent
	hasStats bool
	alerts   []events.ResourceAlertEvent // newest last
	width    int
	height   int
	focused  bool
}

// NewStatsPaneModel creates a new stats pane model.
func NewStatsPaneModel() StatsPaneModel {
	return StatsPaneModel{}
}

// Update handles messages for the stats pane.
func (m StatsPaneModel) Update(msg tea.Msg) (StatsPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.StatsEvent:
		m.stats = msg
		m.hasStats = true

	case events.ResourceAlertEvent:
		m.alerts = append(m.alerts, msg)
		if len(m.alerts) > maxShownAlerts {
			m.alerts = m.alerts[len(m.alerts)-maxShownAlerts:]
		}
	}

	return m, nil
}

// Stats returns the last snapshot received.
func (m StatsPaneModel) Stats() (events.StatsEvent, bool) {
	return m.stats, m.hasStats
}

// Alerts returns the retained alerts, oldest first.
func (m StatsPaneModel) Alerts() []events.ResourceAlertEvent {
	return m.alerts
}

// View renders the stats pane.
func (m StatsPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Load")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if !m.hasStats {
		b.WriteString(StyleStatusPending.Render("Waiting for stats..."))
	} else {
		s := m.stats
		active := s.Pending + s.Waiting + s.Ready + s.Running
		total := active + s.Completed + s.Failed + s.Cancelled

		fmt.Fprintf(&b, "Queued:    %s  (pending %d, waiting %d, scheduled %d)\n",
			StyleStatusPending.Render(humanize.Comma(int64(s.Pending+s.Waiting+s.Ready))), s.Pending, s.Waiting, s.Ready)
		fmt.Fprintf(&b, "Running:   %s  (in flight %d)\n", StyleStatusRunning.Render(fmt.Sprint(s.Running)), s.InFlight)
		fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(humanize.Comma(int64(s.Completed))))
		fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(humanize.Comma(int64(s.Failed))))
		fmt.Fprintf(&b, "Cancelled: %s\n", StyleStatusCancelled.Render(humanize.Comma(int64(s.Cancelled))))
		b.WriteString("\n")

		if total > 0 {
			barWidth := min(m.width-4, 40)
			done := s.Completed + s.Failed + s.Cancelled
			b.WriteString(progressBar(float64(done)*100/float64(total), max(1, barWidth-10)))
			b.WriteString("\n\n")
		}

		throttle := ""
		if s.Throttled {
			throttle = StyleAlert.Render("  throttled")
		}
		fmt.Fprintf(&b, "System load: %.2f  recommended concurrency: %d%s\n", s.SystemLoad, s.Recommended, throttle)
		fmt.Fprintf(&b, "Updated %s\n", humanize.Time(s.Timestamp))
	}

	if len(m.alerts) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleTitle.Render("Alerts"))
		b.WriteString("\n")
		for i := len(m.alerts) - 1; i >= 0; i-- {
			a := m.alerts[i]
			fmt.Fprintf(&b, "%s %s\n",
				StyleStatusPending.Render(a.Timestamp.Format(time.TimeOnly)),
				StyleAlert.Render(a.Message))
		}
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
func (m *StatsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *StatsPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
