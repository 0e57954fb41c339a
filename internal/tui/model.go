// Package tui is a terminal dashboard over the task event stream.
package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskd/internal/config"
	"github.com/aristath/taskd/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTaskList PaneID = iota
	PaneTaskDetail
	PaneStats
)

const paneCount = 3

// Canceller cancels a task by ID.
type Canceller interface {
	Cancel(id string) bool
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	tasksPane    TasksPaneModel
	statsPane    StatsPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	canceller    Canceller
	keys         KeyMap
	help         help.Model
	width        int
	height       int
	quitting     bool
	showSettings bool
	status       string
}

// New creates a new TUI model subscribed to every topic on bus.
// canceller may be nil, in which case the cancel key is ignored.
func New(bus *events.EventBus, canceller Canceller, cfg *config.Config, globalPath, projectPath string) Model {
	return Model{
		tasksPane:    NewTasksPaneModel(),
		statsPane:    NewStatsPaneModel(),
		settingsPane: NewSettingsPaneModel(cfg, globalPath, projectPath),
		focusedPane:  PaneTaskList,
		eventSub:     bus.SubscribeAll(256),
		canceller:    canceller,
		keys:         DefaultKeyMap(),
		help:         newHelp(),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// busClosedMsg is delivered once the event bus has shut down.
type busClosedMsg struct{}

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
		if m.showSettings {
			return m.updateSettings(msg)
		}

		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, m.keys.Settings):
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case key.Matches(msg, m.keys.NextPane):
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case key.Matches(msg, m.keys.PrevPane):
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case key.Matches(msg, m.keys.TaskList):
			m.focusedPane = PaneTaskList
			m.updateFocusStates()

		case key.Matches(msg, m.keys.TaskDetail):
			m.focusedPane = PaneTaskDetail
			m.updateFocusStates()

		case key.Matches(msg, m.keys.Stats):
			m.focusedPane = PaneStats
			m.updateFocusStates()

		case key.Matches(msg, m.keys.Cancel):
			m.cancelSelected()

		default:
			switch m.focusedPane {
			case PaneTaskList, PaneTaskDetail:
				var cmd tea.Cmd
				m.tasksPane, cmd = m.tasksPane.Update(msg)
				cmds = append(cmds, cmd)
			case PaneStats:
				var cmd tea.Cmd
				m.statsPane, cmd = m.statsPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case events.TaskTransitionEvent, events.TaskProgressEvent:
		var cmd tea.Cmd
		m.tasksPane, cmd = m.tasksPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.StatsEvent, events.ResourceAlertEvent:
		var cmd tea.Cmd
		m.statsPane, cmd = m.statsPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case tickMsg:
		var cmd tea.Cmd
		m.tasksPane, cmd = m.tasksPane.Update(msg)
		cmds = append(cmds, cmd)

	case busClosedMsg:
		m.status = "event stream closed"

	case events.Event:
		cmds = append(cmds, waitForEvent(m.eventSub))

	default:
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// updateSettings routes keys to the settings form while it is open.
func (m Model) updateSettings(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Back) {
		m.showSettings = false
		m.settingsPane.SetVisible(false)
		return m, nil
	}

	var cmd tea.Cmd
	m.settingsPane, cmd = m.settingsPane.Update(msg)
	if !m.settingsPane.IsVisible() {
		m.showSettings = false
		if m.settingsPane.Saved() {
			m.status = "settings saved"
		}
	}
	return m, cmd
}

func (m *Model) cancelSelected() {
	id := m.tasksPane.SelectedID()
	if id == "" || m.canceller == nil {
		return
	}
	if m.canceller.Cancel(id) {
		m.status = "cancelled " + id
	} else {
		m.status = "cannot cancel " + id
	}
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	body := lipgloss.JoinVertical(lipgloss.Left, m.tasksPane.View(), m.statsPane.View())

	bar := m.help.View(m.keys)
	if m.status != "" {
		bar = lipgloss.JoinHorizontal(lipgloss.Top, bar, StyleHelp.Render("  ["+m.status+"]"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, bar)
}

// computeLayout splits the screen between the task pane (top) and the stats pane (bottom).
func (m *Model) computeLayout() {
	available := m.height - 1
	tasksHeight := (available * 65) / 100

	m.tasksPane.SetSize(m.width, tasksHeight)
	m.statsPane.SetSize(m.width, available-tasksHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.tasksPane.SetFocused(m.focusedPane == PaneTaskList || m.focusedPane == PaneTaskDetail)
	m.statsPane.SetFocused(m.focusedPane == PaneStats)
}

// Status returns the last status-line message.
func (m Model) Status() string {
	return m.status
}

