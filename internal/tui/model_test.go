package tui

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskd/internal/config"
	"github.com/aristath/taskd/internal/events"
	"github.com/aristath/taskd/internal/task"
)

type fakeCanceller struct {
	calls []string
	ok    bool
}

func (f *fakeCanceller) Cancel(id string) bool {
	f.calls = append(f.calls, id)
	return f.ok
}

func newTestModel(t *testing.T, c Canceller) Model {
	t.Helper()
	dir := t.TempDir()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	m := New(bus, c, config.DefaultConfig(), filepath.Join(dir, "global.json"), filepath.Join(dir, "project.json"))
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return updated.(Model)
}

func transition(id, name string, to task.Status) events.TaskTransitionEvent {
	snap := task.New(name, "echo", nil)
	snap.ID = id
	snap.Status = to
	return events.TaskTransitionEvent{ID: id, To: to, Snapshot: snap, Timestamp: time.Now()}
}

func send(m Model, msgs ...tea.Msg) Model {
	for _, msg := range msgs {
		updated, _ := m.Update(msg)
		m = updated.(Model)
	}
	return m
}

func press(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestModel_TracksTaskTransitions(t *testing.T) {
	m := newTestModel(t, nil)

	m = send(m,
		transition("a", "first", task.StatusScheduled),
		transition("b", "second", task.StatusScheduled),
		transition("a", "first", task.StatusRunning),
		events.TaskProgressEvent{ID: "a", Progress: 40, Timestamp: time.Now()},
	)

	assert.Equal(t, 2, m.tasksPane.Len())
	assert.Equal(t, "a", m.tasksPane.SelectedID())

	row, ok := m.tasksPane.Row("a")
	require.True(t, ok)
	assert.Equal(t, task.StatusRunning, row.Snapshot.Status)
	assert.InDelta(t, 40, row.Progress, 0.001)

	view := m.View()
	assert.Contains(t, view, "first")
	assert.Contains(t, view, "40%")
}

func TestModel_ProgressForUnknownTaskIgnored(t *testing.T) {
	m := newTestModel(t, nil)
	m = send(m, events.TaskProgressEvent{ID: "ghost", Progress: 10})
	assert.Equal(t, 0, m.tasksPane.Len())
}

func TestModel_SelectionMovesWithKeys(t *testing.T) {
	m := newTestModel(t, nil)
	m = send(m,
		transition("a", "first", task.StatusPending),
		transition("b", "second", task.StatusPending),
	)

	m = send(m, press("j"))
	assert.Equal(t, "b", m.tasksPane.SelectedID())
	m = send(m, press("j"))
	assert.Equal(t, "b", m.tasksPane.SelectedID(), "selection stops at the last row")
	m = send(m, press("k"))
	assert.Equal(t, "a", m.tasksPane.SelectedID())
}

func TestModel_ArrowKeysAndPaneJumps(t *testing.T) {
	m := newTestModel(t, nil)
	m = send(m,
		transition("a", "first", task.StatusPending),
		transition("b", "second", task.StatusPending),
	)

	m = send(m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, "b", m.tasksPane.SelectedID())
	m = send(m, tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, "a", m.tasksPane.SelectedID())

	m = send(m, press("3"))
	assert.Equal(t, PaneStats, m.focusedPane)
	m = send(m, press("2"))
	assert.Equal(t, PaneTaskDetail, m.focusedPane)

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.True(t, updated.(Model).quitting)
}

func TestModel_HelpBarListsBindings(t *testing.T) {
	m := newTestModel(t, nil)
	view := m.View()
	for _, want := range []string{"cycle focus", "cancel task", "settings", "quit"} {
		assert.Contains(t, view, want)
	}

	short := DefaultKeyMap().ShortHelp()
	for _, b := range short {
		assert.True(t, b.Enabled(), "binding %q should be enabled", b.Help().Key)
	}
	assert.Len(t, DefaultKeyMap().FullHelp(), 3)
}

func TestModel_CancelSelected(t *testing.T) {
	c := &fakeCanceller{ok: true}
	m := newTestModel(t, c)
	m = send(m, transition("a", "first", task.StatusRunning), press("c"))

	assert.Equal(t, []string{"a"}, c.calls)
	assert.Equal(t, "cancelled a", m.Status())

	c.ok = false
	m = send(m, press("c"))
	assert.Equal(t, "cannot cancel a", m.Status())
}

func TestModel_CancelWithoutTasksIsNoop(t *testing.T) {
	c := &fakeCanceller{ok: true}
	m := newTestModel(t, c)
	m = send(m, press("c"))
	assert.Empty(t, c.calls)
	assert.Empty(t, m.Status())
}

func TestModel_FocusCycles(t *testing.T) {
	m := newTestModel(t, nil)
	assert.Equal(t, PaneTaskList, m.focusedPane)

	m = send(m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, PaneTaskDetail, m.focusedPane)
	m = send(m, tea.KeyMsg{Type: tea.KeyTab}, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, PaneTaskList, m.focusedPane)
	m = send(m, tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, PaneStats, m.focusedPane)
	m = send(m, press("1"))
	assert.Equal(t, PaneTaskList, m.focusedPane)
}

func TestModel_StatsAndAlerts(t *testing.T) {
	m := newTestModel(t, nil)
	m = send(m, events.StatsEvent{Running: 2, Completed: 1234, SystemLoad: 0.5, Recommended: 6, Timestamp: time.Now()})

	stats, ok := m.statsPane.Stats()
	require.True(t, ok)
	assert.Equal(t, 2, stats.Running)
	assert.Contains(t, m.View(), "1,234")

	for i := 0; i < maxShownAlerts+3; i++ {
		m = send(m, events.ResourceAlertEvent{Resource: "cpu", Message: "cpu high", Timestamp: time.Now()})
	}
	assert.Len(t, m.statsPane.Alerts(), maxShownAlerts)
}

func TestModel_QuitKey(t *testing.T) {
	m := newTestModel(t, nil)
	updated, cmd := m.Update(press("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, "Goodbye!\n", updated.(Model).View())
}

func TestModel_SettingsToggle(t *testing.T) {
	m := newTestModel(t, nil)
	m = send(m, press("s"))
	assert.True(t, m.showSettings)
	assert.True(t, strings.Contains(m.View(), "Settings"))

	m = send(m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.False(t, m.showSettings)
	assert.False(t, m.settingsPane.IsVisible())
}

func TestModel_BusClosed(t *testing.T) {
	bus := events.NewEventBus()
	m := New(bus, nil, config.DefaultConfig(), "", "")
	bus.Close()

	msg := m.Init()()
	assert.IsType(t, busClosedMsg{}, msg)
	m = send(m, msg)
	assert.Equal(t, "event stream closed", m.Status())
}

func TestTasksPane_EvictsFinishedFirst(t *testing.T) {
	p := NewTasksPaneModel()
	p, _ = p.Update(transition("running", "r", task.StatusRunning))
	p, _ = p.Update(transition("done", "d", task.StatusCompleted))
	for i := 0; i < maxTrackedTasks-1; i++ {
		p, _ = p.Update(transition(strings.Repeat("x", i+1), "x", task.StatusPending))
	}

	assert.Equal(t, maxTrackedTasks, p.Len())
	_, ok := p.Row("done")
	assert.False(t, ok, "completed task is evicted before active ones")
	_, ok = p.Row("running")
	assert.True(t, ok)
}

func TestSettingsPane_Save(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "project.json")
	cfg := config.DefaultConfig()

	p := NewSettingsPaneModel(cfg, filepath.Join(dir, "global.json"), project)
	p.maxConcurrentTasks = "4"
	p.defaultTimeout = "45s"
	p.storageDriver = config.StorageNone

	require.NoError(t, p.save())
	assert.Equal(t, 4, cfg.Manager.MaxConcurrentTasks)

	loaded, err := config.Load("", project)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Manager.MaxConcurrentTasks)
	assert.Equal(t, 45*time.Second, loaded.Manager.DefaultTimeout.Std())
	assert.Equal(t, config.StorageNone, loaded.Storage.Driver)
}

func TestSettingsPane_InvalidValueLeavesConfigUntouched(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()

	p := NewSettingsPaneModel(cfg, filepath.Join(dir, "global.json"), filepath.Join(dir, "project.json"))
	p.cpuThreshold = "250"

	require.Error(t, p.save())
	assert.InDelta(t, 80, cfg.Monitor.Thresholds.CPU, 0.001)
	assert.NoFileExists(t, filepath.Join(dir, "project.json"))
}

func TestFieldValidators(t *testing.T) {
	assert.NoError(t, positiveInt("3"))
	assert.Error(t, positiveInt("0"))
	assert.NoError(t, nonNegativeInt("0"))
	assert.Error(t, nonNegativeInt("-1"))
	assert.NoError(t, validDuration("1m30s"))
	assert.Error(t, validDuration("soon"))
	assert.NoError(t, validPercent("100"))
	assert.Error(t, validPercent("0"))
}
