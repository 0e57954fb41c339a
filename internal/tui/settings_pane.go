package tui

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskd/internal/config"
)

// SettingsPaneModel manages the settings form overlay.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error
	back        key.Binding

	// Form field bindings (strings for Huh)
	saveTarget         string
	maxConcurrentTasks string
	maxRetries         string
	defaultTimeout     string
	maxConcurrency     string
	lookahead          string
	cpuThreshold       string
	memoryThreshold    string
	storageDriver      string
	logLevel           string
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
		back:        DefaultKeyMap().Back,
	}
	m.loadFromConfig()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) loadFromConfig() {
	cfg := m.config
	m.saveTarget = "project"
	m.maxConcurrentTasks = strconv.Itoa(cfg.Manager.MaxConcurrentTasks)
	m.maxRetries = strconv.Itoa(cfg.Manager.DefaultMaxRetries)
	m.defaultTimeout = cfg.Manager.DefaultTimeout.String()
	m.maxConcurrency = strconv.Itoa(cfg.Scheduler.MaxConcurrency)
	m.lookahead = cfg.Scheduler.Lookahead.String()
	m.cpuThreshold = strconv.FormatFloat(cfg.Monitor.Thresholds.CPU, 'f', -1, 64)
	m.memoryThreshold = strconv.FormatFloat(cfg.Monitor.Thresholds.Memory, 'f', -1, 64)
	m.storageDriver = cfg.Storage.Driver
	m.logLevel = cfg.Log.Level
}

func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Project ("+m.projectPath+")", "project"),
					huh.NewOption("Global ("+m.globalPath+")", "global"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxConcurrentTasks").
				Title("Max Concurrent Tasks").
				Value(&m.maxConcurrentTasks).
				Validate(positiveInt),

			huh.NewInput().
				Key("maxRetries").
				Title("Default Max Retries").
				Value(&m.maxRetries).
				Validate(nonNegativeInt),

			huh.NewInput().
				Key("defaultTimeout").
				Title("Default Timeout").
				Description("0s disables the per-attempt timeout").
				Value(&m.defaultTimeout).
				Validate(validDuration),
		).Title("Executor"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxConcurrency").
				Title("Scheduler Max Concurrency").
				Value(&m.maxConcurrency).
				Validate(positiveInt),

			huh.NewInput().
				Key("lookahead").
				Title("Lookahead Window").
				Value(&m.lookahead).
				Validate(validDuration),

			huh.NewInput().
				Key("cpuThreshold").
				Title("CPU Alert Threshold (%)").
				Value(&m.cpuThreshold).
				Validate(validPercent),

			huh.NewInput().
				Key("memoryThreshold").
				Title("Memory Alert Threshold (%)").
				Value(&m.memoryThreshold).
				Validate(validPercent),
		).Title("Scheduling"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("storageDriver").
				Title("Storage").
				Options(
					huh.NewOption("None", config.StorageNone),
					huh.NewOption("SQLite", config.StorageSQLite),
					huh.NewOption("Redis", config.StorageRedis),
				).
				Value(&m.storageDriver),

			huh.NewSelect[string]().
				Key("logLevel").
				Title("Log Level").
				Options(huh.NewOptions("trace", "debug", "info", "warn", "error")...).
				Value(&m.logLevel),
		).Title("Runtime"),
	)
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fmt.Errorf("must be a whole number of at least 1")
	}
	return nil
}

func nonNegativeInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("must be a whole number of at least 0")
	}
	return nil
}

func validDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fmt.Errorf("must be a duration such as 30s or 5m")
	}
	return nil
}

func validPercent(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 || f > 100 {
		return fmt.Errorf("must be a number in (0, 100]")
	}
	return nil
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if km, ok := msg.(tea.KeyMsg); ok && key.Matches(km, m.back) {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.save()
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

// save applies the form to a copy of the config, validates it and writes it out.
// The live config is only replaced once the file is written.
func (m *SettingsPaneModel) save() error {
	next := *m.config
	if err := m.applyFormTo(&next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}

	target := m.projectPath
	if m.saveTarget == "global" {
		target = m.globalPath
	}
	if err := config.Save(&next, target); err != nil {
		return err
	}
	*m.config = next
	return nil
}

// applyFormTo copies form field values into cfg.
func (m *SettingsPaneModel) applyFormTo(cfg *config.Config) error {
	var err error
	if cfg.Manager.MaxConcurrentTasks, err = strconv.Atoi(m.maxConcurrentTasks); err != nil {
		return fmt.Errorf("max concurrent tasks: %w", err)
	}
	if cfg.Manager.DefaultMaxRetries, err = strconv.Atoi(m.maxRetries); err != nil {
		return fmt.Errorf("default max retries: %w", err)
	}
	if err = cfg.Manager.DefaultTimeout.UnmarshalText([]byte(m.defaultTimeout)); err != nil {
		return err
	}
	if cfg.Scheduler.MaxConcurrency, err = strconv.Atoi(m.maxConcurrency); err != nil {
		return fmt.Errorf("max concurrency: %w", err)
	}
	if err = cfg.Scheduler.Lookahead.UnmarshalText([]byte(m.lookahead)); err != nil {
		return err
	}
	if cfg.Monitor.Thresholds.CPU, err = strconv.ParseFloat(m.cpuThreshold, 64); err != nil {
		return fmt.Errorf("cpu threshold: %w", err)
	}
	if cfg.Monitor.Thresholds.Memory, err = strconv.ParseFloat(m.memoryThreshold, 64); err != nil {
		return fmt.Errorf("memory threshold: %w", err)
	}
	cfg.Storage.Driver = m.storageDriver
	cfg.Log.Level = m.logLevel
	return nil
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	if m.err != nil {
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	} else {
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings (changes apply on restart)")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane, resetting the form when shown.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFromConfig()
		m.buildForm()
		if m.width > 0 {
			m.form.WithWidth(m.width - 8).WithHeight(m.height - 8)
		}
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written successfully.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
