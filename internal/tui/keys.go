package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
)

// KeyMap holds the dashboard's key bindings. It implements help.KeyMap.
type KeyMap struct {
	Quit       key.Binding
	NextPane   key.Binding
	PrevPane   key.Binding
	TaskList   key.Binding
	TaskDetail key.Binding
	Stats      key.Binding
	Up         key.Binding
	Down       key.Binding
	Cancel     key.Binding
	Settings   key.Binding
	Back       key.Binding
}

// DefaultKeyMap returns the standard bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		NextPane:   key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "cycle focus")),
		PrevPane:   key.NewBinding(key.WithKeys("shift+tab"), key.WithHelp("shift+tab", "cycle back")),
		TaskList:   key.NewBinding(key.WithKeys("1"), key.WithHelp("1/2/3", "jump to pane")),
		TaskDetail: key.NewBinding(key.WithKeys("2")),
		Stats:      key.NewBinding(key.WithKeys("3")),
		Up:         key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "up")),
		Down:       key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "down")),
		Cancel:     key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "cancel task")),
		Settings:   key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "settings")),
		Back:       key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "close")),
	}
}

// ShortHelp lists the bindings shown in the help bar.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.NextPane, k.TaskList, k.Down, k.Up, k.Cancel, k.Settings, k.Quit}
}

// FullHelp groups every binding by concern.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.NextPane, k.PrevPane, k.TaskList},
		{k.Up, k.Down, k.Cancel},
		{k.Settings, k.Back, k.Quit},
	}
}

func newHelp() help.Model {
	h := help.New()
	h.ShortSeparator = " | "
	h.Styles.ShortKey = StyleHelp.Bold(true)
	h.Styles.ShortDesc = StyleHelp
	h.Styles.ShortSeparator = StyleHelp
	return h
}
