package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Quit       key.Binding
	More       key.Binding
	Less       key.Binding
	Resume     key.Binding
	Disconnect key.Binding
}

var defaultKeyMap = keyMap{
	Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	More:       key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+", "snooze longer")),
	Less:       key.NewBinding(key.WithKeys("-"), key.WithHelp("-", "snooze shorter")),
	Resume:     key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "resume")),
	Disconnect: key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "disconnect")),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.More, k.Less, k.Resume, k.Disconnect, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}
