package profile_selection

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"tunguard/settings/profiles"
)

type pickerKeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Select key.Binding
	Quit   key.Binding
}

func defaultPickerKeyMap() pickerKeyMap {
	return pickerKeyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("up/k", "move up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("down/j", "move down"),
		),
		Select: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "pin profile"),
		),
		Quit: key.NewBinding(
			key.WithKeys("ctrl+c", "q"),
			key.WithHelp("q", "exit"),
		),
	}
}

// Picker is the interactive profile list; the chosen profile is pinned so
// the next bring-up tries it first.
type Picker struct {
	options []profiles.Profile
	cursor  int
	choice  *profiles.Profile
	done    bool
	keys    pickerKeyMap
}

func NewPicker(options []profiles.Profile) Picker {
	return Picker{options: options, keys: defaultPickerKeyMap()}
}

func (p Picker) Init() tea.Cmd { return nil }

func (p Picker) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return p, nil
	}

	switch {
	case key.Matches(keyMsg, p.keys.Quit):
		p.done = true
		return p, tea.Quit
	case key.Matches(keyMsg, p.keys.Up):
		if p.cursor > 0 {
			p.cursor--
		}
	case key.Matches(keyMsg, p.keys.Down):
		if p.cursor < len(p.options)-1 {
			p.cursor++
		}
	case key.Matches(keyMsg, p.keys.Select):
		if len(p.options) > 0 {
			chosen := p.options[p.cursor]
			p.choice = &chosen
		}
		p.done = true
		return p, tea.Quit
	}
	return p, nil
}

func (p Picker) View() string {
	if p.done {
		return ""
	}

	var b strings.Builder
	b.WriteString("Pick the preferred tunnel profile:\n\n")
	for i, option := range p.options {
		cursor := "  "
		if i == p.cursor {
			cursor = "> "
		}
		marker := ""
		if option.RequiresCredentials {
			marker = " (stored credentials)"
		}
		fmt.Fprintf(&b, "%s%s [%s]%s\n", cursor, option.Name(), option.Backend, marker)
	}
	b.WriteString("\nup/k down/j move, enter pin, q quit\n")
	return b.String()
}

// Choice reports the pinned profile, if any.
func (p Picker) Choice() (profiles.Profile, bool) {
	if p.choice == nil {
		return profiles.Profile{}, false
	}
	return *p.choice, true
}
