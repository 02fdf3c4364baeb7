package profile_selection

import (
	"fmt"
	"log"

	tea "github.com/charmbracelet/bubbletea"

	"tunguard/settings/profiles"
)

// Pinner is the selector facet the picker needs.
type Pinner interface {
	Pin(path string) error
}

// Run shows the picker over the observed profiles and pins the choice.
// Quitting without a selection leaves the existing pin untouched.
func Run(observer profiles.Observer, pinner Pinner) error {
	available, err := observer.Observe()
	if err != nil {
		return fmt.Errorf("failed to list profiles: %w", err)
	}

	final, err := tea.NewProgram(NewPicker(available)).Run()
	if err != nil {
		return fmt.Errorf("profile picker: %w", err)
	}

	picker, ok := final.(Picker)
	if !ok {
		return fmt.Errorf("unexpected picker model %T", final)
	}
	chosen, selected := picker.Choice()
	if !selected {
		log.Print("no profile selected, keeping the current preference")
		return nil
	}

	if err := pinner.Pin(chosen.Path); err != nil {
		return fmt.Errorf("failed to pin %s: %w", chosen.Name(), err)
	}
	log.Printf("pinned preferred profile: %s", chosen.Name())
	return nil
}
