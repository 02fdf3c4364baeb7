package profiles

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

const preferredMarker = ".preferred"

// Selector produces the candidate ordering for one bring-up attempt.
type Selector interface {
	// Order returns a randomized, deduplicated full ordering of all
	// available profiles. The excluded path (the just-retired profile) is
	// moved to the back so rotation never re-selects it first; a pinned
	// profile is moved to the front.
	Order(exclude string) ([]Profile, error)
	// Pin marks one profile as preferred for subsequent orderings.
	Pin(path string) error
}

type DefaultSelector struct {
	dir      string
	observer Observer
	shuffle  func(n int, swap func(i, j int))
}

func NewDefaultSelector(dir string, observer Observer) *DefaultSelector {
	return &DefaultSelector{dir: dir, observer: observer, shuffle: rand.Shuffle}
}

func (s *DefaultSelector) Order(exclude string) ([]Profile, error) {
	observed, err := s.observer.Observe()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(observed))
	candidates := make([]Profile, 0, len(observed))
	for _, p := range observed {
		if _, duplicate := seen[p.Path]; duplicate {
			continue
		}
		seen[p.Path] = struct{}{}
		candidates = append(candidates, p)
	}

	s.shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if exclude != "" && len(candidates) > 1 {
		for i, p := range candidates {
			if p.Path == exclude {
				candidates = append(candidates[:i], candidates[i+1:]...)
				candidates = append(candidates, p)
				break
			}
		}
	}

	if pinned := s.pinned(); pinned != "" {
		for i, p := range candidates {
			if p.Path == pinned && p.Path != exclude {
				candidates = append(candidates[:i], candidates[i+1:]...)
				candidates = append([]Profile{p}, candidates...)
				break
			}
		}
	}

	return candidates, nil
}

func (s *DefaultSelector) Pin(path string) error {
	return os.WriteFile(filepath.Join(s.dir, preferredMarker), []byte(path+"\n"), 0600)
}

func (s *DefaultSelector) pinned() string {
	raw, err := os.ReadFile(filepath.Join(s.dir, preferredMarker))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
