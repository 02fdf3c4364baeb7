package profiles

import (
	"errors"
	"log"
	"os"
	"path/filepath"
)

// ErrNoProfiles signals an empty profile directory. The caller treats this
// as "continue unprotected", not as a hard error.
var ErrNoProfiles = errors.New("no profiles found")

// Observer is used to observe available profiles.
type Observer interface {
	Observe() ([]Profile, error)
}

type DefaultObserver struct {
	dir     string
	backend string // empty means both variants
}

func NewDefaultObserver(dir, backend string) *DefaultObserver {
	return &DefaultObserver{dir: dir, backend: backend}
}

func (o *DefaultObserver) Observe() ([]Profile, error) {
	var results []Profile
	for _, pattern := range []string{"*.conf", "*.ovpn"} {
		matches, err := filepath.Glob(filepath.Join(o.dir, pattern))
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			profile, profileErr := FromPath(match)
			if profileErr != nil {
				continue
			}
			if o.backend != "" && string(profile.Backend) != o.backend {
				continue
			}
			warnLoosePermissions(match)
			results = append(results, profile)
		}
	}
	if len(results) == 0 {
		return nil, ErrNoProfiles
	}
	return results, nil
}

// warnLoosePermissions flags profiles readable by group or others; profiles
// carry keys and credentials and should be owner-only.
func warnLoosePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		log.Printf("profile %s is not owner-only (mode %s)", path, info.Mode().Perm())
	}
}
