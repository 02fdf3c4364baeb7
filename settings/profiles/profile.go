package profiles

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tunguard/domain/netstate"
)

// Profile identifies one candidate tunnel. Operator-provisioned, read-only.
type Profile struct {
	Path    string
	Backend netstate.Backend
	// RequiresCredentials is set when a session-based profile references
	// stored credentials instead of carrying them inline.
	RequiresCredentials bool
}

func (p Profile) Name() string {
	base := filepath.Base(p.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// FromPath classifies a profile file by its extension.
func FromPath(path string) (Profile, error) {
	switch filepath.Ext(path) {
	case ".conf":
		return Profile{Path: path, Backend: netstate.BackendWireguard}, nil
	case ".ovpn":
		return Profile{
			Path:                path,
			Backend:             netstate.BackendOpenvpn,
			RequiresCredentials: referencesStoredCredentials(path),
		}, nil
	}
	return Profile{}, fmt.Errorf("unrecognized profile extension for %s", path)
}

// referencesStoredCredentials reports whether an OpenVPN profile carries an
// auth-user-pass directive without an inline file argument.
func referencesStoredCredentials(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "auth-user-pass") {
			return len(strings.Fields(line)) == 1
		}
	}
	return false
}
