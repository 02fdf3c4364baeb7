package netstate

import (
	"fmt"
	"time"
)

// PolicyState describes the egress policy currently enforced on the host.
// Exactly one state holds at any time.
type PolicyState string

const (
	// PolicyInactive means the engine has never engaged (first run, no profiles).
	PolicyInactive PolicyState = "inactive"
	// PolicyActiveClosed means default-deny egress is enforced.
	PolicyActiveClosed PolicyState = "active-closed"
	// PolicyActiveOpen means the kill switch is cleared and egress is normal.
	PolicyActiveOpen PolicyState = "active-open"
)

// FailureMode decides the PolicyState chosen when all candidates fail.
type FailureMode string

const (
	FailClosed FailureMode = "closed"
	FailOpen   FailureMode = "open"
)

func ParseFailureMode(s string) (FailureMode, error) {
	switch FailureMode(s) {
	case FailClosed, FailOpen:
		return FailureMode(s), nil
	case "":
		return FailClosed, nil
	}
	return "", fmt.Errorf("unknown failure mode %q (expected closed or open)", s)
}

// Backend identifies a tunnel backend variant.
type Backend string

const (
	// BackendWireguard is the key-based point-to-point variant.
	BackendWireguard Backend = "wireguard"
	// BackendOpenvpn is the session-based variant with optional stored credentials.
	BackendOpenvpn Backend = "openvpn"
)

func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendWireguard, BackendOpenvpn:
		return Backend(s), nil
	}
	return "", fmt.Errorf("unknown tunnel backend %q (expected wireguard or openvpn)", s)
}

// Session is the single active tunnel on the host. At most one exists.
type Session struct {
	Backend     Backend   `json:"backend"`
	Interface   string    `json:"interface"`
	ProfilePath string    `json:"profile_path"`
	StartedAt   time.Time `json:"started_at"`
}
