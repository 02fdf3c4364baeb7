package application

import "tunguard/domain/netstate"

// Netfilter is the host packet-filter backend. Implementations converge by
// matching existing rules, never by blind append, so every call is idempotent.
type Netfilter interface {
	// ApplyEgressLockdown installs the default-deny egress rule set described
	// by the lockdown intent. Re-applying an identical lockdown is a no-op.
	ApplyEgressLockdown(lockdown netstate.Lockdown) error
	// ClearEgressLockdown removes exactly what ApplyEgressLockdown installed
	// and restores default-allow. Safe to call with no rules present.
	ClearEgressLockdown() error

	// ApplyGatewayNat installs masquerade and forward-accept rules for
	// LAN egress via the tunnel interface.
	ApplyGatewayNat(gw netstate.Gateway) error
	// ClearGatewayNat is the precise inverse of ApplyGatewayNat.
	ClearGatewayNat(gw netstate.Gateway) error
}
