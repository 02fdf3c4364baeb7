package policy

import (
	"fmt"
	"log"

	"tunguard/application"
	"tunguard/domain/netstate"
)

// KillSwitch engages and clears the default-deny egress posture.
type KillSwitch struct {
	netfilter application.Netfilter
}

func NewKillSwitch(netfilter application.Netfilter) *KillSwitch {
	return &KillSwitch{netfilter: netfilter}
}

// Engage installs default-deny egress scoped to lockdown. The lockdown is
// installed before any tunnel work so there is no window where traffic can
// leave outside the tunnel.
func (k *KillSwitch) Engage(lockdown netstate.Lockdown) error {
	if err := k.netfilter.ApplyEgressLockdown(lockdown); err != nil {
		return fmt.Errorf("failed to engage kill switch: %w", err)
	}
	log.Printf("kill switch engaged: tunnel=%s lan=%s", lockdown.TunnelDev, lockdown.LANDev)
	return nil
}

func (k *KillSwitch) Disengage() error {
	if err := k.netfilter.ClearEgressLockdown(); err != nil {
		return fmt.Errorf("failed to disengage kill switch: %w", err)
	}
	log.Print("kill switch disengaged")
	return nil
}
