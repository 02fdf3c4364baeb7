package policy

import (
	"fmt"
	"log"
	"sync"

	"tunguard/application"
	"tunguard/domain/netstate"
	"tunguard/infrastructure/PAL/linux/network_tools/sysctl"
)

// GatewayManager shares the tunnel with LAN clients: IPv4 forwarding plus
// masquerade out of the tunnel interface. It remembers whether forwarding
// was already on so disable restores the host to its prior state.
type GatewayManager struct {
	mu        sync.Mutex
	netfilter application.Netfilter
	sysctl    sysctl.Contract

	forwardingWasOff bool
	active           bool
}

func NewGatewayManager(netfilter application.Netfilter, sysctlContract sysctl.Contract) *GatewayManager {
	return &GatewayManager{netfilter: netfilter, sysctl: sysctlContract}
}

func (g *GatewayManager) Enable(gw netstate.Gateway) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	enabled, err := g.sysctl.IPv4ForwardingEnabled()
	if err != nil {
		return fmt.Errorf("failed to read forwarding state: %w", err)
	}
	if !enabled {
		if err := g.sysctl.SetIPv4Forwarding(true); err != nil {
			return fmt.Errorf("failed to enable forwarding: %w", err)
		}
		g.forwardingWasOff = true
	}

	if err := g.netfilter.ApplyGatewayNat(gw); err != nil {
		if g.forwardingWasOff {
			if restoreErr := g.sysctl.SetIPv4Forwarding(false); restoreErr != nil {
				log.Printf("failed to restore forwarding after NAT failure: %v", restoreErr)
			}
			g.forwardingWasOff = false
		}
		return fmt.Errorf("failed to install gateway NAT: %w", err)
	}

	g.active = true
	log.Printf("gateway mode enabled: lan=%s tunnel=%s", gw.LANDev, gw.TunnelDev)
	return nil
}

// Disable must run before the tunnel interface goes away, otherwise the
// NAT rules reference a device that no longer exists.
func (g *GatewayManager) Disable(gw netstate.Gateway) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.netfilter.ClearGatewayNat(gw); err != nil {
		return fmt.Errorf("failed to clear gateway NAT: %w", err)
	}
	if g.forwardingWasOff {
		if err := g.sysctl.SetIPv4Forwarding(false); err != nil {
			return fmt.Errorf("failed to restore forwarding: %w", err)
		}
		g.forwardingWasOff = false
	}
	g.active = false
	log.Print("gateway mode disabled")
	return nil
}

func (g *GatewayManager) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
