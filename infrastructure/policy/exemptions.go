package policy

import (
	"fmt"
	"net/netip"

	"tunguard/application"
)

// Exemptions occupy a dedicated rule-priority block so they can be listed
// and removed without touching rules installed by other software.
const (
	exemptPriorityBase = 17100
	exemptPriorityMax  = 17199
)

// Exemptions manages destinations routed around the tunnel via the main
// routing table.
type Exemptions struct {
	routes application.RouteManager
}

func NewExemptions(routes application.RouteManager) *Exemptions {
	return &Exemptions{routes: routes}
}

// Add installs an exemption for cidr and reports the priority it occupies.
// A bare address is widened to a host prefix. Adding a destination that is
// already exempt returns its existing priority.
func (e *Exemptions) Add(cidr string) (int, error) {
	normalized, err := normalizeCIDR(cidr)
	if err != nil {
		return 0, err
	}

	installed, err := e.List()
	if err != nil {
		return 0, err
	}
	for priority, existing := range installed {
		if existing == normalized {
			return priority, nil
		}
	}

	for priority := exemptPriorityBase; priority <= exemptPriorityMax; priority++ {
		if _, used := installed[priority]; used {
			continue
		}
		if err := e.routes.ExemptDestination(normalized, priority); err != nil {
			return 0, fmt.Errorf("failed to exempt %s: %w", normalized, err)
		}
		return priority, nil
	}
	return 0, fmt.Errorf("exemption block %d-%d is full", exemptPriorityBase, exemptPriorityMax)
}

// Remove clears the exemption for cidr. Removing a destination that is not
// exempt is a no-op.
func (e *Exemptions) Remove(cidr string) error {
	normalized, err := normalizeCIDR(cidr)
	if err != nil {
		return err
	}

	installed, err := e.List()
	if err != nil {
		return err
	}
	for priority, existing := range installed {
		if existing == normalized {
			if err := e.routes.ClearExemption(normalized, priority); err != nil {
				return fmt.Errorf("failed to clear exemption %s: %w", normalized, err)
			}
			return nil
		}
	}
	return nil
}

// List reports installed exemptions within the reserved priority block.
func (e *Exemptions) List() (map[int]string, error) {
	all, err := e.routes.ListExemptions()
	if err != nil {
		return nil, fmt.Errorf("failed to list exemptions: %w", err)
	}
	block := make(map[int]string)
	for priority, cidr := range all {
		if priority >= exemptPriorityBase && priority <= exemptPriorityMax {
			block[priority] = cidr
		}
	}
	return block, nil
}

// Clear removes every exemption in the reserved block.
func (e *Exemptions) Clear() error {
	installed, err := e.List()
	if err != nil {
		return err
	}
	for priority, cidr := range installed {
		if err := e.routes.ClearExemption(cidr, priority); err != nil {
			return fmt.Errorf("failed to clear exemption %s: %w", cidr, err)
		}
	}
	return nil
}

func normalizeCIDR(cidr string) (string, error) {
	if prefix, err := netip.ParsePrefix(cidr); err == nil {
		return prefix.Masked().String(), nil
	}
	addr, err := netip.ParseAddr(cidr)
	if err != nil {
		return "", fmt.Errorf("invalid destination %q: %w", cidr, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()).String(), nil
}
