package sysctl

import (
	"fmt"
	"strings"

	"tunguard/infrastructure/PAL"
)

type Contract interface {
	IPv4ForwardingEnabled() (bool, error)
	SetIPv4Forwarding(enabled bool) error
}

// Wrapper is a wrapper around the sysctl command.
type Wrapper struct {
	commander PAL.Commander
}

func NewWrapper(commander PAL.Commander) Contract {
	return &Wrapper{commander: commander}
}

func (w *Wrapper) IPv4ForwardingEnabled() (bool, error) {
	output, err := w.commander.Output("sysctl", "net.ipv4.ip_forward")
	if err != nil {
		return false, fmt.Errorf("failed to read IPv4 forwarding state: %v, output: %s", err, output)
	}
	return strings.TrimSpace(string(output)) == "net.ipv4.ip_forward = 1", nil
}

func (w *Wrapper) SetIPv4Forwarding(enabled bool) error {
	value := "net.ipv4.ip_forward=0"
	if enabled {
		value = "net.ipv4.ip_forward=1"
	}
	output, err := w.commander.CombinedOutput("sysctl", "-w", value)
	if err != nil {
		return fmt.Errorf("failed to set %s: %v, output: %s", value, err, output)
	}
	return nil
}
