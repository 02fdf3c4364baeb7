package netfilter

import (
	"fmt"

	"tunguard/application"
	"tunguard/infrastructure/PAL"
	"tunguard/infrastructure/PAL/linux/network_tools/netfilter/nftables"
)

type BackendKind string

const (
	BackendNftables BackendKind = "nftables"
	BackendIptables BackendKind = "iptables"
)

// DetectResult records which backend the factory chose and why, for the
// startup log line.
type DetectResult struct {
	Kind   BackendKind
	Reason string
}

// Factory picks a packet-filter backend: the native nftables driver when
// the kernel speaks nf_tables, otherwise the iptables binaries.
type Factory struct {
	commander PAL.Commander

	// overridable in tests
	probeNftables func() (application.Netfilter, error)
}

func NewFactory(commander PAL.Commander) *Factory {
	return &Factory{
		commander:     commander,
		probeNftables: probeKernelNftables,
	}
}

func (f *Factory) Detect() (application.Netfilter, DetectResult, error) {
	if nf, err := f.probeNftables(); err == nil {
		return nf, DetectResult{Kind: BackendNftables, Reason: "kernel nf_tables available"}, nil
	} else if runErr := f.commander.Run("iptables", "-V"); runErr == nil {
		return NewIptables(f.commander), DetectResult{
			Kind:   BackendIptables,
			Reason: fmt.Sprintf("nftables unavailable (%v), iptables binary present", err),
		}, nil
	}
	return nil, DetectResult{}, fmt.Errorf("no usable packet-filter backend: neither nf_tables nor iptables is available")
}

func probeKernelNftables() (application.Netfilter, error) {
	d, err := nftables.New()
	if err != nil {
		return nil, err
	}
	if err := d.Ping(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}
