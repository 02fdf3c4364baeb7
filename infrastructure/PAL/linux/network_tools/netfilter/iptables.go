package netfilter

import (
	"fmt"
	"net/netip"
	"strings"

	"tunguard/application"
	"tunguard/domain/netstate"
	"tunguard/infrastructure/PAL"
)

const egressChain = "TUNGUARD-OUT"

// Iptables realizes the packet-filter contract by shelling out to the
// xtables binaries. All mutations are check-before-insert so re-applying
// never accumulates duplicate rules.
type Iptables struct {
	commander PAL.Commander
}

func NewIptables(commander PAL.Commander) application.Netfilter {
	return &Iptables{commander: commander}
}

func (w *Iptables) ApplyEgressLockdown(lockdown netstate.Lockdown) error {
	if err := w.applyEgressFamily("iptables", lockdown.TunnelDev, lockdown.LANDev, prefixStrings(lockdown.PrivateCIDRs4())); err != nil {
		return err
	}
	// IPv6 is best-effort: hosts without ip6tables get a v4-only lockdown.
	if err := w.applyEgressFamily("ip6tables", lockdown.TunnelDev, lockdown.LANDev, prefixStrings(lockdown.PrivateCIDRs6())); err != nil {
		if !w.isBenignError(err) {
			return err
		}
	}
	return nil
}

func (w *Iptables) applyEgressFamily(bin, tunnelDev, lanDev string, privateCIDRs []string) error {
	if output, err := w.commander.CombinedOutput(bin, "-N", egressChain); err != nil {
		if !w.isBenignError(fmt.Errorf("%v, output: %s", err, output)) {
			return fmt.Errorf("failed to create chain %s: %v, output: %s", egressChain, err, output)
		}
	}
	// Rebuild the chain from intent: flush-and-fill converges regardless of
	// what a previous (possibly interrupted) apply left behind.
	if output, err := w.commander.CombinedOutput(bin, "-F", egressChain); err != nil {
		return fmt.Errorf("failed to flush chain %s: %v, output: %s", egressChain, err, output)
	}

	for _, rule := range egressRules(tunnelDev, lanDev, privateCIDRs) {
		args := append([]string{"-A", egressChain}, rule...)
		if output, err := w.commander.CombinedOutput(bin, args...); err != nil {
			return fmt.Errorf("failed to install egress rule %v: %v, output: %s", rule, err, output)
		}
	}

	if checkErr := w.commander.Run(bin, "-C", "OUTPUT", "-j", egressChain); checkErr != nil {
		if output, err := w.commander.CombinedOutput(bin, "-I", "OUTPUT", "1", "-j", egressChain); err != nil {
			return fmt.Errorf("failed to hook %s into OUTPUT: %v, output: %s", egressChain, err, output)
		}
	}

	if output, err := w.commander.CombinedOutput(bin, "-P", "OUTPUT", "DROP"); err != nil {
		return fmt.Errorf("failed to set OUTPUT policy DROP: %v, output: %s", err, output)
	}
	return nil
}

func (w *Iptables) ClearEgressLockdown() error {
	if err := w.clearEgressFamily("iptables"); err != nil {
		return err
	}
	if err := w.clearEgressFamily("ip6tables"); err != nil {
		if !w.isBenignError(err) {
			return err
		}
	}
	return nil
}

func (w *Iptables) clearEgressFamily(bin string) error {
	if output, err := w.commander.CombinedOutput(bin, "-P", "OUTPUT", "ACCEPT"); err != nil {
		return fmt.Errorf("failed to restore OUTPUT policy ACCEPT: %v, output: %s", err, output)
	}
	for _, args := range [][]string{
		{"-D", "OUTPUT", "-j", egressChain},
		{"-F", egressChain},
		{"-X", egressChain},
	} {
		if output, err := w.commander.CombinedOutput(bin, args...); err != nil {
			wrapped := fmt.Errorf("failed to remove %s: %v, output: %s", egressChain, err, output)
			if !w.isBenignError(wrapped) {
				return wrapped
			}
		}
	}
	return nil
}

func (w *Iptables) ApplyGatewayNat(gw netstate.Gateway) error {
	rules := gatewayRules(gw)
	for _, rule := range rules {
		if checkErr := w.commander.Run("iptables", append([]string{"-t", rule.table, "-C"}, rule.spec...)...); checkErr == nil {
			continue
		}
		args := append([]string{"-t", rule.table, "-A"}, rule.spec...)
		if output, err := w.commander.CombinedOutput("iptables", args...); err != nil {
			return fmt.Errorf("failed to install NAT rule %v: %v, output: %s", rule.spec, err, output)
		}
	}
	return nil
}

func (w *Iptables) ClearGatewayNat(gw netstate.Gateway) error {
	for _, rule := range gatewayRules(gw) {
		args := append([]string{"-t", rule.table, "-D"}, rule.spec...)
		if output, err := w.commander.CombinedOutput("iptables", args...); err != nil {
			wrapped := fmt.Errorf("failed to remove NAT rule %v: %v, output: %s", rule.spec, err, output)
			if !w.isBenignError(wrapped) {
				return wrapped
			}
		}
	}
	return nil
}

type tableRule struct {
	table string
	spec  []string
}

func gatewayRules(gw netstate.Gateway) []tableRule {
	return []tableRule{
		{"nat", []string{"POSTROUTING", "-o", gw.TunnelDev, "-j", "MASQUERADE"}},
		{"filter", []string{"FORWARD", "-i", gw.LANDev, "-o", gw.TunnelDev, "-j", "ACCEPT"}},
		{"filter", []string{"FORWARD", "-i", gw.TunnelDev, "-o", gw.LANDev,
			"-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"}},
	}
}

// egressRules lists the accepted egress categories in match order: loopback,
// established/related, private destinations (on the LAN interface and on any
// interface), then the tunnel interface. Everything else falls through to
// the OUTPUT DROP policy.
func egressRules(tunnelDev, lanDev string, privateCIDRs []string) [][]string {
	rules := [][]string{
		{"-o", "lo", "-j", "ACCEPT"},
		{"-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
	}
	for _, cidr := range privateCIDRs {
		if lanDev != "" {
			rules = append(rules, []string{"-d", cidr, "-o", lanDev, "-j", "ACCEPT"})
		}
		rules = append(rules, []string{"-d", cidr, "-j", "ACCEPT"})
	}
	if tunnelDev != "" {
		rules = append(rules, []string{"-o", tunnelDev, "-j", "ACCEPT"})
	}
	return rules
}

func (w *Iptables) isBenignError(err error) bool {
	if err == nil {
		return false
	}
	errString := strings.ToLower(err.Error())
	for _, marker := range []string{
		"bad rule",
		"does a matching rule exist",
		"no chain",
		"no such file or directory",
		"no chain/target/match",
		"rule does not exist",
		"chain already exists",
		"executable file not found",
	} {
		if strings.Contains(errString, marker) {
			return true
		}
	}
	return false
}

func prefixStrings(prefixes []netip.Prefix) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, p.String())
	}
	return out
}
