package ip

import (
	"fmt"
	"strconv"
	"strings"

	"tunguard/infrastructure/PAL"
)

// Wrapper is a wrapper around the ip command from the iproute2 tool collection
type Wrapper struct {
	commander PAL.Commander
}

func NewWrapper(commander PAL.Commander) Contract {
	return &Wrapper{commander: commander}
}

// RouteDefault gets the default network device name.
// It checks the IPv4 routing table first, then falls back to IPv6.
func (i *Wrapper) RouteDefault() (string, error) {
	if iface, err := i.parseDefaultRoute("ip", "route"); err == nil {
		return iface, nil
	}
	if iface, err := i.parseDefaultRoute("ip", "-6", "route"); err == nil {
		return iface, nil
	}
	return "", fmt.Errorf("failed to get default interface from IPv4 or IPv6 routing table")
}

// parseDefaultRoute runs the given command and extracts the interface name
// from the first "default" route line by searching for the "dev" keyword.
func (i *Wrapper) parseDefaultRoute(name string, args ...string) (string, error) {
	out, err := i.commander.Output(name, args...)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "default") {
			fields := strings.Fields(line)
			for j, f := range fields {
				if f == "dev" && j+1 < len(fields) {
					return fields[j+1], nil
				}
			}
		}
	}
	return "", fmt.Errorf("no default route found")
}

// LinkExists reports whether a network device with the given name is present.
func (i *Wrapper) LinkExists(devName string) bool {
	_, err := i.commander.Output("ip", "link", "show", "dev", devName)
	return err == nil
}

// RuleAddToMain inserts a policy-routing rule directing traffic to cidr back
// to the main routing table. Existing identical rules are left alone so the
// call converges instead of accumulating duplicates.
func (i *Wrapper) RuleAddToMain(cidr string, priority int) error {
	existing, err := i.RuleListPriorities()
	if err != nil {
		return err
	}
	if existing[priority] == cidr {
		return nil
	}

	args := append(familyArgs(cidr), "rule", "add",
		"to", cidr, "lookup", "main", "pref", strconv.Itoa(priority))
	output, err := i.commander.CombinedOutput("ip", args...)
	if err != nil {
		return fmt.Errorf("failed to add routing exemption for %s: %v, output: %s", cidr, err, output)
	}
	return nil
}

// RuleDelToMain removes the exemption rule for cidr at the given priority.
// A missing rule is a no-op.
func (i *Wrapper) RuleDelToMain(cidr string, priority int) error {
	existing, err := i.RuleListPriorities()
	if err != nil {
		return err
	}
	if _, present := existing[priority]; !present {
		return nil
	}

	args := append(familyArgs(cidr), "rule", "del",
		"to", cidr, "lookup", "main", "pref", strconv.Itoa(priority))
	output, err := i.commander.CombinedOutput("ip", args...)
	if err != nil {
		return fmt.Errorf("failed to remove routing exemption for %s: %v, output: %s", cidr, err, output)
	}
	return nil
}

// familyArgs selects the address-family flag for cidr; plain `ip rule`
// only operates on the IPv4 table.
func familyArgs(cidr string) []string {
	if strings.Contains(cidr, ":") {
		return []string{"-6"}
	}
	return nil
}

// RuleListPriorities parses `ip rule list` for both address families into
// priority → destination. Rules without a "to" selector map to an empty
// destination.
func (i *Wrapper) RuleListPriorities() (map[int]string, error) {
	rules := make(map[int]string)
	for _, args := range [][]string{{"rule", "list"}, {"-6", "rule", "list"}} {
		if err := i.listRulesInto(rules, args...); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

func (i *Wrapper) listRulesInto(rules map[int]string, args ...string) error {
	out, err := i.commander.Output("ip", args...)
	if err != nil {
		return fmt.Errorf("failed to list routing rules: %v", err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// format: "<pref>:\tfrom all to 10.0.0.0/8 lookup main"
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		priority, prioErr := strconv.Atoi(strings.TrimSpace(line[:colon]))
		if prioErr != nil {
			continue
		}
		dest := ""
		fields := strings.Fields(line[colon+1:])
		for j, f := range fields {
			if f == "to" && j+1 < len(fields) {
				dest = fields[j+1]
				break
			}
		}
		rules[priority] = dest
	}
	return nil
}
