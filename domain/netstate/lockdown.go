package netstate

import "net/netip"

// Lockdown is the intent of the default-deny egress rule set, independent of
// the packet-filter backend that realizes it. Keeping the intent as data lets
// tests evaluate sample packet tuples without privileged firewall access.
type Lockdown struct {
	// TunnelDev is the tunnel interface all egress is confined to.
	TunnelDev string
	// LANDev is the detected default local-network interface.
	LANDev string
	// PrivateCIDRs are destination ranges accepted on LANDev and on any
	// interface (covers internal service bridges).
	PrivateCIDRs []netip.Prefix
}

// Gateway is the intent of the NAT overlay: LAN hosts egress via TunnelDev.
type Gateway struct {
	TunnelDev string
	LANDev    string
}

// DefaultPrivateCIDRs covers the RFC 1918 ranges, link-local ranges and the
// IPv6 unique-local range.
func DefaultPrivateCIDRs() []netip.Prefix {
	return []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("169.254.0.0/16"),
		netip.MustParsePrefix("fc00::/7"),
		netip.MustParsePrefix("fe80::/10"),
	}
}

// PrivateCIDRs4 returns the IPv4 subset of the accepted private ranges.
func (l Lockdown) PrivateCIDRs4() []netip.Prefix {
	var out []netip.Prefix
	for _, p := range l.PrivateCIDRs {
		if p.Addr().Is4() {
			out = append(out, p)
		}
	}
	return out
}

// PrivateCIDRs6 returns the IPv6 subset of the accepted private ranges.
func (l Lockdown) PrivateCIDRs6() []netip.Prefix {
	var out []netip.Prefix
	for _, p := range l.PrivateCIDRs {
		if p.Addr().Is6() {
			out = append(out, p)
		}
	}
	return out
}

// PacketTuple is a sample outbound packet used to evaluate lockdown intent.
type PacketTuple struct {
	Dst         netip.Addr
	OutDev      string
	Established bool
}

// Permits reports whether the lockdown would let the packet egress.
// Accept order mirrors the installed rule set: loopback, established/related,
// private destinations, tunnel interface; everything else is dropped.
func (l Lockdown) Permits(p PacketTuple) bool {
	if p.OutDev == "lo" || p.Dst.IsLoopback() {
		return true
	}
	if p.Established {
		return true
	}
	for _, cidr := range l.PrivateCIDRs {
		if cidr.Contains(p.Dst) {
			return true
		}
	}
	return p.OutDev == l.TunnelDev
}
