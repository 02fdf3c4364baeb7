package policy

import (
	"tunguard/application"
	"tunguard/infrastructure/PAL/linux/network_tools/ip"
)

// ipRouteManager realizes the route-manager contract over the ip tooling.
type ipRouteManager struct {
	ip ip.Contract
}

func NewRouteManager(ipContract ip.Contract) application.RouteManager {
	return &ipRouteManager{ip: ipContract}
}

func (m *ipRouteManager) DefaultDev() (string, error) {
	return m.ip.RouteDefault()
}

func (m *ipRouteManager) DevExists(devName string) bool {
	return m.ip.LinkExists(devName)
}

func (m *ipRouteManager) ExemptDestination(cidr string, priority int) error {
	return m.ip.RuleAddToMain(cidr, priority)
}

func (m *ipRouteManager) ClearExemption(cidr string, priority int) error {
	return m.ip.RuleDelToMain(cidr, priority)
}

func (m *ipRouteManager) ListExemptions() (map[int]string, error) {
	return m.ip.RuleListPriorities()
}
