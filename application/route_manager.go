package application

// RouteManager manipulates the host policy-routing tables.
type RouteManager interface {
	// DefaultDev reports the interface carrying the default route.
	DefaultDev() (string, error)
	// DevExists reports whether a network interface with the given name exists.
	DevExists(devName string) bool
	// ExemptDestination directs traffic to cidr back to the main routing
	// table at the given rule priority, bypassing tunnel routing.
	ExemptDestination(cidr string, priority int) error
	// ClearExemption removes the exemption installed for cidr at priority.
	ClearExemption(cidr string, priority int) error
	// ListExemptions reports the priorities of currently installed exemptions.
	ListExemptions() (map[int]string, error)
}
