package ip

type Contract interface {
	RouteDefault() (string, error)
	LinkExists(devName string) bool
	RuleAddToMain(cidr string, priority int) error
	RuleDelToMain(cidr string, priority int) error
	RuleListPriorities() (map[int]string, error)
}
