package PAL

// Commander abstracts command execution (e.g., via exec.Command) so rule
// intent can be verified in tests without privileged access to the host.
type Commander interface {
	CombinedOutput(name string, args ...string) ([]byte, error)
	Output(name string, args ...string) ([]byte, error)
	Run(name string, args ...string) error
}
