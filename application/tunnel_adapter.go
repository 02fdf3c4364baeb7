package application

import (
	"context"

	"tunguard/settings/profiles"
)

// TunnelAdapter brings one candidate tunnel up or tears it down.
type TunnelAdapter interface {
	// BringUp establishes the tunnel for the given profile and returns the
	// name of the resulting network interface.
	BringUp(ctx context.Context, profile profiles.Profile) (string, error)
	// TearDown removes the tunnel for the given profile. Tearing down a
	// tunnel that does not exist is a no-op, not an error.
	TearDown(profile profiles.Profile) error
	// InterfaceName reports the interface the profile would be bound to.
	InterfaceName(profile profiles.Profile) string
}
