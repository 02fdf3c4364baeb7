package application

import "context"

// Prober verifies connectivity through a specific network interface.
type Prober interface {
	// Probe succeeds only if the target is reachable with the socket bound
	// to ifName, so a healthy default route never masks tunnel failure.
	Probe(ctx context.Context, ifName, target string) error
	// ExternalAddress reports the public address seen through ifName.
	// Best-effort: used for status output only.
	ExternalAddress(ctx context.Context, ifName string) (string, error)
}
