package lifecycle

import (
	"errors"
	"fmt"
)

// ErrExhausted reports that every candidate profile was tried and none
// produced a healthy tunnel. The host is left in the FailureMode posture.
var ErrExhausted = errors.New("all tunnel candidates failed")

// AdapterError is a per-candidate bring-up failure; the orchestrator
// recovers by advancing to the next candidate.
type AdapterError struct {
	Profile string
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("tunnel bring-up failed for profile %s: %v", e.Profile, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// HealthCheckError means the tunnel came up but the probe through it
// failed; recovered per-candidate like AdapterError.
type HealthCheckError struct {
	Profile string
	Err     error
}

func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("health check failed for profile %s: %v", e.Profile, e.Err)
}

func (e *HealthCheckError) Unwrap() error { return e.Err }

// PolicyError is fatal: the kill switch is the safety boundary and must
// never be left half-applied, so the operation aborts instead of advancing.
type PolicyError struct {
	Err error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy enforcement failed: %v", e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }
