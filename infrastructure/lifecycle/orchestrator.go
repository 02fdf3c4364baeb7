package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tunguard/application"
	"tunguard/domain/netstate"
	"tunguard/infrastructure/state"
	"tunguard/settings/profiles"
)

// KillSwitch is the egress-lockdown facet of the policy layer.
type KillSwitch interface {
	Engage(lockdown netstate.Lockdown) error
	Disengage() error
}

// Gateway is the NAT-sharing facet of the policy layer.
type Gateway interface {
	Enable(gw netstate.Gateway) error
	Disable(gw netstate.Gateway) error
}

// Exemptions manages routing-rule exemptions for private destinations.
type Exemptions interface {
	Add(cidr string) (int, error)
	Clear() error
}

// Selector yields one full candidate ordering per bring-up attempt.
type Selector interface {
	Order(exclude string) ([]profiles.Profile, error)
}

// StateStore persists the engine posture across process restarts.
type StateStore interface {
	Save(r state.Record) error
	Load() (state.Record, error)
	Clear() error
}

type Config struct {
	Enabled     bool
	FailureMode netstate.FailureMode
	HealthURL   string
	// Interface is the tunnel device name; also the device the lockdown
	// references when isolation is engaged with no live tunnel.
	Interface   string
	LANDev      string // empty: detect from the default route
	GatewayMode bool
}

type Deps struct {
	Adapters   map[netstate.Backend]application.TunnelAdapter
	KillSwitch KillSwitch
	Gateway    Gateway
	Exemptions Exemptions
	Selector   Selector
	Prober     application.Prober
	Routes     application.RouteManager
	Store      StateStore
}

// Orchestrator owns the tunnel session lifecycle. Operations are
// serialized by a mutex so the control surface cannot interleave them.
type Orchestrator struct {
	mu   sync.Mutex
	cfg  Config
	deps Deps
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{cfg: cfg, deps: deps}
}

// Start brings up the first healthy candidate and engages the kill
// switch around it. Zero profiles is a success that leaves the host
// unprotected (safe first-run default); exhaustion applies FailureMode.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startLocked(ctx, "")
}

func (o *Orchestrator) startLocked(ctx context.Context, exclude string) error {
	if !o.cfg.Enabled {
		log.Print("tunnel disabled by configuration, egress posture unchanged")
		return nil
	}

	candidates, err := o.deps.Selector.Order(exclude)
	if errors.Is(err, profiles.ErrNoProfiles) {
		// A prior run may have left the kill switch engaged (exhaustion or
		// stop under fail-closed); release it before recording inactive so
		// the persisted posture matches the installed rules.
		prior, loadErr := o.deps.Store.Load()
		if loadErr != nil {
			return loadErr
		}
		if prior.PolicyState == netstate.PolicyActiveClosed {
			if err := o.deps.KillSwitch.Disengage(); err != nil {
				return &PolicyError{Err: err}
			}
		}
		log.Print("no profiles found, continuing without tunnel or kill switch")
		if saveErr := o.deps.Store.Save(state.Record{PolicyState: netstate.PolicyInactive}); saveErr != nil {
			return saveErr
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enumerate profiles: %w", err)
	}

	lanDev := o.lanDev()
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return o.interrupted(lanDev, err)
		}

		adapter, ok := o.deps.Adapters[candidate.Backend]
		if !ok {
			log.Printf("no adapter for backend %s, skipping %s", candidate.Backend, candidate.Name())
			continue
		}

		iface, err := adapter.BringUp(ctx, candidate)
		if err != nil {
			adapterErr := &AdapterError{Profile: candidate.Name(), Err: err}
			log.Print(adapterErr)
			if downErr := adapter.TearDown(candidate); downErr != nil {
				log.Printf("teardown after failed bring-up: %v", downErr)
			}
			continue
		}

		if err := o.deps.KillSwitch.Engage(o.lockdown(iface, lanDev)); err != nil {
			return &PolicyError{Err: err}
		}
		if err := o.exemptPrivate(); err != nil {
			return &PolicyError{Err: err}
		}

		if err := o.deps.Prober.Probe(ctx, iface, o.cfg.HealthURL); err != nil {
			healthErr := &HealthCheckError{Profile: candidate.Name(), Err: err}
			log.Print(healthErr)
			if clearErr := o.deps.Exemptions.Clear(); clearErr != nil {
				return &PolicyError{Err: clearErr}
			}
			if downErr := adapter.TearDown(candidate); downErr != nil {
				log.Printf("teardown after failed health check: %v", downErr)
			}
			continue
		}

		session := &netstate.Session{
			Backend:     candidate.Backend,
			Interface:   iface,
			ProfilePath: candidate.Path,
			StartedAt:   time.Now().UTC(),
		}
		if err := o.deps.Store.Save(state.Record{PolicyState: netstate.PolicyActiveClosed, Session: session}); err != nil {
			return err
		}

		if o.cfg.GatewayMode {
			if err := o.deps.Gateway.Enable(netstate.Gateway{TunnelDev: iface, LANDev: lanDev}); err != nil {
				// The session stays up and the kill switch stays engaged;
				// only the LAN sharing overlay is missing.
				return fmt.Errorf("session %s is up but gateway mode failed: %w", candidate.Name(), err)
			}
			if err := o.deps.Store.Save(state.Record{PolicyState: netstate.PolicyActiveClosed, Session: session, GatewayActive: true}); err != nil {
				return err
			}
		}

		log.Printf("tunnel session established: profile=%s interface=%s, egress posture: active-closed (tunnel only)",
			candidate.Name(), iface)
		return nil
	}

	return o.exhausted(lanDev)
}

// Stop tears the session down and leaves the FailureMode end state:
// closed keeps the kill switch engaged with no tunnel (full isolation),
// open clears it (normal egress).
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopLocked()
}

func (o *Orchestrator) stopLocked() error {
	record, err := o.deps.Store.Load()
	if err != nil {
		return err
	}
	if record.Session == nil && record.PolicyState == netstate.PolicyInactive {
		log.Print("nothing to stop, egress posture: inactive")
		return nil
	}

	lanDev := o.lanDev()
	if record.Session != nil {
		// Keyed on the persisted flag, not the current configuration:
		// NAT installed by an earlier run must come down even if gateway
		// mode has been switched off since.
		if record.GatewayActive {
			gw := netstate.Gateway{TunnelDev: record.Session.Interface, LANDev: lanDev}
			if err := o.deps.Gateway.Disable(gw); err != nil {
				return &PolicyError{Err: err}
			}
		}
		if err := o.deps.Exemptions.Clear(); err != nil {
			return &PolicyError{Err: err}
		}

		adapter, ok := o.deps.Adapters[record.Session.Backend]
		if ok {
			profile := profiles.Profile{Path: record.Session.ProfilePath, Backend: record.Session.Backend}
			if err := adapter.TearDown(profile); err != nil {
				log.Printf("session teardown: %v", err)
			}
		} else {
			log.Printf("no adapter for backend %s, interface %s left to the host",
				record.Session.Backend, record.Session.Interface)
		}
	}

	return o.applyEndState(lanDev)
}

// Rotate switches to a different profile: teardown, then a fresh start
// that excludes the retired profile on its first pass. With no current
// session it degenerates to Start.
func (o *Orchestrator) Rotate(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	record, err := o.deps.Store.Load()
	if err != nil {
		return err
	}
	if record.Session == nil {
		log.Print("rotate with no active session, starting fresh")
		return o.startLocked(ctx, "")
	}

	retired := record.Session.ProfilePath
	if err := o.stopLocked(); err != nil {
		return err
	}
	return o.startLocked(ctx, retired)
}

// Report is the read-only status view.
type Report struct {
	PolicyState     netstate.PolicyState `json:"policy_state"`
	Session         *netstate.Session    `json:"session,omitempty"`
	InterfaceUp     bool                 `json:"interface_up"`
	GatewayActive   bool                 `json:"gateway_active"`
	ExternalAddress string               `json:"external_address,omitempty"`
}

func (o *Orchestrator) Status(ctx context.Context) (Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	record, err := o.deps.Store.Load()
	if err != nil {
		return Report{}, err
	}

	report := Report{
		PolicyState:   record.PolicyState,
		Session:       record.Session,
		GatewayActive: record.GatewayActive,
	}
	if record.Session != nil {
		report.InterfaceUp = o.deps.Routes.DevExists(record.Session.Interface)
		if report.InterfaceUp {
			// Best-effort: status must not fail because the echo endpoint is down.
			if addr, addrErr := o.deps.Prober.ExternalAddress(ctx, record.Session.Interface); addrErr == nil {
				report.ExternalAddress = addr
			} else {
				log.Printf("external address lookup: %v", addrErr)
			}
		}
	}
	return report, nil
}

func (o *Orchestrator) exhausted(lanDev string) error {
	if err := o.applyEndState(lanDev); err != nil {
		return err
	}
	if o.cfg.FailureMode == netstate.FailOpen {
		return fmt.Errorf("%w: host in normal egress (fail-open)", ErrExhausted)
	}
	return fmt.Errorf("%w: host is isolated (fail-closed)", ErrExhausted)
}

// interrupted handles external cancellation mid-operation: partial state
// defaults toward the restrictive posture when failing closed.
func (o *Orchestrator) interrupted(lanDev string, cause error) error {
	if o.cfg.FailureMode == netstate.FailClosed {
		if err := o.applyEndState(lanDev); err != nil {
			return err
		}
	}
	return cause
}

func (o *Orchestrator) applyEndState(lanDev string) error {
	switch o.cfg.FailureMode {
	case netstate.FailOpen:
		if err := o.deps.KillSwitch.Disengage(); err != nil {
			return &PolicyError{Err: err}
		}
		if err := o.deps.Store.Save(state.Record{PolicyState: netstate.PolicyActiveOpen}); err != nil {
			return err
		}
		log.Print("egress posture: active-open (normal egress, no tunnel)")
	default:
		// The lockdown references the configured interface name; with no
		// live tunnel that accept matches nothing, so the host is isolated
		// except for loopback, established and private destinations.
		if err := o.deps.KillSwitch.Engage(o.lockdown(o.cfg.Interface, lanDev)); err != nil {
			return &PolicyError{Err: err}
		}
		if err := o.deps.Store.Save(state.Record{PolicyState: netstate.PolicyActiveClosed}); err != nil {
			return err
		}
		log.Print("egress posture: active-closed (host isolated, no tunnel)")
	}
	return nil
}

func (o *Orchestrator) exemptPrivate() error {
	for _, cidr := range netstate.DefaultPrivateCIDRs() {
		if _, err := o.deps.Exemptions.Add(cidr.String()); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) lockdown(tunnelDev, lanDev string) netstate.Lockdown {
	return netstate.Lockdown{
		TunnelDev:    tunnelDev,
		LANDev:       lanDev,
		PrivateCIDRs: netstate.DefaultPrivateCIDRs(),
	}
}

func (o *Orchestrator) lanDev() string {
	if o.cfg.LANDev != "" {
		return o.cfg.LANDev
	}
	dev, err := o.deps.Routes.DefaultDev()
	if err != nil {
		log.Printf("default route detection: %v", err)
		return ""
	}
	return dev
}
