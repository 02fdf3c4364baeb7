package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"tunguard/application"
	"tunguard/domain/netstate"
	"tunguard/infrastructure/state"
	"tunguard/settings/profiles"
)

type fakeAdapter struct {
	iface     string
	failPaths map[string]error
	upPaths   []string
	downPaths []string
}

func (f *fakeAdapter) BringUp(_ context.Context, p profiles.Profile) (string, error) {
	if err := f.failPaths[p.Path]; err != nil {
		return "", err
	}
	f.upPaths = append(f.upPaths, p.Path)
	return f.iface, nil
}

func (f *fakeAdapter) TearDown(p profiles.Profile) error {
	f.downPaths = append(f.downPaths, p.Path)
	return nil
}

func (f *fakeAdapter) InterfaceName(profiles.Profile) string { return f.iface }

type fakeKillSwitch struct {
	engaged    bool
	engagedDev string
	engageErr  error
	engages    int
}

func (f *fakeKillSwitch) Engage(l netstate.Lockdown) error {
	if f.engageErr != nil {
		return f.engageErr
	}
	f.engaged = true
	f.engagedDev = l.TunnelDev
	f.engages++
	return nil
}

func (f *fakeKillSwitch) Disengage() error {
	f.engaged = false
	return nil
}

type fakeGateway struct {
	active    bool
	enableErr error
}

func (f *fakeGateway) Enable(netstate.Gateway) error {
	if f.enableErr != nil {
		return f.enableErr
	}
	f.active = true
	return nil
}

func (f *fakeGateway) Disable(netstate.Gateway) error {
	f.active = false
	return nil
}

type fakeExemptions struct {
	added  []string
	clears int
}

func (f *fakeExemptions) Add(cidr string) (int, error) {
	f.added = append(f.added, cidr)
	return 17100 + len(f.added), nil
}

func (f *fakeExemptions) Clear() error {
	f.clears++
	return nil
}

type fakeSelector struct {
	list     []profiles.Profile
	err      error
	excludes []string
}

func (f *fakeSelector) Order(exclude string) ([]profiles.Profile, error) {
	f.excludes = append(f.excludes, exclude)
	if f.err != nil {
		return nil, f.err
	}
	return f.list, nil
}

type fakeProber struct {
	probeErrs []error // consumed per call; empty queue means success
	probes    int
	addr      string
}

func (f *fakeProber) Probe(context.Context, string, string) error {
	f.probes++
	if len(f.probeErrs) > 0 {
		err := f.probeErrs[0]
		f.probeErrs = f.probeErrs[1:]
		return err
	}
	return nil
}

func (f *fakeProber) ExternalAddress(context.Context, string) (string, error) {
	if f.addr == "" {
		return "", errors.New("echo endpoint unreachable")
	}
	return f.addr, nil
}

type fakeRoutes struct {
	defaultDev string
	linkUp     bool
}

func (f *fakeRoutes) DefaultDev() (string, error)           { return f.defaultDev, nil }
func (f *fakeRoutes) DevExists(string) bool                 { return f.linkUp }
func (f *fakeRoutes) ExemptDestination(string, int) error   { return nil }
func (f *fakeRoutes) ClearExemption(string, int) error      { return nil }
func (f *fakeRoutes) ListExemptions() (map[int]string, error) { return nil, nil }

type harness struct {
	orch       *Orchestrator
	adapter    *fakeAdapter
	killSwitch *fakeKillSwitch
	gateway    *fakeGateway
	exemptions *fakeExemptions
	selector   *fakeSelector
	prober     *fakeProber
	store      *state.Store
	deps       Deps
}

// restart builds a second orchestrator over the same fakes and store, as
// after a process restart with possibly different configuration.
func (h *harness) restart(cfg Config) *Orchestrator {
	return NewOrchestrator(cfg, h.deps)
}

func wgProfile(path string) profiles.Profile {
	return profiles.Profile{Path: path, Backend: netstate.BackendWireguard}
}

func newHarness(t *testing.T, cfg Config, candidates ...profiles.Profile) *harness {
	t.Helper()
	h := &harness{
		adapter:    &fakeAdapter{iface: "wg0", failPaths: map[string]error{}},
		killSwitch: &fakeKillSwitch{},
		gateway:    &fakeGateway{},
		exemptions: &fakeExemptions{},
		selector:   &fakeSelector{list: candidates},
		prober:     &fakeProber{addr: "198.51.100.7"},
		store:      state.NewStore(filepath.Join(t.TempDir(), "state.json")),
	}
	h.deps = Deps{
		Adapters: map[netstate.Backend]application.TunnelAdapter{
			netstate.BackendWireguard: h.adapter,
			netstate.BackendOpenvpn:   h.adapter,
		},
		KillSwitch: h.killSwitch,
		Gateway:    h.gateway,
		Exemptions: h.exemptions,
		Selector:   h.selector,
		Prober:     h.prober,
		Routes:     &fakeRoutes{defaultDev: "eth0", linkUp: true},
		Store:      h.store,
	}
	h.orch = NewOrchestrator(cfg, h.deps)
	return h
}

func defaultConfig() Config {
	return Config{
		Enabled:     true,
		FailureMode: netstate.FailClosed,
		HealthURL:   "https://checkip.amazonaws.com",
		Interface:   "tun0",
	}
}

func TestStart_ScenarioA_AdvancesPastBadCandidate(t *testing.T) {
	bad := wgProfile("/p/bad.conf")
	good := wgProfile("/p/good.conf")
	h := newHarness(t, defaultConfig(), bad, good)
	h.adapter.failPaths[bad.Path] = errors.New("handshake timeout")

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	record, err := h.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if record.PolicyState != netstate.PolicyActiveClosed {
		t.Errorf("PolicyState = %v, want active-closed", record.PolicyState)
	}
	if record.Session == nil || record.Session.ProfilePath != good.Path {
		t.Errorf("Session = %+v, want profile %s", record.Session, good.Path)
	}
	if !h.killSwitch.engaged || h.killSwitch.engagedDev != "wg0" {
		t.Errorf("kill switch engaged=%v dev=%s, want engaged around wg0",
			h.killSwitch.engaged, h.killSwitch.engagedDev)
	}
	if len(h.exemptions.added) == 0 {
		t.Error("no private-range exemptions installed")
	}
}

func TestStart_ScenarioB_NoProfilesIsSuccess(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.selector.err = profiles.ErrNoProfiles

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() with no profiles = %v, want nil", err)
	}
	record, _ := h.store.Load()
	if record.PolicyState != netstate.PolicyInactive {
		t.Errorf("PolicyState = %v, want inactive", record.PolicyState)
	}
	if h.killSwitch.engaged {
		t.Error("kill switch engaged although no profiles exist")
	}
}

func TestStart_NoProfilesReleasesStaleLockdown(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.selector.err = profiles.ErrNoProfiles
	// A previous run exhausted its candidates under fail-closed: the kill
	// switch is engaged and the persisted posture says so.
	h.killSwitch.engaged = true
	h.killSwitch.engagedDev = "tun0"
	if err := h.store.Save(state.Record{PolicyState: netstate.PolicyActiveClosed}); err != nil {
		t.Fatal(err)
	}

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() with no profiles = %v, want nil", err)
	}
	if h.killSwitch.engaged {
		t.Error("kill switch still engaged while the posture is recorded inactive")
	}
	record, _ := h.store.Load()
	if record.PolicyState != netstate.PolicyInactive {
		t.Errorf("PolicyState = %v, want inactive", record.PolicyState)
	}
}

func TestStart_ExemptsPrivateRangesBothFamilies(t *testing.T) {
	h := newHarness(t, defaultConfig(), wgProfile("/p/a.conf"))
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	added := map[string]bool{}
	for _, cidr := range h.exemptions.added {
		added[cidr] = true
	}
	for _, want := range []string{"10.0.0.0/8", "192.168.0.0/16", "fc00::/7", "fe80::/10"} {
		if !added[want] {
			t.Errorf("private range %s not exempted, added = %v", want, h.exemptions.added)
		}
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	cfg := defaultConfig()
	cfg.Enabled = false
	h := newHarness(t, cfg, wgProfile("/p/a.conf"))

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() disabled = %v, want nil", err)
	}
	if len(h.selector.excludes) != 0 {
		t.Error("selector consulted although tunnel is disabled")
	}
}

func TestStart_ExhaustionFailClosed(t *testing.T) {
	a := wgProfile("/p/a.conf")
	b := wgProfile("/p/b.conf")
	h := newHarness(t, defaultConfig(), a, b)
	h.adapter.failPaths[a.Path] = errors.New("timeout")
	h.adapter.failPaths[b.Path] = errors.New("timeout")

	err := h.orch.Start(context.Background())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Start() error = %v, want ErrExhausted", err)
	}
	if !h.killSwitch.engaged || h.killSwitch.engagedDev != "tun0" {
		t.Errorf("isolation lockdown engaged=%v dev=%s, want engaged around configured tun0",
			h.killSwitch.engaged, h.killSwitch.engagedDev)
	}
	record, _ := h.store.Load()
	if record.PolicyState != netstate.PolicyActiveClosed || record.Session != nil {
		t.Errorf("record = %+v, want active-closed with no session", record)
	}
}

func TestStart_ExhaustionFailOpen(t *testing.T) {
	a := wgProfile("/p/a.conf")
	cfg := defaultConfig()
	cfg.FailureMode = netstate.FailOpen
	h := newHarness(t, cfg, a)
	h.adapter.failPaths[a.Path] = errors.New("timeout")

	err := h.orch.Start(context.Background())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Start() error = %v, want ErrExhausted", err)
	}
	if h.killSwitch.engaged {
		t.Error("kill switch engaged under fail-open")
	}
	record, _ := h.store.Load()
	if record.PolicyState != netstate.PolicyActiveOpen {
		t.Errorf("PolicyState = %v, want active-open", record.PolicyState)
	}
}

func TestStart_HealthFailureAdvances(t *testing.T) {
	a := wgProfile("/p/a.conf")
	b := wgProfile("/p/b.conf")
	h := newHarness(t, defaultConfig(), a, b)
	h.prober.probeErrs = []error{errors.New("probe timeout")}

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(h.adapter.downPaths) != 1 || h.adapter.downPaths[0] != a.Path {
		t.Errorf("teardowns = %v, want unhealthy candidate %s torn down", h.adapter.downPaths, a.Path)
	}
	if h.exemptions.clears != 1 {
		t.Errorf("exemption clears = %d, want 1 (after failed probe)", h.exemptions.clears)
	}
	record, _ := h.store.Load()
	if record.Session == nil || record.Session.ProfilePath != b.Path {
		t.Errorf("Session = %+v, want %s", record.Session, b.Path)
	}
}

func TestStart_PolicyErrorIsFatal(t *testing.T) {
	a := wgProfile("/p/a.conf")
	b := wgProfile("/p/b.conf")
	h := newHarness(t, defaultConfig(), a, b)
	h.killSwitch.engageErr = errors.New("netlink: permission denied")

	err := h.orch.Start(context.Background())
	var policyErr *PolicyError
	if !errors.As(err, &policyErr) {
		t.Fatalf("Start() error = %v, want PolicyError", err)
	}
	if len(h.adapter.upPaths) != 1 {
		t.Errorf("bring-ups = %v, want no advance past a policy failure", h.adapter.upPaths)
	}
}

func TestStop_ScenarioC(t *testing.T) {
	a := wgProfile("/p/a.conf")
	h := newHarness(t, defaultConfig(), a)
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := h.orch.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(h.adapter.downPaths) != 1 || h.adapter.downPaths[0] != a.Path {
		t.Errorf("teardowns = %v, want session profile", h.adapter.downPaths)
	}
	if !h.killSwitch.engaged || h.killSwitch.engagedDev != "tun0" {
		t.Error("fail-closed stop must leave the host isolated")
	}
	record, _ := h.store.Load()
	if record.PolicyState != netstate.PolicyActiveClosed || record.Session != nil {
		t.Errorf("record = %+v, want active-closed with no session", record)
	}
}

func TestStop_FailOpenClearsPolicy(t *testing.T) {
	a := wgProfile("/p/a.conf")
	cfg := defaultConfig()
	cfg.FailureMode = netstate.FailOpen
	h := newHarness(t, cfg, a)
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := h.orch.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if h.killSwitch.engaged {
		t.Error("kill switch still engaged after fail-open stop")
	}
	record, _ := h.store.Load()
	if record.PolicyState != netstate.PolicyActiveOpen {
		t.Errorf("PolicyState = %v, want active-open", record.PolicyState)
	}
}

func TestStop_NothingToStop(t *testing.T) {
	h := newHarness(t, defaultConfig())
	if err := h.orch.Stop(); err != nil {
		t.Errorf("Stop() with nothing running = %v, want nil", err)
	}
	if h.killSwitch.engaged {
		t.Error("kill switch engaged by a no-op stop")
	}
}

func TestGatewayMode_LifecycleOrdering(t *testing.T) {
	a := wgProfile("/p/a.conf")
	cfg := defaultConfig()
	cfg.GatewayMode = true
	h := newHarness(t, cfg, a)

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !h.gateway.active {
		t.Fatal("gateway not enabled in gateway mode")
	}
	record, _ := h.store.Load()
	if !record.GatewayActive {
		t.Error("gateway activation not persisted")
	}

	if err := h.orch.Stop(); err != nil {
		t.Fatal(err)
	}
	if h.gateway.active {
		t.Error("gateway still active after stop")
	}
	record, _ = h.store.Load()
	if record.GatewayActive {
		t.Error("gateway flag still persisted after stop")
	}
}

func TestStop_DisablesGatewayAfterConfigFlip(t *testing.T) {
	a := wgProfile("/p/a.conf")
	cfg := defaultConfig()
	cfg.GatewayMode = true
	h := newHarness(t, cfg, a)
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Gateway mode switched off between runs: the NAT installed by the
	// earlier run must still come down.
	flipped := defaultConfig()
	if err := h.restart(flipped).Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if h.gateway.active {
		t.Error("NAT rules leaked after gateway mode was switched off")
	}
}

func TestStatus_GatewayFromPersistedRecord(t *testing.T) {
	a := wgProfile("/p/a.conf")
	cfg := defaultConfig()
	cfg.GatewayMode = true
	h := newHarness(t, cfg, a)
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	report, err := h.restart(cfg).Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !report.GatewayActive {
		t.Error("GatewayActive = false after restart, want true from the record")
	}
}

func TestRotate_ExcludesRetiredProfile(t *testing.T) {
	a := wgProfile("/p/a.conf")
	b := wgProfile("/p/b.conf")
	h := newHarness(t, defaultConfig(), a, b)
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := h.orch.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if len(h.selector.excludes) != 2 {
		t.Fatalf("selector consulted %d times, want 2", len(h.selector.excludes))
	}
	if h.selector.excludes[1] != a.Path {
		t.Errorf("rotate exclude = %q, want retired profile %s", h.selector.excludes[1], a.Path)
	}
}

func TestRotate_NoSessionBehavesLikeStart(t *testing.T) {
	a := wgProfile("/p/a.conf")
	h := newHarness(t, defaultConfig(), a)

	if err := h.orch.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate() with no session = %v", err)
	}
	if len(h.selector.excludes) != 1 || h.selector.excludes[0] != "" {
		t.Errorf("excludes = %v, want one unexcluded ordering", h.selector.excludes)
	}
	record, _ := h.store.Load()
	if record.Session == nil {
		t.Error("no session established")
	}
}

func TestStatus(t *testing.T) {
	a := wgProfile("/p/a.conf")
	h := newHarness(t, defaultConfig(), a)
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	report, err := h.orch.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if report.PolicyState != netstate.PolicyActiveClosed {
		t.Errorf("PolicyState = %v", report.PolicyState)
	}
	if report.Session == nil || report.Session.Interface != "wg0" {
		t.Errorf("Session = %+v", report.Session)
	}
	if !report.InterfaceUp {
		t.Error("InterfaceUp = false, want true")
	}
	if report.ExternalAddress != "198.51.100.7" {
		t.Errorf("ExternalAddress = %q", report.ExternalAddress)
	}
}

func TestStatus_ExternalAddressIsBestEffort(t *testing.T) {
	a := wgProfile("/p/a.conf")
	h := newHarness(t, defaultConfig(), a)
	h.prober.addr = ""
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	report, err := h.orch.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if report.ExternalAddress != "" {
		t.Errorf("ExternalAddress = %q, want empty on lookup failure", report.ExternalAddress)
	}
}

func TestStart_CancelledContextFailsClosed(t *testing.T) {
	a := wgProfile("/p/a.conf")
	h := newHarness(t, defaultConfig(), a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.orch.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Start() error = %v, want context.Canceled", err)
	}
	if !h.killSwitch.engaged {
		t.Error("interrupted fail-closed start left the host unprotected")
	}
}
