package wireguard

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"tunguard/application"
	"tunguard/infrastructure/PAL"
	"tunguard/settings/profiles"
)

// Adapter drives the kernel WireGuard implementation through wg-quick.
// The selected profile is installed under confDir as <iface>.conf so that
// wg-quick resolves it by interface name.
type Adapter struct {
	commander PAL.Commander
	iface     string
	confDir   string
}

func NewAdapter(commander PAL.Commander, iface string) application.TunnelAdapter {
	return &Adapter{
		commander: commander,
		iface:     iface,
		confDir:   "/etc/wireguard",
	}
}

func (a *Adapter) InterfaceName(_ profiles.Profile) string {
	return a.iface
}

func (a *Adapter) BringUp(ctx context.Context, profile profiles.Profile) (string, error) {
	cfg, err := ParseConfigFile(profile.Path)
	if err != nil {
		return "", fmt.Errorf("failed to parse profile %s: %w", profile.Name(), err)
	}

	data, err := os.ReadFile(profile.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read profile %s: %w", profile.Name(), err)
	}
	if err := os.MkdirAll(a.confDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", a.confDir, err)
	}
	if err := os.WriteFile(a.installedPath(), data, 0o600); err != nil {
		return "", fmt.Errorf("failed to install profile %s: %w", profile.Name(), err)
	}

	// A previous run may have left the link up; tear it down first so
	// wg-quick up starts from a clean slate.
	if output, downErr := a.commander.CombinedOutput("wg-quick", "down", a.iface); downErr != nil {
		if !isBenignLinkError(fmt.Errorf("%v, output: %s", downErr, output)) {
			log.Printf("stale %s teardown: %v, output: %s", a.iface, downErr, output)
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if output, err := a.commander.CombinedOutput("wg-quick", "up", a.iface); err != nil {
		return "", fmt.Errorf("failed to bring up %s: %v, output: %s", a.iface, err, output)
	}

	log.Printf("wireguard link %s is up: profile %s, identity %s, %d peer(s)",
		a.iface, profile.Name(), cfg.PublicKey, len(cfg.PeerKeys))
	return a.iface, nil
}

func (a *Adapter) TearDown(_ profiles.Profile) error {
	if output, err := a.commander.CombinedOutput("wg-quick", "down", a.iface); err != nil {
		wrapped := fmt.Errorf("failed to bring down %s: %v, output: %s", a.iface, err, output)
		if !isBenignLinkError(wrapped) {
			return wrapped
		}
	}
	if err := os.Remove(a.installedPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove installed profile: %w", err)
	}
	return nil
}

func (a *Adapter) installedPath() string {
	return filepath.Join(a.confDir, a.iface+".conf")
}

func isBenignLinkError(err error) bool {
	if err == nil {
		return false
	}
	errString := strings.ToLower(err.Error())
	for _, marker := range []string{
		"is not a wireguard interface",
		"does not exist",
		"cannot find device",
		"no such file or directory",
	} {
		if strings.Contains(errString, marker) {
			return true
		}
	}
	return false
}
