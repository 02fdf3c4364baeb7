package openvpn

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tunguard/application"
	"tunguard/infrastructure/PAL"
	"tunguard/infrastructure/PAL/linux/network_tools/ip"
	"tunguard/settings/profiles"
)

const (
	// How long to wait for the tun device after the daemon detaches.
	linkWaitTimeout = 30 * time.Second
	linkWaitStep    = 500 * time.Millisecond
)

// Adapter runs the openvpn daemon against a selected .ovpn profile.
// The daemon detaches immediately, so bring-up polls for the tun device
// and teardown signals the PID the daemon wrote.
type Adapter struct {
	commander PAL.Commander
	ip        ip.Contract
	clock     application.Clock
	iface     string
	runDir    string
	// CredentialsFile, when set, is passed via --auth-user-pass for
	// profiles that reference stored credentials.
	credentialsFile string

	// overridable in tests
	kill func(pid int, sig syscall.Signal) error
}

func NewAdapter(commander PAL.Commander, ipContract ip.Contract, clock application.Clock, iface, credentialsFile string) application.TunnelAdapter {
	return &Adapter{
		commander:       commander,
		ip:              ipContract,
		clock:           clock,
		iface:           iface,
		runDir:          "/run/tunguard",
		credentialsFile: credentialsFile,
		kill:            syscall.Kill,
	}
}

func (a *Adapter) InterfaceName(_ profiles.Profile) string {
	return a.iface
}

func (a *Adapter) BringUp(ctx context.Context, profile profiles.Profile) (string, error) {
	if profile.RequiresCredentials && a.credentialsFile == "" {
		return "", fmt.Errorf("profile %s requires stored credentials but none are configured", profile.Name())
	}

	// Kill any daemon a previous run left behind before starting a new one.
	if err := a.TearDown(profile); err != nil {
		log.Printf("stale openvpn teardown: %v", err)
	}

	if err := os.MkdirAll(a.runDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", a.runDir, err)
	}

	args := []string{
		"--config", profile.Path,
		"--dev", a.iface,
		"--daemon",
		"--writepid", a.pidPath(),
	}
	if profile.RequiresCredentials {
		args = append(args, "--auth-user-pass", a.credentialsFile)
	}
	if output, err := a.commander.CombinedOutput("openvpn", args...); err != nil {
		return "", fmt.Errorf("failed to start openvpn for %s: %v, output: %s", profile.Name(), err, output)
	}

	if err := a.waitForLink(ctx); err != nil {
		// The daemon is running but the link never appeared; do not leave
		// it around for the next candidate.
		if downErr := a.TearDown(profile); downErr != nil {
			log.Printf("teardown after failed bring-up: %v", downErr)
		}
		return "", err
	}

	log.Printf("openvpn link %s is up: profile %s", a.iface, profile.Name())
	return a.iface, nil
}

func (a *Adapter) waitForLink(ctx context.Context) error {
	deadline := a.clock.Now().Add(linkWaitTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if a.ip.LinkExists(a.iface) {
			return nil
		}
		if a.clock.Now().After(deadline) {
			return fmt.Errorf("interface %s did not appear within %s", a.iface, linkWaitTimeout)
		}
		a.clock.Sleep(linkWaitStep)
	}
}

// TearDown terminates the daemon via its pidfile. A missing or stale
// pidfile means there is nothing to stop.
func (a *Adapter) TearDown(_ profiles.Profile) error {
	data, err := os.ReadFile(a.pidPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read pidfile: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		_ = os.Remove(a.pidPath())
		return fmt.Errorf("malformed pidfile %s: %w", a.pidPath(), err)
	}

	if err := a.kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("failed to signal openvpn pid %d: %w", pid, err)
	}
	if err := os.Remove(a.pidPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

func (a *Adapter) pidPath() string {
	return filepath.Join(a.runDir, "openvpn-"+a.iface+".pid")
}
