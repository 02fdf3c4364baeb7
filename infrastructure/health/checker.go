package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"tunguard/application"
)

type Config struct {
	// Attempts per Probe call; transient failures are retried.
	Attempts   int
	RetryDelay time.Duration
	// Timeout bounds a single attempt.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Attempts:   3,
		RetryDelay: 2 * time.Second,
		Timeout:    10 * time.Second,
	}
}

// Checker verifies reachability with the socket bound to a specific
// interface (SO_BINDTODEVICE), so probes cannot succeed over whatever
// default route happens to be up.
type Checker struct {
	clock application.Clock
	cfg   Config
	// echoTarget is an ip-echo endpoint whose body is the caller's
	// public address; used by ExternalAddress.
	echoTarget string
}

func NewChecker(clock application.Clock, cfg Config, echoTarget string) application.Prober {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	return &Checker{clock: clock, cfg: cfg, echoTarget: echoTarget}
}

func (c *Checker) Probe(ctx context.Context, ifName, target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid probe target %q: %w", target, err)
	}

	var last error
	for attempt := 0; attempt < c.cfg.Attempts; attempt++ {
		if attempt > 0 {
			c.clock.Sleep(c.cfg.RetryDelay)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		switch u.Scheme {
		case "http", "https":
			last = c.probeHTTP(ctx, ifName, target)
		case "icmp":
			last = c.probeICMP(ifName, u.Host)
		default:
			return fmt.Errorf("unsupported probe scheme %q", u.Scheme)
		}
		if last == nil {
			return nil
		}
	}
	return fmt.Errorf("probe via %s failed after %d attempt(s): %w", ifName, c.cfg.Attempts, last)
}

func (c *Checker) ExternalAddress(ctx context.Context, ifName string) (string, error) {
	body, err := c.fetch(ctx, ifName, c.echoTarget)
	if err != nil {
		return "", err
	}
	addrText := strings.TrimSpace(string(body))
	if _, err := netip.ParseAddr(addrText); err != nil {
		return "", fmt.Errorf("endpoint %s returned %q, not an address", c.echoTarget, addrText)
	}
	return addrText, nil
}

func (c *Checker) probeHTTP(ctx context.Context, ifName, target string) error {
	_, err := c.fetch(ctx, ifName, target)
	return err
}

func (c *Checker) fetch(ctx context.Context, ifName, target string) ([]byte, error) {
	client := &http.Client{
		Timeout: c.cfg.Timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: c.cfg.Timeout,
				Control: bindToDevice(ifName),
			}).DialContext,
			DisableKeepAlives: true,
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", target, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s via %s: %w", target, ifName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		return nil, fmt.Errorf("endpoint %s returned status %d", target, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", target, err)
	}
	return body, nil
}

// probeICMP sends one echo request and waits for the reply. Needs either
// root or a net.ipv4.ping_group_range covering the process.
func (c *Checker) probeICMP(ifName, host string) error {
	dst, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", host, err)
	}

	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return fmt.Errorf("failed to open icmp socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if ifName != "" {
		if err := bindPacketConnToDevice(conn, ifName); err != nil {
			return err
		}
	}

	echo := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xFFFF,
			Seq:  1,
			Data: []byte("tunguard-health"),
		},
	}
	payload, err := echo.Marshal(nil)
	if err != nil {
		return fmt.Errorf("failed to marshal echo request: %w", err)
	}
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return fmt.Errorf("failed to send echo to %s via %s: %w", host, ifName, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	reply := make([]byte, 1500)
	n, _, err := conn.ReadFrom(reply)
	if err != nil {
		return fmt.Errorf("no echo reply from %s via %s: %w", host, ifName, err)
	}
	msg, err := icmp.ParseMessage(int(unix.IPPROTO_ICMP), reply[:n])
	if err != nil {
		return fmt.Errorf("failed to parse echo reply: %w", err)
	}
	if msg.Type != ipv4.ICMPTypeEchoReply {
		return fmt.Errorf("unexpected icmp reply type %v from %s", msg.Type, host)
	}
	return nil
}

func bindToDevice(ifName string) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, rawConn syscall.RawConn) error {
		if ifName == "" {
			return nil
		}
		var sockoptErr error
		if err := rawConn.Control(func(fd uintptr) {
			sockoptErr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifName)
		}); err != nil {
			return err
		}
		if sockoptErr != nil {
			return fmt.Errorf("failed to bind socket to %s: %w", ifName, sockoptErr)
		}
		return nil
	}
}

func bindPacketConnToDevice(conn net.PacketConn, ifName string) error {
	sysConn, ok := conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("icmp socket does not expose a raw descriptor")
	}
	rawConn, err := sysConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("failed to access icmp socket: %w", err)
	}
	return bindToDevice(ifName)("", "", rawConn)
}
