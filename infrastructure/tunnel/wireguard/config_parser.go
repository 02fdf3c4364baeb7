package wireguard

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// Config holds the fields of a wg-quick .conf file the engine cares about.
// The file itself is handed to wg-quick verbatim; parsing exists to validate
// the profile and to log a stable identity before bringing the link up.
type Config struct {
	// PublicKey is derived from the [Interface] private key.
	PublicKey string
	Addresses []netip.Prefix
	DNS       []netip.Addr
	MTU       int
	// Endpoints are the [Peer] Endpoint values as written (may be hostnames).
	Endpoints []string
	PeerKeys  []string
}

// ParseConfigFile reads a wg-quick configuration and validates that it
// carries a usable identity: an [Interface] private key and at least one
// [Peer] with a public key.
func ParseConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()

	cfg := &Config{MTU: 1420}
	section := ""
	privateKeySeen := false

	firstLine := true
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if firstLine {
			line = strings.TrimPrefix(line, "\xEF\xBB\xBF")
			firstLine = false
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			section = strings.ToLower(strings.Trim(line, "[] "))
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch section {
		case "interface":
			if err := parseInterfaceKey(key, value, cfg, &privateKeySeen); err != nil {
				return nil, fmt.Errorf("[Interface] %s: %w", key, err)
			}
		case "peer":
			if err := parsePeerKey(key, value, cfg); err != nil {
				return nil, fmt.Errorf("[Peer] %s: %w", key, err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if !privateKeySeen {
		return nil, fmt.Errorf("profile %s has no [Interface] PrivateKey", path)
	}
	if len(cfg.PeerKeys) == 0 {
		return nil, fmt.Errorf("profile %s has no [Peer] PublicKey", path)
	}
	return cfg, nil
}

func parseInterfaceKey(key, value string, cfg *Config, privateKeySeen *bool) error {
	switch strings.ToLower(key) {
	case "privatekey":
		pub, err := derivePublicKey(value)
		if err != nil {
			return err
		}
		cfg.PublicKey = pub
		*privateKeySeen = true
	case "address":
		for _, s := range splitCSV(value) {
			prefix, err := netip.ParsePrefix(s)
			if err != nil {
				addr, addrErr := netip.ParseAddr(s)
				if addrErr != nil {
					return fmt.Errorf("invalid address %q", s)
				}
				prefix = netip.PrefixFrom(addr, addr.BitLen())
			}
			cfg.Addresses = append(cfg.Addresses, prefix)
		}
	case "dns":
		for _, s := range splitCSV(value) {
			// DNS may list search domains; keep only literal addresses.
			if addr, err := netip.ParseAddr(s); err == nil {
				cfg.DNS = append(cfg.DNS, addr)
			}
		}
	case "mtu":
		var mtu int
		if _, err := fmt.Sscanf(value, "%d", &mtu); err != nil {
			return fmt.Errorf("invalid MTU %q", value)
		}
		cfg.MTU = mtu
	}
	return nil
}

func parsePeerKey(key, value string, cfg *Config) error {
	switch strings.ToLower(key) {
	case "publickey":
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil || len(raw) != curve25519.PointSize {
			return fmt.Errorf("invalid peer public key %q", value)
		}
		cfg.PeerKeys = append(cfg.PeerKeys, value)
	case "endpoint":
		cfg.Endpoints = append(cfg.Endpoints, value)
	}
	return nil
}

func derivePublicKey(privateB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(privateB64)
	if err != nil {
		return "", fmt.Errorf("invalid base64 private key: %w", err)
	}
	if len(raw) != curve25519.ScalarSize {
		return "", fmt.Errorf("private key is %d bytes, want %d", len(raw), curve25519.ScalarSize)
	}
	pub, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
