package settings

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"tunguard/domain/netstate"
)

const (
	DefaultProfileDir = "/etc/tunguard/profiles"
	DefaultStateFile  = "/var/lib/tunguard/state.json"
	DefaultHealthURL  = "https://checkip.amazonaws.com"
	DefaultInterface  = "tun0"
)

// Settings is the engine configuration. Values come from an optional YAML
// file (TUNGUARD_CONFIG) with environment variables taking precedence.
type Settings struct {
	// Enabled gates the whole engine: when false, start is a no-op success.
	Enabled bool `yaml:"enabled"`
	// Backend restricts candidate profiles to one variant; empty means both.
	Backend string `yaml:"backend"`
	// FailureMode decides the egress posture when all candidates fail.
	FailureMode netstate.FailureMode `yaml:"failure_mode"`
	// HealthURL is probed through the tunnel interface after bring-up.
	HealthURL string `yaml:"health_url"`
	// GatewayMode turns the host into a NAT gateway for the LAN.
	GatewayMode bool `yaml:"gateway_mode"`
	// CredentialFile is passed to the session-based backend when a profile
	// requires stored credentials.
	CredentialFile string `yaml:"credential_file"`
	// ProfileDir holds one file per candidate profile.
	ProfileDir string `yaml:"profile_dir"`
	// Interface names the virtual interface for the session-based backend.
	Interface string `yaml:"interface"`
	// LANDev overrides default-route interface detection when set.
	LANDev string `yaml:"lan_dev"`
	// StateFile persists the active session and policy state.
	StateFile string `yaml:"state_file"`

	// ControlAddr enables the HTTP control surface when non-empty.
	ControlAddr  string `yaml:"control_addr"`
	ControlToken string `yaml:"control_token"`
}

func defaults() Settings {
	return Settings{
		Enabled:     true,
		FailureMode: netstate.FailClosed,
		HealthURL:   DefaultHealthURL,
		ProfileDir:  DefaultProfileDir,
		Interface:   DefaultInterface,
		StateFile:   DefaultStateFile,
	}
}

// Load builds Settings from the optional YAML file and the environment.
func Load() (Settings, error) {
	s := defaults()

	if path := os.Getenv("TUNGUARD_CONFIG"); path != "" {
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return Settings{}, fmt.Errorf("failed to read configuration file %s: %v", path, readErr)
		}
		if unmarshalErr := yaml.Unmarshal(raw, &s); unmarshalErr != nil {
			return Settings{}, fmt.Errorf("failed to parse configuration file %s: %v", path, unmarshalErr)
		}
	}

	if err := s.applyEnv(); err != nil {
		return Settings{}, err
	}
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) applyEnv() error {
	if v, ok := os.LookupEnv("TUNGUARD_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid TUNGUARD_ENABLED %q: %v", v, err)
		}
		s.Enabled = enabled
	}
	if v, ok := os.LookupEnv("TUNGUARD_GATEWAY_MODE"); ok {
		gateway, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid TUNGUARD_GATEWAY_MODE %q: %v", v, err)
		}
		s.GatewayMode = gateway
	}
	if v, ok := os.LookupEnv("TUNGUARD_FAILURE_MODE"); ok {
		mode, err := netstate.ParseFailureMode(v)
		if err != nil {
			return err
		}
		s.FailureMode = mode
	}

	for env, field := range map[string]*string{
		"TUNGUARD_BACKEND":       &s.Backend,
		"TUNGUARD_HEALTH_URL":    &s.HealthURL,
		"TUNGUARD_CREDENTIALS":   &s.CredentialFile,
		"TUNGUARD_PROFILE_DIR":   &s.ProfileDir,
		"TUNGUARD_INTERFACE":     &s.Interface,
		"TUNGUARD_LAN_DEV":       &s.LANDev,
		"TUNGUARD_STATE_FILE":    &s.StateFile,
		"TUNGUARD_CONTROL_ADDR":  &s.ControlAddr,
		"TUNGUARD_CONTROL_TOKEN": &s.ControlToken,
	} {
		if v, ok := os.LookupEnv(env); ok {
			*field = v
		}
	}
	return nil
}

func (s *Settings) validate() error {
	// "auto" means no restriction, same as leaving the key unset.
	if s.Backend == "auto" {
		s.Backend = ""
	}
	if s.Backend != "" {
		if _, err := netstate.ParseBackend(s.Backend); err != nil {
			return err
		}
	}
	if _, err := netstate.ParseFailureMode(string(s.FailureMode)); err != nil {
		return err
	}
	if s.ControlAddr != "" && s.ControlToken == "" {
		return fmt.Errorf("control surface enabled on %s but TUNGUARD_CONTROL_TOKEN is empty", s.ControlAddr)
	}
	return nil
}
