package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tunguard/domain/netstate"
)

// Record is the persisted engine posture. It is what survives a process
// restart, so stop and status can act on rules installed by an earlier run.
type Record struct {
	PolicyState netstate.PolicyState `json:"policy_state"`
	Session     *netstate.Session    `json:"session,omitempty"`
	// GatewayActive records that NAT sharing was applied, so teardown is
	// keyed on what was installed rather than on the current configuration.
	GatewayActive bool      `json:"gateway_active,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save writes the record atomically: a half-written state file after a
// crash would make the next stop unable to find the installed rules.
func (s *Store) Save(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

// Load reads the persisted record. A missing file is not an error: it
// means the engine has never run (or was cleanly stopped), so the posture
// is inactive.
func (s *Store) Load() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Record{PolicyState: netstate.PolicyInactive}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read state: %w", err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("corrupt state file %s: %w", s.path, err)
	}
	if r.PolicyState == "" {
		r.PolicyState = netstate.PolicyInactive
	}
	return r, nil
}

// Clear removes the state file. Clearing an absent file is a no-op.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state: %w", err)
	}
	return nil
}
