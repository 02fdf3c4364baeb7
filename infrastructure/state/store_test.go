package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tunguard/domain/netstate"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "nested", "state.json"))
}

func TestStore_SaveLoad(t *testing.T) {
	s := testStore(t)
	saved := Record{
		PolicyState: netstate.PolicyActiveClosed,
		Session: &netstate.Session{
			Backend:     netstate.BackendWireguard,
			Interface:   "wg0",
			ProfilePath: "/etc/tunguard/profiles/de-1.conf",
			StartedAt:   time.Unix(1700000000, 0).UTC(),
		},
		GatewayActive: true,
	}
	if err := s.Save(saved); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.PolicyState != netstate.PolicyActiveClosed {
		t.Errorf("PolicyState = %v", loaded.PolicyState)
	}
	if loaded.Session == nil || loaded.Session.Interface != "wg0" {
		t.Errorf("Session = %+v", loaded.Session)
	}
	if !loaded.GatewayActive {
		t.Error("GatewayActive not round-tripped")
	}
	if loaded.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped on save")
	}
}

func TestStore_SaveIsPrivate(t *testing.T) {
	s := testStore(t)
	if err := s.Save(Record{PolicyState: netstate.PolicyActiveOpen}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("state file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestStore_LoadMissingFile(t *testing.T) {
	s := testStore(t)
	r, err := s.Load()
	if err != nil {
		t.Fatalf("Load() with no file = %v, want nil", err)
	}
	if r.PolicyState != netstate.PolicyInactive {
		t.Errorf("PolicyState = %v, want inactive", r.PolicyState)
	}
	if r.Session != nil {
		t.Errorf("Session = %+v, want nil", r.Session)
	}
}

func TestStore_LoadCorruptFile(t *testing.T) {
	s := testStore(t)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); err == nil {
		t.Error("expected error for corrupt state file")
	}
}

func TestStore_Clear(t *testing.T) {
	s := testStore(t)
	if err := s.Save(Record{PolicyState: netstate.PolicyActiveClosed}); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := os.Stat(s.path); !os.IsNotExist(err) {
		t.Error("state file not removed")
	}
	// Clearing again is a no-op.
	if err := s.Clear(); err != nil {
		t.Errorf("Clear() with no file = %v, want nil", err)
	}
}
