package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

func testChecker(clock *fakeClock, echoTarget string) *Checker {
	return &Checker{
		clock:      clock,
		cfg:        Config{Attempts: 3, RetryDelay: 2 * time.Second, Timeout: 5 * time.Second},
		echoTarget: echoTarget,
	}
}

// The loopback tests pass an empty interface name: binding is skipped and
// the HTTP path is exercised end to end against httptest.

func TestChecker_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("203.0.113.9\n"))
	}))
	defer srv.Close()

	c := testChecker(&fakeClock{}, "")
	if err := c.Probe(context.Background(), "", srv.URL); err != nil {
		t.Errorf("Probe() error = %v", err)
	}
}

func TestChecker_Probe_RetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clock := &fakeClock{}
	c := testChecker(clock, "")
	if err := c.Probe(context.Background(), "", srv.URL); err != nil {
		t.Fatalf("Probe() error = %v after retries", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("endpoint hit %d times, want 3", got)
	}
	if len(clock.sleeps) != 2 {
		t.Errorf("slept %d times between attempts, want 2", len(clock.sleeps))
	}
}

func TestChecker_Probe_ExhaustsAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testChecker(&fakeClock{}, "")
	if err := c.Probe(context.Background(), "", srv.URL); err == nil {
		t.Error("expected error after all attempts fail")
	}
}

func TestChecker_Probe_UnsupportedScheme(t *testing.T) {
	c := testChecker(&fakeClock{}, "")
	if err := c.Probe(context.Background(), "", "ftp://example.com"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestChecker_Probe_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := testChecker(&fakeClock{}, "")
	if err := c.Probe(ctx, "", srv.URL); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestChecker_ExternalAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("  198.51.100.7\n"))
	}))
	defer srv.Close()

	c := testChecker(&fakeClock{}, srv.URL)
	addr, err := c.ExternalAddress(context.Background(), "")
	if err != nil {
		t.Fatalf("ExternalAddress() error = %v", err)
	}
	if addr != "198.51.100.7" {
		t.Errorf("address = %q, want 198.51.100.7", addr)
	}
}

func TestChecker_ExternalAddress_NotAnAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>blocked</html>"))
	}))
	defer srv.Close()

	c := testChecker(&fakeClock{}, srv.URL)
	if _, err := c.ExternalAddress(context.Background(), ""); err == nil {
		t.Error("expected error for a non-address body")
	}
}
