package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"tunguard/infrastructure/lifecycle"
)

// Lifecycle is the orchestrator facet exposed over the control surface.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
	Rotate(ctx context.Context) error
	Status(ctx context.Context) (lifecycle.Report, error)
}

// Server exposes the lifecycle operations over HTTP for the surrounding
// service orchestrator. Every route requires the bearer token.
type Server struct {
	addr   string
	token  string
	engine Lifecycle
}

func NewServer(addr, token string, engine Lifecycle) *Server {
	return &Server{addr: addr, token: token, engine: engine}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("control surface listening on %s", s.addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", s.authorized(s.mutation(func(r *http.Request) error {
		return s.engine.Start(r.Context())
	})))
	mux.HandleFunc("/stop", s.authorized(s.mutation(func(*http.Request) error {
		return s.engine.Stop()
	})))
	mux.HandleFunc("/rotate", s.authorized(s.mutation(func(r *http.Request) error {
		return s.engine.Rotate(r.Context())
	})))
	mux.HandleFunc("/status", s.authorized(s.handleStatusText))
	mux.HandleFunc("/status.json", s.authorized(s.handleStatusJSON))
	return mux
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	expected := []byte("Bearer " + s.token)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, expected) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) mutation(op func(r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := op(r); err != nil {
			log.Printf("control %s: %v", r.URL.Path, err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintln(w, "ok")
	}
}

func (s *Server) handleStatusText(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.engine.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, FormatReport(report))
}

func (s *Server) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.engine.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		log.Printf("status encoding: %v", err)
	}
}

// FormatReport renders the status view for humans; shared with the CLI.
func FormatReport(r lifecycle.Report) string {
	out := fmt.Sprintf("policy state: %s\n", r.PolicyState)
	if r.Session == nil {
		out += "session: none\n"
		return out
	}
	out += fmt.Sprintf("session: %s via %s (backend %s, since %s)\n",
		r.Session.ProfilePath, r.Session.Interface, r.Session.Backend,
		r.Session.StartedAt.Format(time.RFC3339))
	out += fmt.Sprintf("interface up: %v\n", r.InterfaceUp)
	if r.GatewayActive {
		out += "gateway: active\n"
	}
	if r.ExternalAddress != "" {
		out += fmt.Sprintf("external address: %s\n", r.ExternalAddress)
	}
	return out
}
