// Package health serves liveness, readiness and Prometheus endpoints for
// the relay hub on a separate HTTP port.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsProvider is implemented by the hub.
type StatsProvider interface {
	IsRunning() bool
	Stats() Stats
}

// Stats are the counters reported by /healthz.
type Stats struct {
	Connections       int64 `json:"connections"`
	Agents            int   `json:"agents"`
	Commands          int   `json:"commands"`
	PendingRequests   int   `json:"pending_requests"`
	PendingSelections int   `json:"pending_selections"`
}

// Report is the body of /healthz. Stats are omitted while the hub is down.
type Report struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	*Stats
}

// ServerConfig configures the endpoint listener.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Gatherer backs /metrics; nil uses prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// DefaultServerConfig listens on :8080 with 10s timeouts.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

const shutdownGrace = 5 * time.Second

// Server exposes the hub's health over HTTP.
type Server struct {
	addr     string
	provider StatsProvider
	httpSrv  *http.Server

	mu sync.Mutex
	ln net.Listener
}

// NewServer builds the endpoint mux. Nothing listens until Start.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{addr: cfg.Address, provider: provider}

	mux := http.NewServeMux()
	mux.Handle("/health", getOnly(s.handleHealth))
	mux.Handle("/healthz", getOnly(s.handleHealthz))
	mux.Handle("/ready", getOnly(s.handleReady))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	registerPprof(mux)

	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	for name, fn := range map[string]http.HandlerFunc{
		"cmdline": pprof.Cmdline,
		"profile": pprof.Profile,
		"symbol":  pprof.Symbol,
		"trace":   pprof.Trace,
	} {
		mux.HandleFunc("/debug/pprof/"+name, fn)
	}
}

// Start binds the address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.mu.Lock()
			s.ln = nil
			s.mu.Unlock()
		}
	}()
	return nil
}

// Stop shuts the listener down, waiting briefly for in-flight requests.
// Calling it on a server that is not running is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// Address is the bound address, or nil when not running.
func (s *Server) Address() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (s *Server) IsRunning() bool {
	return s.Address() != nil
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func getOnly(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

func (s *Server) hubUp() bool {
	return s.provider != nil && s.provider.IsRunning()
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	io.WriteString(w, body+"\n")
}

// handleHealth is the liveness probe: any answer means the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

// handleHealthz reports hub counters, or 503 when the hub is not running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	report := Report{Status: "unavailable"}
	code := http.StatusServiceUnavailable
	if s.hubUp() {
		stats := s.provider.Stats()
		report = Report{Status: "healthy", Running: true, Stats: &stats}
		code = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.hubUp() {
		writeText(w, http.StatusServiceUnavailable, "NOT READY")
		return
	}
	writeText(w, http.StatusOK, "READY")
}
