// Package control provides a Unix socket control interface for the relay hub.
//
// Front ends and the relayhub CLI invoke commands, resolve server
// selections and manage bans through it.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/relayhub/internal/banstore"
	"github.com/postalsys/relayhub/internal/config"
	"github.com/postalsys/relayhub/internal/hub"
	"github.com/postalsys/relayhub/internal/registry"
	"github.com/postalsys/relayhub/internal/session"
)

// Backend is the hub as seen by the control interface.
type Backend interface {
	IsRunning() bool
	Stats() hub.Stats
	Commands() []registry.CommandInfo
	Agents() []session.Info

	// Allowed reports whether command may be invoked from a direct
	// message (direct) or a server channel.
	Allowed(command string, direct bool) bool
	Invoke(ctx context.Context, command string, options map[string]string) (hub.Reply, error)
	Select(ctx context.Context, selectionID, serverName string) (hub.Reply, error)

	Bans(ctx context.Context) ([]banstore.Record, error)
	ClearBan(ctx context.Context, ip string) error

	Reload() error
	Messages() config.MessagesConfig
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	hub.Stats
}

// CommandsResponse is the response for the commands endpoint.
type CommandsResponse struct {
	Commands []registry.CommandInfo `json:"commands"`
}

// AgentsResponse is the response for the agents endpoint.
type AgentsResponse struct {
	Agents []session.Info `json:"agents"`
}

// InvokeRequest is the body of the invoke endpoint.
type InvokeRequest struct {
	Command string            `json:"command"`
	Options map[string]string `json:"options,omitempty"`

	// Direct marks an invocation from a direct message rather than a
	// server channel.
	Direct bool `json:"direct,omitempty"`
}

// SelectRequest is the body of the select endpoint.
type SelectRequest struct {
	SelectionID string `json:"selection_id"`
	Server      string `json:"server"`
}

// BansResponse is the response for the bans endpoint.
type BansResponse struct {
	Bans []banstore.Record `json:"bans"`
}

// UnbanRequest is the body of the unban endpoint.
type UnbanRequest struct {
	IP string `json:"ip"`
}

// MessageResponse carries a caller-visible confirmation.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes. It must exceed InvokeTimeout.
	WriteTimeout time.Duration

	// InvokeTimeout bounds how long invoke and select wait for an outcome.
	InvokeTimeout time.Duration

	// RequestTimeout is the hub's agent response timeout. When set,
	// InvokeTimeout and WriteTimeout are raised to outlast it so the hub's
	// own timeout outcome reaches the caller instead of a 504.
	RequestTimeout time.Duration
}

// outcomeGrace is how much longer than the agent timeout a caller waits.
const outcomeGrace = 5 * time.Second

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:    "./data/control.sock",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  60 * time.Second,
		InvokeTimeout: 30 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	backend  Backend
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, backend Backend) *Server {
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = DefaultServerConfig().InvokeTimeout
	}
	if floor := cfg.RequestTimeout + outcomeGrace; cfg.RequestTimeout > 0 && cfg.InvokeTimeout < floor {
		cfg.InvokeTimeout = floor
	}
	if cfg.WriteTimeout > 0 && cfg.WriteTimeout <= cfg.InvokeTimeout {
		cfg.WriteTimeout = cfg.InvokeTimeout + outcomeGrace
	}

	s := &Server{
		cfg:     cfg,
		backend: backend,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/commands", s.handleCommands)
	mux.HandleFunc("/agents", s.handleAgents)
	mux.HandleFunc("/invoke", s.handleInvoke)
	mux.HandleFunc("/select", s.handleSelect)
	mux.HandleFunc("/bans", s.handleBans)
	mux.HandleFunc("/bans/clear", s.handleUnban)
	mux.HandleFunc("/reload", s.handleReload)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove existing socket file if it exists
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restrict control socket: %w", err)
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Handler returns the HTTP handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Stats: s.backend.Stats()})
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, CommandsResponse{Commands: s.backend.Commands()})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, AgentsResponse{Agents: s.backend.Agents()})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req InvokeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if !s.backend.Allowed(req.Command, req.Direct) {
		writeError(w, http.StatusForbidden, fmt.Sprintf("command %q is not available in this context", req.Command))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.InvokeTimeout)
	defer cancel()

	reply, err := s.backend.Invoke(ctx, req.Command, req.Options)
	s.writeReply(w, reply, err)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req SelectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SelectionID == "" || req.Server == "" {
		writeError(w, http.StatusBadRequest, "selection_id and server are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.InvokeTimeout)
	defer cancel()

	reply, err := s.backend.Select(ctx, req.SelectionID, req.Server)
	s.writeReply(w, reply, err)
}

func (s *Server) writeReply(w http.ResponseWriter, reply hub.Reply, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for the outcome")
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusOK, reply)
	}
}

func (s *Server) handleBans(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	bans, err := s.backend.Bans(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, BansResponse{Bans: bans})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req UnbanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if net.ParseIP(req.IP) == nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid ip address: %q", req.IP))
		return
	}

	if err := s.backend.ClearBan(r.Context(), req.IP); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: fmt.Sprintf("Ban cleared for %s.", req.IP)})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	if err := s.backend.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: s.backend.Messages().ReloadSuccess})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
