// Package session runs the per-connection protocol state machine for an
// agent: authentication, command registration, response routing and
// disconnect cleanup.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/postalsys/relayhub/internal/banstore"
	"github.com/postalsys/relayhub/internal/config"
	"github.com/postalsys/relayhub/internal/correlator"
	"github.com/postalsys/relayhub/internal/logging"
	"github.com/postalsys/relayhub/internal/metrics"
	"github.com/postalsys/relayhub/internal/protocol"
	"github.com/postalsys/relayhub/internal/registry"
	"github.com/postalsys/relayhub/internal/secret"
	"github.com/postalsys/relayhub/internal/transport"
)

// DefaultAuthTimeout is how long a new connection has to send a valid
// register message.
const DefaultAuthTimeout = 30 * time.Second

// banOpTimeout bounds ban store calls made while failing authentication.
const banOpTimeout = 5 * time.Second

// ErrNotAuthenticated is returned by Send before authentication completes
// or after the session closed.
var ErrNotAuthenticated = errors.New("session not authenticated")

// State represents the state of an agent session.
type State int32

const (
	StateConnecting State = iota
	StateAuthPending
	StateAuthenticated
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthPending:
		return "AUTH_PENDING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Settings is the reloadable part of session behaviour. A snapshot is read
// once per message, so a reload never mixes old and new values within one
// decision.
type Settings struct {
	Verifier secret.Verifier
	Debug    config.DebugConfig
}

// BanRecorder is the part of the ban store a session writes to.
type BanRecorder interface {
	RecordFailure(ctx context.Context, ip string) (banstore.Record, error)
	Clear(ctx context.Context, ip string) error
}

// Config contains the collaborators of a session.
type Config struct {
	Registry    *registry.Registry
	Correlator  *correlator.Correlator
	Bans        BanRecorder
	Settings    func() *Settings
	AuthTimeout time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Info is a point-in-time description of a session.
type Info struct {
	ID              string    `json:"id"`
	ServerName      string    `json:"server_name"`
	PluginName      string    `json:"plugin_name"`
	RemoteAddr      string    `json:"remote_addr"`
	Transport       string    `json:"transport"`
	State           string    `json:"state"`
	ConnectedAt     time.Time `json:"connected_at"`
	AuthenticatedAt time.Time `json:"authenticated_at,omitempty"`
	Commands        []string  `json:"commands"`
}

// Session is one agent connection. It implements registry.Agent.
type Session struct {
	id   string
	conn transport.Conn
	cfg  Config

	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	connectedAt time.Time
	serverName  atomic.Pointer[string]
	state       atomic.Int32

	// mu serializes state transitions with registry updates so a closing
	// session can never be registered after it was unregistered.
	mu              sync.Mutex
	authTimer       *clock.Timer
	pluginName      string
	authenticatedAt time.Time
	commands        map[string]struct{}

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// New creates a session for conn. Serve must be called to run it.
func New(conn transport.Conn, cfg Config) *Session {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Settings == nil {
		empty := &Settings{}
		cfg.Settings = func() *Settings { return empty }
	}

	id := uuid.NewString()
	s := &Session{
		id:   id,
		conn: conn,
		cfg:  cfg,
		logger: cfg.Logger.With(
			logging.KeyComponent, "session",
			logging.KeySessionID, id,
			logging.KeyRemoteAddr, conn.RemoteAddr(),
			logging.KeyTransport, conn.TransportType()),
		metrics:     cfg.Metrics,
		clock:       cfg.Clock,
		connectedAt: cfg.Clock.Now(),
		commands:    make(map[string]struct{}),
		done:        make(chan struct{}),
	}
	empty := ""
	s.serverName.Store(&empty)
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ServerName returns the name declared at registration, or "" before it.
func (s *Session) ServerName() string {
	return *s.serverName.Load()
}

// Done returns a channel that is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmds := make([]string, 0, len(s.commands))
	for name := range s.commands {
		cmds = append(cmds, name)
	}
	sort.Strings(cmds)

	return Info{
		ID:              s.id,
		ServerName:      s.ServerName(),
		PluginName:      s.pluginName,
		RemoteAddr:      s.conn.RemoteAddr(),
		Transport:       string(s.conn.TransportType()),
		State:           s.State().String(),
		ConnectedAt:     s.connectedAt,
		AuthenticatedAt: s.authenticatedAt,
		Commands:        cmds,
	}
}

// Serve runs the read loop until the connection closes or ctx is
// cancelled. The session is closed when Serve returns.
func (s *Session) Serve(ctx context.Context) {
	defer s.Close()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	settings := s.cfg.Settings()
	logging.Verbose(s.logger, settings.Debug.Connections, slog.LevelInfo, "agent connected")

	s.mu.Lock()
	if s.State() != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.authTimer = s.clock.AfterFunc(s.cfg.AuthTimeout, s.authExpired)
	s.state.Store(int32(StateAuthPending))
	s.mu.Unlock()

	for {
		text, err := s.conn.ReadMessage()
		if err != nil {
			s.readFailed(err)
			return
		}

		msg, err := protocol.DecodeMessage(text)
		if err != nil {
			s.metrics.RecordProtocolError("malformed")
			logging.Verbose(s.logger, s.cfg.Settings().Debug.Errors, slog.LevelWarn, "dropping malformed message",
				logging.KeyError, err)
			continue
		}
		s.metrics.RecordFrameReceived(msg.Type())

		if !s.handle(msg) {
			return
		}
	}
}

// handle processes one message. It returns false when the connection must
// be closed.
func (s *Session) handle(msg protocol.Message) bool {
	switch m := msg.(type) {
	case *protocol.Register:
		return s.handleRegister(m)
	case *protocol.Response:
		s.handleResponse(m)
	default:
		s.metrics.RecordProtocolError("unexpected_type")
		logging.Verbose(s.logger, s.cfg.Settings().Debug.Errors, slog.LevelWarn, "ignoring message",
			logging.KeyType, msg.Type(),
			logging.KeyState, s.State())
	}
	return true
}

func (s *Session) handleRegister(reg *protocol.Register) bool {
	settings := s.cfg.Settings()

	if reg.Secret == nil || *reg.Secret == "" {
		s.rejectRegister(settings, protocol.ErrTextNoSecret, "missing_secret")
		return false
	}
	if !settings.Verifier.Verify(*reg.Secret) {
		s.rejectRegister(settings, protocol.ErrTextInvalidSecret, "invalid_secret")
		return false
	}

	name := strings.TrimSpace(reg.ServerName)
	if name == "" {
		name = s.conn.IP()
		logging.Verbose(s.logger, settings.Debug.Errors, slog.LevelWarn, "register without server name, using address",
			logging.KeyServerName, name)
	}

	s.mu.Lock()
	firstAuth := false
	switch s.State() {
	case StateAuthPending:
		if s.authTimer != nil {
			s.authTimer.Stop()
		}
		s.serverName.Store(&name)
		s.pluginName = reg.PluginName
		s.authenticatedAt = s.clock.Now()
		s.state.Store(int32(StateAuthenticated))
		firstAuth = true
	case StateAuthenticated:
		if current := s.ServerName(); current != name {
			s.logger.Warn("re-registration under a different server name ignored",
				logging.KeyServerName, current,
				"requested", name)
			name = current
		}
	default:
		s.mu.Unlock()
		return false
	}

	registered, regErr := s.cfg.Registry.Register(name, s, reg.Commands)
	for _, cmd := range registered {
		s.commands[cmd] = struct{}{}
	}
	s.mu.Unlock()

	if firstAuth {
		s.metrics.RecordAuth("success")
		s.metrics.RecordAgentUp()
		s.clearBan()
		logging.Verbose(s.logger, settings.Debug.Authentication, slog.LevelInfo, "agent authenticated",
			logging.KeyServerName, name,
			logging.KeyPluginName, reg.PluginName)
	}

	logging.Verbose(s.logger, settings.Debug.CommandRegistrations, slog.LevelInfo, "commands registered",
		logging.KeyServerName, name,
		logging.KeyPluginName, reg.PluginName,
		logging.KeyCommands, registered)

	for _, err := range multierr.Errors(regErr) {
		logging.Verbose(s.logger, settings.Debug.Errors, slog.LevelError, "command rejected",
			logging.KeyServerName, name,
			logging.KeyError, err)
	}

	return true
}

func (s *Session) handleResponse(resp *protocol.Response) {
	settings := s.cfg.Settings()

	if s.State() != StateAuthenticated {
		s.metrics.RecordProtocolError("unauthenticated_response")
		logging.Verbose(s.logger, settings.Debug.Errors, slog.LevelWarn, "response before authentication ignored",
			logging.KeyRequestID, resp.RequestID)
		return
	}

	if err := s.cfg.Correlator.Resolve(resp.RequestID, resp.Response); err != nil {
		s.metrics.RecordProtocolError("unknown_request")
		logging.Verbose(s.logger, settings.Debug.ClientResponses, slog.LevelWarn, "dropping response",
			logging.KeyServerName, s.ServerName(),
			logging.KeyRequestID, resp.RequestID,
			logging.KeyError, err)
		return
	}

	logging.Verbose(s.logger, settings.Debug.ClientResponses, slog.LevelInfo, "response received",
		logging.KeyServerName, s.ServerName(),
		logging.KeyRequestID, resp.RequestID)
}

// authExpired fires when no valid register arrived in time. It is a no-op
// once authentication succeeded or the session closed.
func (s *Session) authExpired() {
	s.mu.Lock()
	if s.State() != StateAuthPending {
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(StateClosed))
	s.mu.Unlock()

	s.failAuth(s.cfg.Settings(), protocol.ErrTextAuthTimeout, "timeout")
	s.Close()
}

// rejectRegister fails a register with a bad or missing secret. A pending
// session leaves AUTH_PENDING first, so an auth deadline firing while the
// ban store is slow finds nothing to do. An authenticated session keeps its
// state until Close unregisters its commands; its timer is already stopped.
func (s *Session) rejectRegister(settings *Settings, text, reason string) {
	s.mu.Lock()
	switch s.State() {
	case StateAuthPending:
		if s.authTimer != nil {
			s.authTimer.Stop()
		}
		s.state.Store(int32(StateClosed))
	case StateAuthenticated:
	default:
		// The deadline already reported this connection.
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.failAuth(settings, text, reason)
}

// failAuth sends the rejection text and records a failure for the source
// IP. The caller closes the session.
func (s *Session) failAuth(settings *Settings, text, reason string) {
	s.sendText(text)
	s.metrics.RecordAuth(reason)

	ip := s.conn.IP()
	attrs := []any{logging.KeyIP, ip, "reason", reason}

	if s.cfg.Bans != nil {
		ctx, cancel := context.WithTimeout(context.Background(), banOpTimeout)
		defer cancel()

		rec, err := s.cfg.Bans.RecordFailure(ctx, ip)
		if err != nil {
			s.logger.Error("failed to record authentication failure",
				logging.KeyIP, ip,
				logging.KeyError, err)
		} else {
			attrs = append(attrs, logging.KeyAttempts, rec.Attempts)
		}
	}

	logging.Verbose(s.logger, settings.Debug.Authentication, slog.LevelWarn, "authentication failed", attrs...)
}

func (s *Session) clearBan() {
	if s.cfg.Bans == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), banOpTimeout)
	defer cancel()

	if err := s.cfg.Bans.Clear(ctx, s.conn.IP()); err != nil {
		s.logger.Error("failed to clear ban record",
			logging.KeyIP, s.conn.IP(),
			logging.KeyError, err)
	}
}

// Send writes a request to the agent.
func (s *Session) Send(req *protocol.Request) error {
	if s.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}

	text, err := protocol.EncodeMessage(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := s.conn.WriteMessage(text); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	s.metrics.RecordFrameSent(protocol.TypeRequest)
	return nil
}

func (s *Session) sendText(text string) {
	if err := s.conn.WriteMessage(text); err != nil {
		s.logger.Debug("failed to send error frame", logging.KeyError, err)
		return
	}
	s.metrics.RecordFrameSent("error")
}

func (s *Session) readFailed(err error) {
	if s.State() == StateClosed || errors.Is(err, transport.ErrConnClosed) {
		return
	}

	settings := s.cfg.Settings()
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		s.metrics.RecordProtocolError("oversized_frame")
		logging.Verbose(s.logger, settings.Debug.Errors, slog.LevelWarn, "closing connection", logging.KeyError, err)
	case errors.Is(err, protocol.ErrInvalidFrame):
		s.metrics.RecordProtocolError("invalid_frame")
		logging.Verbose(s.logger, settings.Debug.Errors, slog.LevelWarn, "closing connection", logging.KeyError, err)
	default:
		s.logger.Debug("read ended", logging.KeyError, err)
	}
}

// Close closes the connection. An authenticated session is removed from
// the registry before Close returns. Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.State()
		s.state.Store(int32(StateClosed))
		if s.authTimer != nil {
			s.authTimer.Stop()
		}

		var removed []string
		if prev == StateAuthenticated {
			removed = s.cfg.Registry.UnregisterAll(s)
		}
		s.mu.Unlock()

		s.closeErr = s.conn.Close()

		if prev == StateAuthenticated {
			s.metrics.RecordAgentDown()
		}

		logging.Verbose(s.logger, s.cfg.Settings().Debug.Connections, slog.LevelInfo, "agent disconnected",
			logging.KeyServerName, s.ServerName(),
			logging.KeyState, prev,
			logging.KeyCommands, removed,
			logging.KeyDuration, s.clock.Since(s.connectedAt))

		close(s.done)
	})
	return s.closeErr
}
