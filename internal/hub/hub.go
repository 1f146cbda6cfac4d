// Package hub wires the relay together: listeners, sessions, the command
// registry, the request correlator, the router and the ban store.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/postalsys/relayhub/internal/banstore"
	"github.com/postalsys/relayhub/internal/config"
	"github.com/postalsys/relayhub/internal/correlator"
	"github.com/postalsys/relayhub/internal/health"
	"github.com/postalsys/relayhub/internal/logging"
	"github.com/postalsys/relayhub/internal/metrics"
	"github.com/postalsys/relayhub/internal/registry"
	"github.com/postalsys/relayhub/internal/router"
	"github.com/postalsys/relayhub/internal/secret"
	"github.com/postalsys/relayhub/internal/session"
	"github.com/postalsys/relayhub/internal/sysinfo"
	"github.com/postalsys/relayhub/internal/transport"
)

// Options carries dependencies that are not part of the configuration
// file. Zero values select production defaults.
type Options struct {
	// ConfigPath is re-read by Reload. Empty means Reload only re-reads
	// the secret file.
	ConfigPath string

	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Clock    clock.Clock

	// InMemoryBans keeps ban records in memory instead of hub.data_dir.
	InMemoryBans bool
}

// Hub is a running relay.
type Hub struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	metrics    *metrics.Metrics
	clock      clock.Clock

	bans       *banstore.Store
	registry   *registry.Registry
	correlator *correlator.Correlator
	router     *router.Router

	tcp          *transport.Server
	ws           *transport.WebSocketServer
	healthServer *health.Server

	settings atomic.Pointer[session.Settings]
	messages atomic.Pointer[config.MessagesConfig]
	reloadMu sync.Mutex

	// mailboxes hold the outcome channel of each pending selection so a
	// later Select can wait on it.
	mailboxes *expirable.LRU[string, chan correlator.Outcome]

	sessionsMu sync.RWMutex
	sessions   map[string]*session.Session

	startedAt time.Time
	running   atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// New creates a hub from cfg. It opens the ban store and loads (or
// generates) the shared secret but does not listen until Start.
func New(cfg *config.Config, opts Options) (*Hub, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(cfg.Hub.LogLevel, cfg.Hub.LogFormat)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	h := &Hub{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		logger:     opts.Logger.With(logging.KeyComponent, "hub"),
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		sessions:   make(map[string]*session.Session),
		stopCh:     make(chan struct{}),
	}

	settings, err := h.loadSettings(cfg)
	if err != nil {
		return nil, err
	}
	h.settings.Store(settings)
	messages := cfg.Messages
	h.messages.Store(&messages)

	if err := h.initComponents(opts); err != nil {
		return nil, err
	}

	return h, nil
}

// initComponents builds every component from the configuration.
func (h *Hub) initComponents(opts Options) error {
	cfg := h.cfg

	banCfg := banstore.DefaultConfig(cfg.BansPath())
	banCfg.InMemory = opts.InMemoryBans
	banCfg.Policy = banstore.Policy{
		Threshold:    cfg.Bans.Threshold,
		InitialBlock: cfg.Bans.InitialBlock,
		MaxBlock:     cfg.Bans.MaxBlock,
	}
	banCfg.Clock = h.clock
	banCfg.Logger = opts.Logger
	banCfg.Metrics = h.metrics

	bans, err := banstore.Open(banCfg)
	if err != nil {
		return fmt.Errorf("open ban store: %w", err)
	}
	h.bans = bans

	h.registry = registry.New(opts.Logger, h.metrics)
	h.correlator = correlator.New(correlator.Config{
		Timeout: cfg.Requests.Timeout,
		Clock:   h.clock,
		Logger:  opts.Logger,
		Metrics: h.metrics,
	})
	h.router = router.New(h.registry, h.correlator, router.Config{
		SelectionTTL:  cfg.Requests.SelectionTTL,
		MaxSelections: cfg.Requests.MaxSelections,
		Logger:        opts.Logger,
		Metrics:       h.metrics,
	})
	h.mailboxes = expirable.NewLRU[string, chan correlator.Outcome](cfg.Requests.MaxSelections, nil, cfg.Requests.SelectionTTL)

	admission := transport.AdmissionConfig{
		MaxConnections: cfg.Listener.MaxConnections,
		AcceptRate:     cfg.Listener.AcceptRate,
		AcceptBurst:    cfg.Listener.AcceptBurst,
		Gate:           h.gate,
		GateTimeout:    cfg.Listener.GateTimeout,
	}

	h.tcp = transport.NewServer(transport.ServerConfig{
		Address:      cfg.Listener.Address,
		MaxFrameSize: cfg.Listener.MaxFrameSize,
		WriteTimeout: 10 * time.Second,
		Admission:    admission,
		Handler:      h.ServeConn,
		Logger:       opts.Logger,
		Metrics:      h.metrics,
	})

	if cfg.WebSocket.Enabled {
		h.ws = transport.NewWebSocketServer(transport.WebSocketConfig{
			Address:      cfg.WebSocket.Address,
			Path:         cfg.WebSocket.Path,
			MaxFrameSize: cfg.Listener.MaxFrameSize,
			WriteTimeout: 10 * time.Second,
			Admission:    admission,
			Handler:      h.ServeConn,
			Logger:       opts.Logger,
			Metrics:      h.metrics,
		})
	}

	if cfg.Health.Enabled {
		h.healthServer = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Gatherer:     opts.Gatherer,
		}, &healthProvider{h: h})
	}

	return nil
}

// loadSettings builds the session settings snapshot from cfg.
func (h *Hub) loadSettings(cfg *config.Config) (*session.Settings, error) {
	var code string
	if cfg.Auth.SecretHash == "" {
		var created bool
		var err error
		code, created, err = secret.LoadOrCreate(cfg.SecretPath())
		if err != nil {
			return nil, fmt.Errorf("load secret: %w", err)
		}
		if created {
			h.logger.Warn("generated new shared secret", "path", cfg.SecretPath())
		}
	}

	return &session.Settings{
		Verifier: secret.NewVerifier(code, cfg.Auth.SecretHash),
		Debug:    cfg.Debug,
	}, nil
}

// Start starts the listeners.
func (h *Hub) Start() error {
	if h.running.Load() {
		return fmt.Errorf("hub already running")
	}

	if err := h.tcp.Start(); err != nil {
		return fmt.Errorf("start listener %s: %w", h.cfg.Listener.Address, err)
	}

	if h.ws != nil {
		if err := h.ws.Start(); err != nil {
			h.tcp.Stop()
			return fmt.Errorf("start websocket listener %s: %w", h.cfg.WebSocket.Address, err)
		}
	}

	if h.healthServer != nil {
		if err := h.healthServer.Start(); err != nil {
			h.tcp.Stop()
			if h.ws != nil {
				h.ws.Stop()
			}
			return fmt.Errorf("start health server: %w", err)
		}
		h.logger.Info("health server started",
			logging.KeyAddress, h.healthServer.Address())
	}

	h.startedAt = h.clock.Now()
	h.running.Store(true)

	h.logger.Info("hub started",
		logging.KeyAddress, h.tcp.Address(),
		"version", sysinfo.Version,
		"websocket", h.ws != nil)
	return nil
}

// Stop shuts the hub down. Pending requests receive an aborted outcome.
func (h *Hub) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		h.logger.Info("stopping hub")
		h.running.Store(false)
		close(h.stopCh)

		var g errgroup.Group
		g.Go(h.tcp.Stop)
		if h.ws != nil {
			g.Go(h.ws.Stop)
		}
		if h.healthServer != nil {
			g.Go(h.healthServer.Stop)
		}
		err = multierr.Append(err, g.Wait())

		// Listeners closed their connections; anything left was served
		// through ServeConn directly.
		for _, s := range h.sessionList() {
			s.Close()
		}

		h.correlator.Close()
		err = multierr.Append(err, h.bans.Close())

		h.logger.Info("hub stopped")
	})
	return err
}

// StopWithContext stops with a timeout.
func (h *Hub) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- h.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the hub is running.
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}

// ListenerAddress returns the TCP listener address once started.
func (h *Hub) ListenerAddress() net.Addr {
	return h.tcp.Address()
}

// WebSocketAddress returns the WebSocket listener address, or "" when the
// WebSocket transport is disabled.
func (h *Hub) WebSocketAddress() string {
	if h.ws == nil {
		return ""
	}
	return h.ws.Address()
}

// HealthServerAddress returns the health server address once started.
func (h *Hub) HealthServerAddress() net.Addr {
	if h.healthServer == nil {
		return nil
	}
	return h.healthServer.Address()
}

// ServeConn runs an agent session on conn until it closes. Listeners call
// it for every admitted connection.
func (h *Hub) ServeConn(ctx context.Context, conn transport.Conn) {
	s := session.New(conn, session.Config{
		Registry:    h.registry,
		Correlator:  h.correlator,
		Bans:        h.bans,
		Settings:    h.settings.Load,
		AuthTimeout: h.cfg.Listener.AuthTimeout,
		Clock:       h.clock,
		Logger:      h.logger,
		Metrics:     h.metrics,
	})

	h.sessionsMu.Lock()
	h.sessions[s.ID()] = s
	h.sessionsMu.Unlock()

	defer func() {
		h.sessionsMu.Lock()
		delete(h.sessions, s.ID())
		h.sessionsMu.Unlock()
	}()

	s.Serve(ctx)
}

// gate rejects connections from blocked IPs. Lookup failures admit the
// connection.
func (h *Hub) gate(ctx context.Context, ip string) bool {
	blocked, err := h.bans.IsBlocked(ctx, ip)
	if err != nil {
		h.logger.Warn("ban lookup failed, admitting connection",
			logging.KeyIP, ip,
			logging.KeyError, err)
		return true
	}
	if blocked {
		logging.Verbose(h.logger, h.settings.Load().Debug.BannedConnections, slog.LevelInfo,
			"rejected connection from blocked ip", logging.KeyIP, ip)
	}
	return !blocked
}

func (h *Hub) sessionList() []*session.Session {
	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()

	out := make([]*session.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Submit routes an invocation. Outcomes of dispatched requests, including
// ones dispatched later through Choose, are delivered to caller.
func (h *Hub) Submit(command string, options map[string]string, caller correlator.Caller) router.Result {
	return h.router.Route(command, options, caller)
}

// Choose resolves a pending selection.
func (h *Hub) Choose(selectionID, serverName string) (router.Result, error) {
	return h.router.Choose(selectionID, serverName)
}

// Allowed reports whether command may be invoked from the given context.
// Unknown commands are allowed so routing can report them unavailable.
func (h *Hub) Allowed(command string, direct bool) bool {
	def, ok := h.registry.Definition(command)
	if !ok {
		return true
	}
	return def.Context.Allows(direct)
}

// Commands returns every known command with the servers serving it.
func (h *Hub) Commands() []registry.CommandInfo {
	return h.registry.Snapshot()
}

// Agents returns the current sessions ordered by server name.
func (h *Hub) Agents() []session.Info {
	sessions := h.sessionList()
	out := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerName != out[j].ServerName {
			return out[i].ServerName < out[j].ServerName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Bans returns every stored ban record.
func (h *Hub) Bans(ctx context.Context) ([]banstore.Record, error) {
	return h.bans.List(ctx)
}

// ClearBan removes the ban record for ip.
func (h *Hub) ClearBan(ctx context.Context, ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid ip address: %q", ip)
	}
	return h.bans.Clear(ctx, ip)
}

// Reload re-reads the configuration file and the shared secret, then
// swaps the settings snapshot. Listener settings need a restart.
func (h *Hub) Reload() error {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	cfg := h.cfg
	if h.configPath != "" {
		loaded, err := config.Load(h.configPath)
		if err != nil {
			return fmt.Errorf("reload config: %w", err)
		}
		if loaded.Listener != h.cfg.Listener || loaded.WebSocket != h.cfg.WebSocket {
			h.logger.Warn("listener settings changed, restart to apply")
		}
		cfg = loaded
	}

	settings, err := h.loadSettings(cfg)
	if err != nil {
		return err
	}
	h.settings.Store(settings)
	messages := cfg.Messages
	h.messages.Store(&messages)

	h.logger.Info("configuration reloaded")
	return nil
}

// Messages returns the current caller-visible texts.
func (h *Hub) Messages() config.MessagesConfig {
	return *h.messages.Load()
}

// Stats contains hub statistics.
type Stats struct {
	Running           bool         `json:"running"`
	StartedAt         time.Time    `json:"started_at"`
	ListenerAddress   string       `json:"listener_address"`
	WebSocketAddress  string       `json:"websocket_address,omitempty"`
	Connections       int64        `json:"connections"`
	Sessions          int          `json:"sessions"`
	Agents            int          `json:"agents"`
	Commands          int          `json:"commands"`
	PendingRequests   int          `json:"pending_requests"`
	PendingSelections int          `json:"pending_selections"`
	Host              sysinfo.Host `json:"host"`
}

// Stats returns current hub statistics.
func (h *Hub) Stats() Stats {
	st := Stats{
		Running:           h.IsRunning(),
		StartedAt:         h.startedAt,
		WebSocketAddress:  h.WebSocketAddress(),
		Connections:       h.tcp.ConnectionCount(),
		Commands:          len(h.registry.Definitions()),
		PendingRequests:   h.correlator.Pending(),
		PendingSelections: h.router.PendingSelections(),
		Host:              sysinfo.Collect(),
	}
	if addr := h.tcp.Address(); addr != nil {
		st.ListenerAddress = addr.String()
	}
	if h.ws != nil {
		st.Connections += h.ws.ConnectionCount()
	}
	for _, s := range h.sessionList() {
		st.Sessions++
		if s.State() == session.StateAuthenticated {
			st.Agents++
		}
	}
	return st
}

// healthProvider adapts the hub to health.StatsProvider.
type healthProvider struct {
	h *Hub
}

func (p *healthProvider) IsRunning() bool {
	return p.h.IsRunning()
}

func (p *healthProvider) Stats() health.Stats {
	st := p.h.Stats()
	return health.Stats{
		Connections:       st.Connections,
		Agents:            st.Agents,
		Commands:          st.Commands,
		PendingRequests:   st.PendingRequests,
		PendingSelections: st.PendingSelections,
	}
}

var _ registry.Agent = (*session.Session)(nil)
