package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"nhooyr.io/websocket"

	"github.com/postalsys/relayhub/internal/logging"
	"github.com/postalsys/relayhub/internal/metrics"
	"github.com/postalsys/relayhub/internal/protocol"
	"github.com/postalsys/relayhub/internal/recovery"
)

// WebSocketConfig configures the WebSocket agent listener.
type WebSocketConfig struct {
	// Address to listen on (e.g., "0.0.0.0:8087")
	Address string

	// Path for WebSocket upgrade (default: "/agent")
	Path string

	// MaxFrameSize limits inbound messages (0 = protocol maximum)
	MaxFrameSize int

	// WriteTimeout bounds a single message write (0 = none)
	WriteTimeout time.Duration

	Admission AdmissionConfig

	Handler Handler

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// WebSocketServer accepts agent connections over WebSocket. Each text
// message is one protocol message; no length prefix is used.
type WebSocketServer struct {
	cfg       WebSocketConfig
	admission *admission
	logger    *slog.Logger
	server    *http.Server

	// Actual listener address (set after binding)
	addr net.Addr

	tracker *connTracker[*wsConn]

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWebSocketServer creates a new WebSocket listener.
func NewWebSocketServer(cfg WebSocketConfig) *WebSocketServer {
	if cfg.Path == "" {
		cfg.Path = "/agent"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	logger := cfg.Logger.With(logging.KeyComponent, "listener", logging.KeyTransport, TransportWebSocket)

	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketServer{
		cfg:       cfg,
		admission: newAdmission(cfg.Admission, logger, cfg.Metrics),
		logger:    logger,
		tracker:   newConnTracker[*wsConn](),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the WebSocket listener.
func (s *WebSocketServer) Start() error {
	if s.running.Load() {
		return fmt.Errorf("listener already running")
	}
	if s.cfg.Handler == nil {
		return fmt.Errorf("handler is required")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.addr = ln.Addr()
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server failed", logging.KeyError, err)
		}
	}()

	s.logger.Info("listening",
		logging.KeyAddress, ln.Addr().String(),
		"path", s.cfg.Path)
	return nil
}

// Stop gracefully stops the listener.
func (s *WebSocketServer) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	close(s.stopCh)
	s.cancel()

	// Hijacked connections are not tracked by the HTTP server, so close
	// them before waiting on Shutdown.
	s.tracker.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)

	s.wg.Wait()
	return err
}

// StopWithContext stops with a timeout.
func (s *WebSocketServer) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the actual listening address.
func (s *WebSocketServer) Address() string {
	if s.addr != nil {
		return s.addr.String()
	}
	return s.cfg.Address
}

// ConnectionCount returns the number of open WebSocket connections.
func (s *WebSocketServer) ConnectionCount() int64 {
	return s.tracker.count()
}

// IsRunning returns true if the listener is running.
func (s *WebSocketServer) IsRunning() bool {
	return s.running.Load()
}

// handleWebSocket upgrades and serves one agent. It blocks until the
// connection closes; nhooyr.io/websocket expects the HTTP handler to stay
// active for the lifetime of the WebSocket.
func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	defer recovery.RecoverWithLog(s.logger, "transport.handleWebSocket")

	if reason := s.admission.accept(s.tracker.count()); reason != "" {
		s.admission.rejected(reason, r.RemoteAddr)
		status := http.StatusServiceUnavailable
		if reason == RejectRateLimited {
			status = http.StatusTooManyRequests
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed",
			logging.KeyRemoteAddr, r.RemoteAddr,
			logging.KeyError, err)
		return
	}

	conn := newWsConn(ws, r.RemoteAddr, s.cfg.MaxFrameSize, s.cfg.WriteTimeout)

	s.tracker.add(conn)
	s.wg.Add(1)

	// Handled in this goroutine. Returning early would tear down the
	// WebSocket while the session still uses it.
	defer s.wg.Done()
	defer s.tracker.remove(conn)
	defer conn.Close()

	if !s.admission.gate(s.ctx, conn) {
		return
	}

	s.cfg.Metrics.RecordConnect(string(TransportWebSocket))
	defer s.cfg.Metrics.RecordDisconnect()

	s.cfg.Handler(s.ctx, conn)
}

// wsConn adapts a websocket.Conn to Conn.
type wsConn struct {
	conn       *websocket.Conn
	remoteAddr string

	baseCtx    context.Context
	baseCancel context.CancelFunc

	writeTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
}

func newWsConn(conn *websocket.Conn, remoteAddr string, maxFrameSize int, writeTimeout time.Duration) *wsConn {
	if maxFrameSize <= 0 || maxFrameSize > protocol.MaxFrameSize {
		maxFrameSize = protocol.MaxFrameSize
	}
	conn.SetReadLimit(int64(maxFrameSize))

	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{
		conn:         conn,
		remoteAddr:   remoteAddr,
		baseCtx:      ctx,
		baseCancel:   cancel,
		writeTimeout: writeTimeout,
	}
}

func (c *wsConn) ReadMessage() (string, error) {
	typ, data, err := c.conn.Read(c.baseCtx)
	if err != nil {
		return "", c.translateError(err)
	}
	if typ != websocket.MessageText {
		return "", fmt.Errorf("%w: unexpected message type %v", protocol.ErrInvalidFrame, typ)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: payload is not valid UTF-8", protocol.ErrInvalidFrame)
	}
	return string(data), nil
}

// WriteMessage sends msg as one text message. The library serializes
// concurrent writers.
func (c *wsConn) WriteMessage(msg string) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	if len(msg) > protocol.MaxFrameSize {
		return protocol.ErrFrameTooLarge
	}

	ctx := c.baseCtx
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}

	if err := c.conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		return c.translateError(err)
	}
	return nil
}

// Close cancels in-flight reads first; otherwise the close handshake would
// wait on the blocked reader.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.baseCancel()
		c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (c *wsConn) RemoteAddr() string {
	return c.remoteAddr
}

func (c *wsConn) IP() string {
	return hostOf(c.remoteAddr)
}

func (c *wsConn) TransportType() TransportType {
	return TransportWebSocket
}

func (c *wsConn) translateError(err error) error {
	if c.closed.Load() || errors.Is(err, context.Canceled) {
		return ErrConnClosed
	}
	if websocket.CloseStatus(err) == websocket.StatusMessageTooBig {
		return fmt.Errorf("%w: %v", protocol.ErrFrameTooLarge, err)
	}
	return err
}
