package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/relayhub/internal/logging"
	"github.com/postalsys/relayhub/internal/metrics"
	"github.com/postalsys/relayhub/internal/protocol"
	"github.com/postalsys/relayhub/internal/recovery"
)

// ServerConfig holds TCP server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "0.0.0.0:8086")
	Address string

	// MaxFrameSize limits inbound frames (0 = protocol maximum)
	MaxFrameSize int

	// WriteTimeout bounds a single frame write (0 = none)
	WriteTimeout time.Duration

	Admission AdmissionConfig

	// Handler serves admitted connections.
	Handler Handler

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "0.0.0.0:8086",
		MaxFrameSize: protocol.MaxFrameSize,
		WriteTimeout: 10 * time.Second,
		Admission: AdmissionConfig{
			MaxConnections: 1000,
			GateTimeout:    5 * time.Second,
		},
	}
}

// Server accepts framed TCP agent connections.
type Server struct {
	cfg       ServerConfig
	admission *admission
	logger    *slog.Logger
	listener  net.Listener

	tracker *connTracker[net.Conn]

	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a new TCP server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	logger := cfg.Logger.With(logging.KeyComponent, "listener", logging.KeyTransport, TransportTCP)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		admission: newAdmission(cfg.Admission, logger, cfg.Metrics),
		logger:    logger,
		tracker:   newConnTracker[net.Conn](),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
	}
}

// Start starts listening.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}
	if s.cfg.Handler == nil {
		return fmt.Errorf("handler is required")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("listening", logging.KeyAddress, listener.Addr().String())
	return nil
}

// Stop closes the listener and every open connection, then waits for
// their handlers to return.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		s.cancel()

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.tracker.closeAll()
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops with a timeout.
func (s *Server) StopWithContext(ctx context.Context) error {
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

// Address returns the listening address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int64 {
	return s.tracker.count()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "transport.acceptLoop")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", logging.KeyError, err)
			time.Sleep(5 * time.Millisecond)
			continue
		}

		if reason := s.admission.accept(s.tracker.count()); reason != "" {
			s.admission.rejected(reason, conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.tracker.add(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(raw net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(raw)

	conn := NewConn(raw, s.cfg.MaxFrameSize, s.cfg.WriteTimeout)
	defer conn.Close()
	defer recovery.RecoverWithCallback(s.logger, "transport.handleConn", func(any) {
		s.cfg.Metrics.RecordProtocolError("panic")
	})

	if !s.admission.gate(s.ctx, conn) {
		return
	}

	s.cfg.Metrics.RecordConnect(string(TransportTCP))
	defer s.cfg.Metrics.RecordDisconnect()

	s.cfg.Handler(s.ctx, conn)
}
