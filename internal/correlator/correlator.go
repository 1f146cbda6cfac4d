// Package correlator matches agent responses to the requests that caused
// them.
//
// Each dispatched request is held under a fresh UUID until exactly one of
// three things happens: the agent responds, the timeout fires, or the
// correlator is closed. Whichever path removes the entry first delivers the
// outcome; the others find nothing and do nothing.
package correlator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/postalsys/relayhub/internal/logging"
	"github.com/postalsys/relayhub/internal/metrics"
	"github.com/postalsys/relayhub/internal/protocol"
	"github.com/postalsys/relayhub/internal/recovery"
	"github.com/postalsys/relayhub/internal/registry"
)

// DefaultTimeout is how long a request waits for its response.
const DefaultTimeout = 10 * time.Second

// ErrUnknownRequest is returned by Resolve for an id that is not pending.
var ErrUnknownRequest = errors.New("unknown request id")

// OutcomeKind classifies how a request finished.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTimeout
	OutcomeAborted
)

// String returns the outcome name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is delivered to a Caller exactly once per request.
type Outcome struct {
	RequestID  string
	Kind       OutcomeKind
	Command    string
	ServerName string
	Response   string
	Latency    time.Duration
}

// Caller receives request outcomes. Deliver must not block.
type Caller interface {
	Deliver(Outcome)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(Outcome)

// Deliver calls f(o).
func (f CallerFunc) Deliver(o Outcome) { f(o) }

// Config configures a Correlator.
type Config struct {
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type pendingRequest struct {
	caller     Caller
	command    string
	serverName string
	started    time.Time
	timer      *clock.Timer
}

// Correlator owns the pending request table.
type Correlator struct {
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

// New creates a Correlator.
func New(cfg Config) *Correlator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	return &Correlator{
		timeout: cfg.Timeout,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With(logging.KeyComponent, "correlator"),
		metrics: cfg.Metrics,
		pending: make(map[string]*pendingRequest),
	}
}

// Dispatch sends command to target and returns the new request id. The
// outcome is delivered to caller later. A failed write is logged and the
// request is left to time out.
func (c *Correlator) Dispatch(caller Caller, command string, options map[string]string, target registry.Agent) string {
	id := uuid.NewString()
	if options == nil {
		options = map[string]string{}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.deliver(caller, Outcome{RequestID: id, Kind: OutcomeAborted, Command: command, ServerName: target.ServerName()})
		return id
	}

	p := &pendingRequest{
		caller:     caller,
		command:    command,
		serverName: target.ServerName(),
		started:    c.clock.Now(),
	}
	p.timer = c.clock.AfterFunc(c.timeout, func() {
		c.expire(id)
	})
	c.pending[id] = p
	c.mu.Unlock()

	c.metrics.RecordDispatch()

	req := &protocol.Request{Command: command, Options: options, RequestID: id}
	if err := target.Send(req); err != nil {
		c.logger.Warn("failed to send request, awaiting timeout",
			logging.KeyRequestID, id,
			logging.KeyCommand, command,
			logging.KeyServerName, p.serverName,
			logging.KeyError, err)
	} else {
		c.logger.Debug("request dispatched",
			logging.KeyRequestID, id,
			logging.KeyCommand, command,
			logging.KeyServerName, p.serverName)
	}

	return id
}

// Resolve completes the request with the agent's response. It returns
// ErrUnknownRequest if the id is malformed, already resolved, or timed out.
func (c *Correlator) Resolve(requestID, response string) error {
	if _, err := uuid.Parse(requestID); err != nil {
		return fmt.Errorf("%w: %q is not a request id", ErrUnknownRequest, requestID)
	}

	p, ok := c.take(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	p.timer.Stop()

	latency := c.clock.Since(p.started)
	c.metrics.RecordCompletion(OutcomeSuccess.String(), latency.Seconds())

	c.deliver(p.caller, Outcome{
		RequestID:  requestID,
		Kind:       OutcomeSuccess,
		Command:    p.command,
		ServerName: p.serverName,
		Response:   response,
		Latency:    latency,
	})
	return nil
}

func (c *Correlator) expire(requestID string) {
	p, ok := c.take(requestID)
	if !ok {
		return
	}

	latency := c.clock.Since(p.started)
	c.metrics.RecordCompletion(OutcomeTimeout.String(), latency.Seconds())
	c.logger.Warn("request timed out",
		logging.KeyRequestID, requestID,
		logging.KeyCommand, p.command,
		logging.KeyServerName, p.serverName)

	c.deliver(p.caller, Outcome{
		RequestID:  requestID,
		Kind:       OutcomeTimeout,
		Command:    p.command,
		ServerName: p.serverName,
		Latency:    latency,
	})
}

// take atomically removes and returns the pending entry for id.
func (c *Correlator) take(id string) (*pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return p, ok
}

func (c *Correlator) deliver(caller Caller, o Outcome) {
	if caller == nil {
		return
	}
	defer recovery.RecoverWithLog(c.logger, "correlator.deliver")
	caller.Deliver(o)
}

// Pending returns the number of requests awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close aborts every pending request. Later dispatches are aborted
// immediately.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for id, p := range pending {
		p.timer.Stop()
		c.metrics.RecordCompletion(OutcomeAborted.String(), 0)
		c.deliver(p.caller, Outcome{
			RequestID:  id,
			Kind:       OutcomeAborted,
			Command:    p.command,
			ServerName: p.serverName,
		})
	}
}
