// Package probe provides connectivity testing for relay hub listeners.
//
// A probe connects the way an agent does, registers without commands and
// reports whether the hub accepted the secret. Probes with a wrong secret
// count as failed authentications and can get the probing address banned.
package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/relayhub/internal/protocol"
)

// Transport types.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)

// ErrRejected is returned when the hub answered the registration with an
// error text.
var ErrRejected = errors.New("registration rejected")

// Options contains configuration for a connectivity probe.
type Options struct {
	// Transport type: "tcp" (default) or "ws"
	Transport string

	// Address is the host:port to probe
	Address string

	// Path is the WebSocket path (default: "/agent")
	Path string

	// Secret is presented in the register message. Empty sends none.
	Secret string

	// ServerName is the name the probe registers with (default: "probe")
	ServerName string

	// Timeout for the entire probe operation
	Timeout time.Duration

	// Settle is how long to wait for a rejection after registering. The hub
	// does not acknowledge a successful registration.
	Settle time.Duration
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	// Success indicates the hub accepted the registration
	Success bool

	// Transport type that was tested
	Transport string

	// Address that was probed
	Address string

	// Rejection is the error text the hub sent, if any
	Rejection string

	// RTT is the time taken to establish the connection
	RTT time.Duration

	// Error is the error that occurred (if any)
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// messageConn is one agent connection seen from the agent side.
type messageConn interface {
	Write(ctx context.Context, text string) error

	// Read returns the next message, or ok=false if none arrived within
	// wait.
	Read(ctx context.Context, wait time.Duration) (text string, ok bool, err error)

	Close() error
}

// Probe tests connectivity and authentication against a hub listener.
func Probe(ctx context.Context, opts Options) *Result {
	if opts.Transport == "" {
		opts.Transport = TransportTCP
	}
	if opts.Path == "" {
		opts.Path = "/agent"
	}
	if opts.ServerName == "" {
		opts.ServerName = "probe"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Settle <= 0 {
		opts.Settle = time.Second
	}

	result := &Result{
		Transport: opts.Transport,
		Address:   opts.Address,
	}
	fail := func(err error) *Result {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	startTime := time.Now()
	conn, err := dial(ctx, opts)
	if err != nil {
		return fail(err)
	}
	defer conn.Close()
	result.RTT = time.Since(startTime)

	reg := &protocol.Register{
		ServerName: opts.ServerName,
		PluginName: "relayhub-probe",
		Commands:   []protocol.CommandDefinition{},
	}
	if opts.Secret != "" {
		reg.Secret = &opts.Secret
	}
	text, err := protocol.EncodeMessage(reg)
	if err != nil {
		return fail(err)
	}

	if err := conn.Write(ctx, text); err != nil {
		// A blocked address is told so and disconnected before the
		// register lands; prefer the hub's explanation.
		if reply, ok, _ := conn.Read(ctx, opts.Settle); ok {
			result.Rejection = reply
			return fail(fmt.Errorf("%w: %s", ErrRejected, reply))
		}
		return fail(fmt.Errorf("failed to send register: %w", err))
	}

	reply, ok, err := conn.Read(ctx, opts.Settle)
	switch {
	case err != nil:
		return fail(fmt.Errorf("connection closed after register: %w", err))
	case ok:
		result.Rejection = reply
		return fail(fmt.Errorf("%w: %s", ErrRejected, reply))
	}

	result.Success = true
	return result
}

func dial(ctx context.Context, opts Options) (messageConn, error) {
	switch opts.Transport {
	case TransportTCP:
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", opts.Address)
		if err != nil {
			return nil, err
		}
		return &tcpConn{
			conn: c,
			r:    protocol.NewFrameReader(bufio.NewReader(c), 0),
			w:    protocol.NewFrameWriter(c),
		}, nil

	case TransportWebSocket:
		url := formatWebSocketURL(opts.Address, opts.Path)
		c, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		c.SetReadLimit(protocol.MaxFrameSize)
		return &wsConn{conn: c}, nil

	default:
		return nil, fmt.Errorf("unknown transport type: %s", opts.Transport)
	}
}

type tcpConn struct {
	conn net.Conn
	r    *protocol.FrameReader
	w    *protocol.FrameWriter
}

func (c *tcpConn) Write(ctx context.Context, text string) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	}
	return c.w.Write(text)
}

func (c *tcpConn) Read(ctx context.Context, wait time.Duration) (string, bool, error) {
	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)

	text, err := c.r.Read()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", false, nil
		}
		return "", false, err
	}
	return text, true, nil
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Write(ctx context.Context, text string) error {
	return c.conn.Write(ctx, websocket.MessageText, []byte(text))
}

func (c *wsConn) Read(ctx context.Context, wait time.Duration) (string, bool, error) {
	readCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	_, data, err := c.conn.Read(readCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "probe done")
}

// formatWebSocketURL adds the ws:// scheme and path to an address if not
// present.
func formatWebSocketURL(address, path string) string {
	if !strings.HasPrefix(address, "ws://") && !strings.HasPrefix(address, "wss://") {
		address = "ws://" + address
	}
	rest := address[strings.Index(address, "://")+3:]
	if strings.Contains(rest, "/") || path == "" {
		return address
	}
	return address + path
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	if errors.Is(err, ErrRejected) {
		switch {
		case strings.Contains(errStr, protocol.ErrTextIPBlocked):
			return "Address is banned after repeated failed authentications"
		case strings.Contains(errStr, protocol.ErrTextInvalidSecret):
			return "Secret rejected - check the hub's shared secret"
		case strings.Contains(errStr, protocol.ErrTextNoSecret):
			return "No secret sent - pass --secret"
		case strings.Contains(errStr, protocol.ErrTextAuthTimeout):
			return "Authentication timed out"
		}
		return "Registration rejected: " + errStr
	}

	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	// Connection errors
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if strings.Contains(errStr, "connection refused") {
			return "Connection refused - hub not running or port blocked"
		}
		if strings.Contains(errStr, "no route to host") {
			return "No route to host - network unreachable"
		}
		if strings.Contains(errStr, "network is unreachable") {
			return "Network unreachable"
		}
	}

	// Timeout errors
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "Connection timed out - firewall may be blocking"
	}

	// WebSocket upgrade errors
	if strings.Contains(errStr, "expected handshake response status code 101") {
		return "Connected but WebSocket upgrade failed - wrong path or not a relay hub?"
	}

	if strings.Contains(errStr, "connection closed after register") {
		return "Connection closed without a reason - not a relay hub?"
	}

	return err.Error()
}
