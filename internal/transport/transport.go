// Package transport accepts agent connections and presents each one as a
// stream of text messages.
//
// Two transports are provided: framed TCP, where every message is a
// 2-byte length-prefixed frame, and WebSocket, where every text message is
// one protocol message. Both apply the same admission checks before a
// connection reaches its Handler.
package transport

import (
	"context"
	"errors"
	"net"
	"strings"
)

// TransportType identifies the transport protocol.
type TransportType string

const (
	TransportTCP       TransportType = "tcp"
	TransportWebSocket TransportType = "websocket"
)

// ErrConnClosed is returned for operations on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn is an accepted agent connection carrying one text message per frame.
type Conn interface {
	// ReadMessage blocks until the next complete message arrives.
	ReadMessage() (string, error)

	// WriteMessage sends one message. Safe for concurrent use.
	WriteMessage(msg string) error

	// Close closes the connection. Safe to call multiple times.
	Close() error

	// RemoteAddr returns the peer address as host:port.
	RemoteAddr() string

	// IP returns the peer host without the port.
	IP() string

	// TransportType returns the transport protocol type.
	TransportType() TransportType
}

// Handler serves one admitted connection. It blocks for the lifetime of
// the connection; the connection is closed when it returns.
type Handler func(ctx context.Context, conn Conn)

// Gate reports whether connections from ip are currently allowed.
type Gate func(ctx context.Context, ip string) bool

// hostOf strips the port from a host:port address.
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.Trim(addr, "[]")
	}
	return host
}
