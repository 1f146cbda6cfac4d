package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/relayhub/internal/protocol"
)

// frameConn carries length-prefixed frames over a net.Conn.
type frameConn struct {
	conn   net.Conn
	reader *protocol.FrameReader

	writeMu      sync.Mutex
	writer       *protocol.FrameWriter
	writeTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps c as a framed Conn. maxFrameSize of 0 means the protocol
// maximum. writeTimeout of 0 disables write deadlines.
func NewConn(c net.Conn, maxFrameSize int, writeTimeout time.Duration) Conn {
	return &frameConn{
		conn:         c,
		reader:       protocol.NewFrameReader(c, maxFrameSize),
		writer:       protocol.NewFrameWriter(c),
		writeTimeout: writeTimeout,
	}
}

func (c *frameConn) ReadMessage() (string, error) {
	msg, err := c.reader.Read()
	if err != nil && c.closed.Load() {
		return "", ErrConnClosed
	}
	return msg, err
}

func (c *frameConn) WriteMessage(msg string) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	err := c.writer.Write(msg)
	if err != nil && (c.closed.Load() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)) {
		return ErrConnClosed
	}
	return err
}

func (c *frameConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *frameConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *frameConn) IP() string {
	return hostOf(c.RemoteAddr())
}

func (c *frameConn) TransportType() TransportType {
	return TransportTCP
}
