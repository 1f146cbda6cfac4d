package transport

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/relayhub/internal/protocol"
)

func startWebSocket(t *testing.T, cfg WebSocketConfig) *WebSocketServer {
	t.Helper()
	cfg.Address = "127.0.0.1:0"
	s := NewWebSocketServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func dialWebSocket(t *testing.T, ctx context.Context, s *WebSocketServer) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.Dial(ctx, "ws://"+s.Address()+s.cfg.Path, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func TestNewWebSocketServer_DefaultPath(t *testing.T) {
	s := NewWebSocketServer(WebSocketConfig{Address: "127.0.0.1:0"})
	if s.cfg.Path != "/agent" {
		t.Errorf("default path = %s, want /agent", s.cfg.Path)
	}
}

func TestWebSocketServer_StartStop(t *testing.T) {
	s := NewWebSocketServer(WebSocketConfig{Address: "127.0.0.1:0", Handler: echoHandler})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Error("listener should be running")
	}
	if err := s.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("listener should not be running after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestWebSocketServer_Echo(t *testing.T) {
	s := startWebSocket(t, WebSocketConfig{Handler: echoHandler})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := dialWebSocket(t, ctx, s)

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"register"}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if typ != websocket.MessageText {
		t.Errorf("message type = %v, want text", typ)
	}
	if string(data) != `echo:{"type":"register"}` {
		t.Errorf("Read() = %q", data)
	}

	waitFor(t, func() bool { return s.ConnectionCount() == 1 })
}

func TestWebSocketServer_BinaryMessageClosesConnection(t *testing.T) {
	readErr := make(chan error, 1)
	s := startWebSocket(t, WebSocketConfig{
		Handler: func(ctx context.Context, conn Conn) {
			_, err := conn.ReadMessage()
			readErr <- err
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := dialWebSocket(t, ctx, s)
	c.Write(ctx, websocket.MessageBinary, []byte{0x01, 0x02})

	select {
	case err := <-readErr:
		if err == nil || !strings.Contains(err.Error(), protocol.ErrInvalidFrame.Error()) {
			t.Errorf("ReadMessage() error = %v, want invalid frame", err)
		}
	case <-ctx.Done():
		t.Fatal("handler did not observe the binary message")
	}
}

func TestWebSocketServer_GateRejects(t *testing.T) {
	var handled atomic.Bool
	s := startWebSocket(t, WebSocketConfig{
		Handler: func(ctx context.Context, conn Conn) { handled.Store(true) },
		Admission: AdmissionConfig{
			Gate: func(ctx context.Context, ip string) bool { return ip != "127.0.0.1" },
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := dialWebSocket(t, ctx, s)

	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(data) != protocol.ErrTextIPBlocked {
		t.Errorf("Read() = %q, want %q", data, protocol.ErrTextIPBlocked)
	}
	if _, _, err := c.Read(ctx); err == nil {
		t.Error("connection should be closed after rejection")
	}
	if handled.Load() {
		t.Error("handler should not run for a gated connection")
	}
}

func TestWebSocketServer_MaxConnections(t *testing.T) {
	s := startWebSocket(t, WebSocketConfig{
		Handler:   echoHandler,
		Admission: AdmissionConfig{MaxConnections: 1},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dialWebSocket(t, ctx, s)
	waitFor(t, func() bool { return s.ConnectionCount() == 1 })

	_, resp, err := websocket.Dial(ctx, "ws://"+s.Address()+"/agent", nil)
	if err == nil {
		t.Fatal("second Dial() should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("response = %v, want 503", resp)
	}
}

func TestWebSocketServer_UnknownPath(t *testing.T) {
	s := startWebSocket(t, WebSocketConfig{Handler: echoHandler})

	resp, err := http.Get("http://" + s.Address() + "/unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWsConn_Identity(t *testing.T) {
	s := startWebSocket(t, WebSocketConfig{
		Handler: func(ctx context.Context, conn Conn) {
			conn.WriteMessage(string(conn.TransportType()) + " " + conn.IP())
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := dialWebSocket(t, ctx, s)

	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(data) != "websocket 127.0.0.1" {
		t.Errorf("identity = %q", data)
	}
}
