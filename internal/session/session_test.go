package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/postalsys/relayhub/internal/banstore"
	"github.com/postalsys/relayhub/internal/config"
	"github.com/postalsys/relayhub/internal/correlator"
	"github.com/postalsys/relayhub/internal/protocol"
	"github.com/postalsys/relayhub/internal/registry"
	"github.com/postalsys/relayhub/internal/secret"
	"github.com/postalsys/relayhub/internal/transport"
)

const testSecret = "abc123XYZ"

// fakeBans records ban store calls.
type fakeBans struct {
	mu       sync.Mutex
	failures map[string]int
	cleared  []string

	// hold, when set, blocks RecordFailure after counting until it is
	// closed, like a slow ban store.
	hold chan struct{}
}

func newFakeBans() *fakeBans {
	return &fakeBans{failures: make(map[string]int)}
}

func (f *fakeBans) RecordFailure(ctx context.Context, ip string) (banstore.Record, error) {
	f.mu.Lock()
	f.failures[ip]++
	rec := banstore.Record{IP: ip, Attempts: f.failures[ip]}
	hold := f.hold
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
		}
	}
	return rec, nil
}

func (f *fakeBans) holdFailures() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = make(chan struct{})
	return f.hold
}

func (f *fakeBans) Clear(ctx context.Context, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, ip)
	f.cleared = append(f.cleared, ip)
	return nil
}

func (f *fakeBans) failureCount(ip string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[ip]
}

func (f *fakeBans) clearedIPs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleared...)
}

type mailbox chan correlator.Outcome

func (m mailbox) Deliver(o correlator.Outcome) { m <- o }

// harness runs one session over an in-memory pipe. The test plays the
// agent on the peer side.
type harness struct {
	sess *Session
	reg  *registry.Registry
	corr *correlator.Correlator
	bans *fakeBans
	clk  *clock.Mock

	peer   net.Conn
	reader *protocol.FrameReader
	writer *protocol.FrameWriter
	served chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithConn(t, 0)
}

func newHarnessWithConn(t *testing.T, maxFrame int) *harness {
	t.Helper()

	local, peer := net.Pipe()
	clk := clock.NewMock()

	h := &harness{
		reg:    registry.New(nil, nil),
		corr:   correlator.New(correlator.Config{Timeout: 10 * time.Second, Clock: clk}),
		bans:   newFakeBans(),
		clk:    clk,
		peer:   peer,
		reader: protocol.NewFrameReader(peer, 0),
		writer: protocol.NewFrameWriter(peer),
		served: make(chan struct{}),
	}

	settings := &Settings{
		Verifier: secret.NewVerifier(testSecret, ""),
		Debug:    config.Default().Debug,
	}

	h.sess = New(transport.NewConn(local, maxFrame, time.Second), Config{
		Registry:    h.reg,
		Correlator:  h.corr,
		Bans:        h.bans,
		Settings:    func() *Settings { return settings },
		AuthTimeout: 30 * time.Second,
		Clock:       clk,
	})

	go func() {
		defer close(h.served)
		h.sess.Serve(context.Background())
	}()

	t.Cleanup(func() {
		peer.Close()
		h.sess.Close()
		<-h.served
	})

	h.waitState(t, StateAuthPending)
	return h
}

func (h *harness) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	text, err := protocol.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	h.sendText(t, text)
}

func (h *harness) sendText(t *testing.T, text string) {
	t.Helper()
	h.peer.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := h.writer.Write(text); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

func (h *harness) read(t *testing.T) string {
	t.Helper()
	h.peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := h.reader.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return msg
}

func (h *harness) expectClosed(t *testing.T) {
	t.Helper()
	h.peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := h.reader.Read(); err != io.EOF {
		t.Errorf("Read() after close = %v, want io.EOF", err)
	}
	select {
	case <-h.sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed")
	}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.sess.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("State() = %s, want %s", h.sess.State(), want)
}

func (h *harness) authenticate(t *testing.T, name string, commands ...string) {
	t.Helper()
	h.send(t, registerMsg(testSecret, name, commands...))
	h.waitState(t, StateAuthenticated)
}

func registerMsg(code, name string, commands ...string) *protocol.Register {
	reg := &protocol.Register{ServerName: name, PluginName: "TestPlugin"}
	if code != "" {
		reg.Secret = &code
	}
	for _, c := range commands {
		reg.Commands = append(reg.Commands, protocol.CommandDefinition{
			Name:        c,
			Description: c + " command",
			Context:     protocol.ContextBoth,
		})
	}
	return reg
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnecting, "CONNECTING"},
		{StateAuthPending, "AUTH_PENDING"},
		{StateAuthenticated, "AUTHENTICATED"},
		{StateClosed, "CLOSED"},
		{State(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestSession_Authenticates(t *testing.T) {
	h := newHarness(t)
	h.authenticate(t, "S1", "heal", "kick")

	if h.sess.ServerName() != "S1" {
		t.Errorf("ServerName() = %q, want S1", h.sess.ServerName())
	}
	for _, cmd := range []string{"heal", "kick"} {
		entries := h.reg.ServersFor(cmd)
		if len(entries) != 1 || entries[0].ServerName != "S1" || entries[0].Agent != registry.Agent(h.sess) {
			t.Errorf("ServersFor(%s) = %+v", cmd, entries)
		}
	}
	if ips := h.bans.clearedIPs(); len(ips) != 1 {
		t.Errorf("cleared = %v, want one clear", ips)
	}

	info := h.sess.Info()
	if info.State != "AUTHENTICATED" || info.PluginName != "TestPlugin" || len(info.Commands) != 2 {
		t.Errorf("Info() = %+v", info)
	}
	if info.Transport != string(transport.TransportTCP) {
		t.Errorf("Info().Transport = %s", info.Transport)
	}
}

func TestSession_InvalidSecret(t *testing.T) {
	h := newHarness(t)
	h.send(t, registerMsg("wrong-secret", "S1", "heal"))

	if got := h.read(t); got != protocol.ErrTextInvalidSecret {
		t.Errorf("error frame = %q, want %q", got, protocol.ErrTextInvalidSecret)
	}
	h.expectClosed(t)

	if n := h.bans.failureCount(h.sess.conn.IP()); n != 1 {
		t.Errorf("failures = %d, want 1", n)
	}
	if len(h.reg.ServersFor("heal")) != 0 {
		t.Error("rejected agent should not serve commands")
	}
	if h.sess.State() != StateClosed {
		t.Errorf("State() = %s, want CLOSED", h.sess.State())
	}
}

func TestSession_MissingSecret(t *testing.T) {
	h := newHarness(t)
	h.sendText(t, `{"type":"register","serverName":"S1","pluginName":"p","commands":[]}`)

	if got := h.read(t); got != protocol.ErrTextNoSecret {
		t.Errorf("error frame = %q, want %q", got, protocol.ErrTextNoSecret)
	}
	h.expectClosed(t)

	if n := h.bans.failureCount(h.sess.conn.IP()); n != 1 {
		t.Errorf("failures = %d, want 1", n)
	}
}

func TestSession_AuthTimeout(t *testing.T) {
	h := newHarness(t)

	h.clk.Add(29 * time.Second)
	if h.sess.State() != StateAuthPending {
		t.Fatalf("State() = %s before deadline", h.sess.State())
	}

	h.clk.Add(time.Second)

	if got := h.read(t); got != protocol.ErrTextAuthTimeout {
		t.Errorf("error frame = %q, want %q", got, protocol.ErrTextAuthTimeout)
	}
	h.expectClosed(t)

	if n := h.bans.failureCount(h.sess.conn.IP()); n != 1 {
		t.Errorf("failures = %d, want 1", n)
	}
}

func TestSession_DeadlineDuringSlowRejection(t *testing.T) {
	h := newHarness(t)
	release := h.bans.holdFailures()
	ip := h.sess.conn.IP()

	h.send(t, registerMsg("wrong-secret", "S1", "heal"))
	if got := h.read(t); got != protocol.ErrTextInvalidSecret {
		t.Fatalf("error frame = %q, want %q", got, protocol.ErrTextInvalidSecret)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.bans.failureCount(ip) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	// The auth deadline passes while the failure is still being recorded.
	h.clk.Add(31 * time.Second)
	time.Sleep(20 * time.Millisecond)
	close(release)

	h.expectClosed(t)
	if n := h.bans.failureCount(ip); n != 1 {
		t.Errorf("failures for one rejected register = %d, want 1", n)
	}
}

func TestSession_AuthTimerCancelled(t *testing.T) {
	h := newHarness(t)
	h.authenticate(t, "S1", "heal")

	h.clk.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)

	if h.sess.State() != StateAuthenticated {
		t.Errorf("State() = %s, want AUTHENTICATED", h.sess.State())
	}
	if n := h.bans.failureCount(h.sess.conn.IP()); n != 0 {
		t.Errorf("failures = %d, want 0", n)
	}
}

func TestSession_ResponseResolvesRequest(t *testing.T) {
	h := newHarness(t)
	h.authenticate(t, "S1", "heal")

	caller := make(mailbox, 1)
	idCh := make(chan string, 1)
	go func() {
		idCh <- h.corr.Dispatch(caller, "heal", map[string]string{"player": "steve"}, h.sess)
	}()

	msg, err := protocol.DecodeMessage(h.read(t))
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	req, ok := msg.(*protocol.Request)
	if !ok {
		t.Fatalf("agent received %T, want *protocol.Request", msg)
	}
	if req.Command != "heal" || req.Options["player"] != "steve" {
		t.Errorf("request = %+v", req)
	}
	id := <-idCh
	if req.RequestID != id {
		t.Errorf("RequestID = %s, want %s", req.RequestID, id)
	}

	h.send(t, &protocol.Response{RequestID: req.RequestID, Response: "Healed!"})

	select {
	case o := <-caller:
		if o.Kind != correlator.OutcomeSuccess || o.Response != "Healed!" || o.ServerName != "S1" {
			t.Errorf("outcome = %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome delivered")
	}
}

func TestSession_LateResponseDropped(t *testing.T) {
	h := newHarness(t)
	h.authenticate(t, "S1", "heal")

	caller := make(mailbox, 2)
	go h.corr.Dispatch(caller, "heal", nil, h.sess)
	msg, _ := protocol.DecodeMessage(h.read(t))
	req := msg.(*protocol.Request)

	h.clk.Add(10 * time.Second)
	select {
	case o := <-caller:
		if o.Kind != correlator.OutcomeTimeout {
			t.Fatalf("outcome = %s, want timeout", o.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no timeout delivered")
	}

	h.send(t, &protocol.Response{RequestID: req.RequestID, Response: "too late"})
	time.Sleep(20 * time.Millisecond)

	select {
	case o := <-caller:
		t.Errorf("late response delivered: %+v", o)
	default:
	}
	if h.sess.State() != StateAuthenticated {
		t.Errorf("State() = %s, late response should not close the session", h.sess.State())
	}
}

func TestSession_DisconnectCleanup(t *testing.T) {
	h := newHarness(t)
	h.authenticate(t, "S1", "X", "Y")

	caller := make(mailbox, 1)
	go h.corr.Dispatch(caller, "X", nil, h.sess)
	h.read(t)

	h.peer.Close()
	select {
	case <-h.sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close on disconnect")
	}

	for _, cmd := range []string{"X", "Y"} {
		if entries := h.reg.ServersFor(cmd); len(entries) != 0 {
			t.Errorf("ServersFor(%s) = %+v after disconnect", cmd, entries)
		}
		if _, ok := h.reg.Definition(cmd); !ok {
			t.Errorf("definition %s removed on disconnect", cmd)
		}
	}

	// The request dispatched before the disconnect still times out.
	h.clk.Add(10 * time.Second)
	select {
	case o := <-caller:
		if o.Kind != correlator.OutcomeTimeout {
			t.Errorf("outcome = %s, want timeout", o.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no timeout delivered")
	}

	// Dispatching to the closed session fails the write and times out too.
	late := make(mailbox, 1)
	h.corr.Dispatch(late, "X", nil, h.sess)
	h.clk.Add(10 * time.Second)
	select {
	case o := <-late:
		if o.Kind != correlator.OutcomeTimeout {
			t.Errorf("outcome = %s, want timeout", o.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no timeout delivered for closed session")
	}
}

func TestSession_UnknownTypeIgnored(t *testing.T) {
	h := newHarness(t)
	h.authenticate(t, "S1", "heal")

	h.sendText(t, `{"type":"ping"}`)
	h.sendText(t, `{"type":"request","command":"heal","options":{},"requestId":"x"}`)

	// A response to an unknown id proves the loop is still reading.
	h.send(t, &protocol.Response{RequestID: "not-a-uuid", Response: "?"})
	h.authenticate(t, "S1", "kick")

	if h.sess.State() != StateAuthenticated {
		t.Errorf("State() = %s, want AUTHENTICATED", h.sess.State())
	}
	if len(h.reg.ServersFor("heal")) != 1 {
		t.Error("unknown message changed registrations")
	}
}

func TestSession_MalformedMessageDropped(t *testing.T) {
	h := newHarness(t)

	h.sendText(t, "this is not json")
	h.sendText(t, `{"type":"response","response":"no id"}`)
	h.authenticate(t, "S1", "heal")

	if len(h.reg.ServersFor("heal")) != 1 {
		t.Error("session should authenticate after malformed messages")
	}
}

func TestSession_ResponseBeforeAuthIgnored(t *testing.T) {
	h := newHarness(t)

	h.send(t, &protocol.Response{RequestID: "00000000-0000-0000-0000-000000000000", Response: "x"})
	h.authenticate(t, "S1", "heal")
}

func TestSession_OversizedFrameCloses(t *testing.T) {
	h := newHarnessWithConn(t, 64)

	h.peer.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := h.peer.Write([]byte{0x01, 0x00}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case <-h.sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session should close on oversized frame")
	}
}

func TestSession_ReRegister(t *testing.T) {
	h := newHarness(t)
	h.authenticate(t, "S1", "heal")

	h.send(t, registerMsg(testSecret, "other-name", "kick"))
	deadline := time.Now().Add(2 * time.Second)
	for len(h.reg.ServersFor("kick")) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	entries := h.reg.ServersFor("kick")
	if len(entries) != 1 || entries[0].ServerName != "S1" {
		t.Errorf("ServersFor(kick) = %+v, want S1", entries)
	}
	if h.sess.ServerName() != "S1" {
		t.Errorf("ServerName() = %q, want S1", h.sess.ServerName())
	}
	if len(h.bans.clearedIPs()) != 1 {
		t.Error("re-registration should not clear the ban again")
	}
}

func TestSession_ReRegisterInvalidSecretCloses(t *testing.T) {
	h := newHarness(t)
	h.authenticate(t, "S1", "heal")

	h.send(t, registerMsg("wrong-secret", "S1", "kick"))
	if got := h.read(t); got != protocol.ErrTextInvalidSecret {
		t.Errorf("error frame = %q", got)
	}
	h.expectClosed(t)

	if len(h.reg.ServersFor("heal")) != 0 {
		t.Error("closed session still serves heal")
	}
}

func TestSession_SendRequiresAuthentication(t *testing.T) {
	h := newHarness(t)

	err := h.sess.Send(&protocol.Request{Command: "heal", RequestID: "x"})
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Send() error = %v, want ErrNotAuthenticated", err)
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	h := newHarness(t)
	h.authenticate(t, "S1", "heal")

	h.sess.Close()
	h.sess.Close()

	if h.sess.State() != StateClosed {
		t.Errorf("State() = %s, want CLOSED", h.sess.State())
	}
	if len(h.reg.ServersFor("heal")) != 0 {
		t.Error("closed session still serves heal")
	}
}

func TestSession_ContextCancelCloses(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()

	sess := New(transport.NewConn(local, 0, time.Second), Config{
		Registry:   registry.New(nil, nil),
		Correlator: correlator.New(correlator.Config{}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sess.Serve(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if sess.State() != StateClosed {
		t.Errorf("State() = %s, want CLOSED", sess.State())
	}
}
