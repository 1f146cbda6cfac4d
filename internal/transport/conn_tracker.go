package transport

import (
	"io"
	"sync"
	"sync/atomic"
)

// trackable is a closable connection usable as a map key.
type trackable interface {
	comparable
	io.Closer
}

// connTracker keeps the set of open connections for a listener so Stop can
// close them all. Shared by the TCP and WebSocket servers.
type connTracker[T trackable] struct {
	mu    sync.Mutex
	conns map[T]struct{}
	n     atomic.Int64
}

func newConnTracker[T trackable]() *connTracker[T] {
	return &connTracker[T]{conns: make(map[T]struct{})}
}

func (t *connTracker[T]) add(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[conn] = struct{}{}
	t.n.Add(1)
}

// remove is safe to call for connections already removed by closeAll.
func (t *connTracker[T]) remove(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[conn]; ok {
		delete(t.conns, conn)
		t.n.Add(-1)
	}
}

func (t *connTracker[T]) count() int64 {
	return t.n.Load()
}

func (t *connTracker[T]) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[T]struct{})
	t.n.Store(0)
}
