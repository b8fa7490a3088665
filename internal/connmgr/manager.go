// Package connmgr keeps at most one live websocket per logical key and
// hands the same socket to every caller that asks for that key while it is
// open.
package connmgr

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"
	"nhooyr.io/websocket"
)

// Conn is the subset of *websocket.Conn the manager uses, so tests can run
// without a network.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens transport-level connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// WebSocketDialer dials real websockets. readLimit caps inbound frames; zero
// keeps the library default.
func WebSocketDialer(opts *websocket.DialOptions, readLimit int64) Dialer {
	return DialerFunc(func(ctx context.Context, url string) (Conn, error) {
		conn, _, err := websocket.Dial(ctx, url, opts)
		if err != nil {
			return nil, err
		}
		if readLimit > 0 {
			conn.SetReadLimit(readLimit)
		}
		return conn, nil
	})
}

// Manager owns the key → socket registry. The zero value is not usable;
// call New.
type Manager struct {
	dialer Dialer
	group  singleflight.Group

	mu      sync.Mutex
	sockets map[string]*Socket
}

// New creates a Manager that dials through d.
func New(d Dialer) *Manager {
	return &Manager{
		dialer:  d,
		sockets: make(map[string]*Socket),
	}
}

// GetConnection returns the open socket for key, dialing url when there is
// none. An open socket is returned as is and h is not bound to it. A
// socket that is closing or closed is closed explicitly, discarded and
// replaced. Concurrent callers for the same key share one dial.
func (m *Manager) GetConnection(ctx context.Context, key, url string, h Handlers) (*Socket, error) {
	var stale *Socket
	m.mu.Lock()
	if s, ok := m.sockets[key]; ok {
		switch s.State() {
		case StateOpen:
			m.mu.Unlock()
			return s, nil
		case StateClosing, StateClosed:
			delete(m.sockets, key)
			stale = s
		}
	}
	m.mu.Unlock()

	if stale != nil {
		stale.Close(websocket.StatusNormalClosure, "replaced")
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.dial(ctx, key, url, h)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Socket), nil
}

func (m *Manager) dial(ctx context.Context, key, url string, h Handlers) (*Socket, error) {
	m.mu.Lock()
	prev, ok := m.sockets[key]
	if ok && prev.State() == StateOpen {
		m.mu.Unlock()
		return prev, nil
	}
	s := newSocket(key, h)
	m.sockets[key] = s
	m.mu.Unlock()

	if prev != nil {
		prev.Close(websocket.StatusNormalClosure, "replaced")
	}

	dialCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	conn, err := m.dialer.Dial(dialCtx, url)
	stop()
	cancel()

	if err != nil {
		m.forget(s)
		s.fail()
		if h.OnError != nil {
			h.OnError(err)
		}
		return nil, fmt.Errorf("connmgr: dial %s: %w", key, err)
	}
	if !s.attach(conn) {
		_ = conn.Close(websocket.StatusNormalClosure, "closed while connecting")
		m.forget(s)
		s.fail()
		return nil, fmt.Errorf("connmgr: dial %s: %w", key, ErrNotOpen)
	}

	log.Printf("connmgr: %s connected (%s)", key, s.id)
	if h.OnOpen != nil {
		h.OnOpen()
	}
	go s.readLoop()
	return s, nil
}

// forget removes s from the registry if it is still the entry for its key.
func (m *Manager) forget(s *Socket) {
	m.mu.Lock()
	if m.sockets[s.key] == s {
		delete(m.sockets, s.key)
	}
	m.mu.Unlock()
}

// Release closes s with a normal-closure code and removes it if it is
// still the entry for its key. A newer socket under the same key is left
// alone.
func (m *Manager) Release(s *Socket) {
	m.forget(s)
	s.Close(websocket.StatusNormalClosure, "")
}

// CloseConnection closes the socket for key with a normal-closure code and
// removes it. Unknown keys are ignored.
func (m *Manager) CloseConnection(key string) {
	m.mu.Lock()
	s, ok := m.sockets[key]
	delete(m.sockets, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Close(websocket.StatusNormalClosure, "")
}

// CloseAllConnections closes every tracked socket, as on logout.
func (m *Manager) CloseAllConnections() {
	m.mu.Lock()
	sockets := make([]*Socket, 0, len(m.sockets))
	for _, s := range m.sockets {
		sockets = append(sockets, s)
	}
	m.sockets = make(map[string]*Socket)
	m.mu.Unlock()

	for _, s := range sockets {
		s.Close(websocket.StatusNormalClosure, "")
	}
	if len(sockets) > 0 {
		log.Printf("connmgr: closed %d connections", len(sockets))
	}
}

// IsConnected reports whether key has an open socket.
func (m *Manager) IsConnected(key string) bool {
	return m.State(key) == StateOpen
}

// State returns the state of key's socket, or StateClosed when absent.
func (m *Manager) State(key string) State {
	m.mu.Lock()
	s, ok := m.sockets[key]
	m.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return s.State()
}

// Socket returns the tracked socket for key, if any.
func (m *Manager) Socket(key string) (*Socket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sockets[key]
	return s, ok
}

// Len returns the number of tracked sockets.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sockets)
}
