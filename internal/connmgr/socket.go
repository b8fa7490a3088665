package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ErrNotOpen is returned when writing to a socket that is not open.
var ErrNotOpen = errors.New("connmgr: socket not open")

// writeTimeout bounds a single frame write.
const writeTimeout = 5 * time.Second

// State is the lifecycle state of a socket.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Handlers are the lifecycle callbacks bound to a socket when it is dialed.
// All fields are optional. Callbacks run on the socket's reader goroutine,
// except OnError for a failed dial, which runs on the dialing goroutine.
type Handlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func(code websocket.StatusCode, reason string)
}

// Socket is one managed connection. Views hold a key, not a Socket; the
// Manager hands Sockets out for writing only.
type Socket struct {
	key      string
	id       string
	handlers Handlers

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	conn        Conn
	state       State
	closeCode   websocket.StatusCode
	closeReason string
}

func newSocket(key string, h Handlers) *Socket {
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		key:      key,
		id:       uuid.NewString(),
		handlers: h,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    StateConnecting,
	}
}

// Key returns the registry key.
func (s *Socket) Key() string { return s.key }

// ID is a unique id for log correlation.
func (s *Socket) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the reader goroutine has exited and OnClose has run.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Send writes one text frame.
func (s *Socket) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != StateOpen || conn == nil {
		return ErrNotOpen
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("connmgr: write %s: %w", s.key, err)
	}
	return nil
}

// SendJSON marshals v and writes it as a text frame.
func (s *Socket) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("connmgr: marshal: %w", err)
	}
	return s.Send(ctx, data)
}

// Close starts a close handshake with code. It is safe to call repeatedly;
// only the first call's code is reported to OnClose.
func (s *Socket) Close(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	switch s.state {
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.closeCode = code
	s.closeReason = reason
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		// Still dialing; the dial result is discarded by attach.
		s.cancel()
		return
	}
	go func() {
		if err := conn.Close(code, reason); err != nil {
			log.Printf("connmgr: close %s (%s): %v", s.key, s.id, err)
		}
		s.cancel()
	}()
}

// attach installs a dialed connection. It reports false when the socket
// was closed while dialing.
func (s *Socket) attach(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.conn = conn
	s.state = StateOpen
	return true
}

// fail marks a socket whose dial never produced a connection.
func (s *Socket) fail() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.cancel()
	close(s.done)
}

func (s *Socket) readLoop() {
	defer close(s.done)
	defer s.cancel()

	var readErr error
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			readErr = err
			break
		}
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(data)
		}
	}

	s.mu.Lock()
	code, reason := s.closeCode, s.closeReason
	local := s.state == StateClosing
	s.state = StateClosed
	s.mu.Unlock()

	if !local {
		code = websocket.CloseStatus(readErr)
		if code == -1 {
			code = websocket.StatusAbnormalClosure
			if s.handlers.OnError != nil {
				s.handlers.OnError(readErr)
			}
		}
		var ce websocket.CloseError
		if errors.As(readErr, &ce) {
			reason = ce.Reason
		}
	}
	if s.handlers.OnClose != nil {
		s.handlers.OnClose(code, reason)
	}
}
