// Package channel runs one logical socket channel on top of the connection
// manager: it builds the authenticated URL, decodes inbound frames for a
// chat.Handler and reconnects with backoff after abnormal closes.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/gastownhall/chatsync/internal/backoff"
	"github.com/gastownhall/chatsync/internal/chat"
	"github.com/gastownhall/chatsync/internal/connmgr"
	"github.com/gastownhall/chatsync/internal/tokenstore"
	"github.com/gastownhall/chatsync/internal/wsbase"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("channel: closed")

// dialTimeout bounds a reconnect dial.
const dialTimeout = 15 * time.Second

// State is the channel lifecycle as seen by a view.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config describes one channel.
type Config struct {
	Key       string // registry key, e.g. chat.ListKey
	Path      string // URL path under /ws/, e.g. "conversations"
	WSBaseURL string
	Tokens    tokenstore.Source
	Manager   *connmgr.Manager
	Policy    backoff.Policy
	Handler   chat.Handler

	// OnStateChange, if set, is called after every state transition.
	OnStateChange func(State)
	// Now defaults to time.Now; it stamps the _t URL parameter.
	Now func() time.Time
}

// Channel is a reconnecting socket channel.
type Channel struct {
	cfg     Config
	retrier *backoff.Retrier

	mu     sync.Mutex
	state  State
	closed bool
}

// New creates a Channel. Nothing is dialed until Connect.
func New(cfg Config) *Channel {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Policy == (backoff.Policy{}) {
		cfg.Policy = backoff.DefaultPolicy
	}
	return &Channel{
		cfg:     cfg,
		retrier: backoff.NewRetrier(cfg.Policy),
	}
}

// Key returns the registry key.
func (ch *Channel) Key() string { return ch.cfg.Key }

// State returns the current state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// IsOpen reports whether frames can be sent right now.
func (ch *Channel) IsOpen() bool {
	return ch.State() == Open && ch.cfg.Manager.IsConnected(ch.cfg.Key)
}

// Attempts returns the reconnect attempts used since the last open.
func (ch *Channel) Attempts() int { return ch.retrier.Attempts() }

// Connect opens the channel. A missing token fails before any dial. A dial
// failure is returned and also schedules a reconnect.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrClosed
	}
	ch.mu.Unlock()
	return ch.connect(ctx)
}

func (ch *Channel) connect(ctx context.Context) error {
	token, err := ch.cfg.Tokens.Token()
	if err != nil {
		return fmt.Errorf("channel %s: %w", ch.cfg.Key, err)
	}
	url, err := wsbase.SocketURL(ch.cfg.WSBaseURL, ch.cfg.Path, token, ch.cfg.Now())
	if err != nil {
		return fmt.Errorf("channel %s: %w", ch.cfg.Key, err)
	}

	ch.setState(Connecting)
	s, err := ch.cfg.Manager.GetConnection(ctx, ch.cfg.Key, url, connmgr.Handlers{
		OnOpen:    ch.onOpen,
		OnMessage: ch.onMessage,
		OnError:   ch.onError,
		OnClose:   ch.onClose,
	})
	if err != nil {
		ch.setState(Disconnected)
		ch.scheduleReconnect()
		return err
	}

	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		// Close ran while dialing and found nothing to tear down.
		ch.cfg.Manager.Release(s)
		ch.setState(Disconnected)
		return ErrClosed
	}

	// An already-open socket was reused and onOpen did not run. A socket
	// that dropped in the meantime has already moved the state on.
	if s.State() == connmgr.StateOpen {
		ch.promote(Connecting, Open)
	}
	return nil
}

// Send marshals v and writes it to the channel's socket.
func (ch *Channel) Send(ctx context.Context, v any) error {
	s, ok := ch.cfg.Manager.Socket(ch.cfg.Key)
	if !ok || ch.State() != Open {
		return connmgr.ErrNotOpen
	}
	return s.SendJSON(ctx, v)
}

// Close tears the channel down with a normal closure, which suppresses
// reconnection, and cancels any pending reconnect.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.mu.Unlock()

	ch.retrier.Stop()
	ch.setState(Closing)
	ch.cfg.Manager.CloseConnection(ch.cfg.Key)
	ch.setState(Disconnected)
}

func (ch *Channel) onOpen() {
	ch.retrier.Reset()
	ch.setState(Open)
}

func (ch *Channel) onMessage(data []byte) {
	f, err := chat.DecodeFrame(data)
	if err != nil {
		log.Printf("channel %s: %v", ch.cfg.Key, err)
		return
	}
	f.Dispatch(ch.cfg.Handler)
}

func (ch *Channel) onError(err error) {
	log.Printf("channel %s: connection error: %v", ch.cfg.Key, err)
}

func (ch *Channel) onClose(code websocket.StatusCode, reason string) {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()

	ch.setState(Disconnected)
	if closed || code == websocket.StatusNormalClosure {
		return
	}
	log.Printf("channel %s: closed abnormally (%v %s)", ch.cfg.Key, code, reason)
	ch.scheduleReconnect()
}

func (ch *Channel) scheduleReconnect() {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return
	}
	delay, ok := ch.retrier.Schedule(ch.reconnect)
	if !ok {
		log.Printf("channel %s: giving up after %d reconnect attempts", ch.cfg.Key, ch.retrier.Attempts())
		return
	}
	log.Printf("channel %s: reconnecting in %v (attempt %d)", ch.cfg.Key, delay, ch.retrier.Attempts())
}

func (ch *Channel) reconnect() {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := ch.connect(ctx); err != nil {
		log.Printf("channel %s: reconnect failed: %v", ch.cfg.Key, err)
	}
}

func (ch *Channel) setState(s State) {
	ch.mu.Lock()
	if ch.state == s {
		ch.mu.Unlock()
		return
	}
	ch.state = s
	ch.mu.Unlock()
	if ch.cfg.OnStateChange != nil {
		ch.cfg.OnStateChange(s)
	}
}

// promote moves the state to s only while it is still from.
func (ch *Channel) promote(from, s State) {
	ch.mu.Lock()
	if ch.state != from {
		ch.mu.Unlock()
		return
	}
	ch.state = s
	ch.mu.Unlock()
	if ch.cfg.OnStateChange != nil {
		ch.cfg.OnStateChange(s)
	}
}
