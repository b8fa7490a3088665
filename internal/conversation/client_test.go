package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/gastownhall/chatsync/internal/backoff"
	"github.com/gastownhall/chatsync/internal/channel"
	"github.com/gastownhall/chatsync/internal/chat"
	"github.com/gastownhall/chatsync/internal/connmgr"
	"github.com/gastownhall/chatsync/internal/restapi"
	"github.com/gastownhall/chatsync/internal/tokenstore"
)

const (
	me    int64 = 1
	other int64 = 2
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.MessageText, data, nil
	case <-c.closed:
		return 0, nil, errors.New("closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.written))
	for _, p := range c.written {
		var m map[string]any
		_ = json.Unmarshal(p, &m)
		out = append(out, m)
	}
	return out
}

type fakeDialer struct {
	dials atomic.Int32
	conn  *fakeConn
}

func (d *fakeDialer) Dial(context.Context, string) (connmgr.Conn, error) {
	d.dials.Add(1)
	return d.conn, nil
}

type recordingNotifier struct {
	mu         sync.Mutex
	newMsgs    []chat.Message
	blocked    []string
	violations [][]string
	errs       []string
}

func (n *recordingNotifier) NewMessage(m chat.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.newMsgs = append(n.newMsgs, m)
}

func (n *recordingNotifier) Blocked(reason string, violations []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = append(n.blocked, reason)
	n.violations = append(n.violations, violations)
}

func (n *recordingNotifier) Error(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, message)
}

func (n *recordingNotifier) counts() (newMsgs, blocked, errs int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.newMsgs), len(n.blocked), len(n.errs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func fixedTempIDs(ids ...int64) func() int64 {
	var mu sync.Mutex
	return func() int64 {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}
}

// newConnected returns a client whose socket is open over a fake conn.
func newConnected(t *testing.T, cfg Config) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	d := &fakeDialer{conn: conn}
	cfg.ConversationID = 42
	cfg.LocalUserID = me
	cfg.WSBaseURL = "ws://chat.test"
	cfg.Tokens = tokenstore.Static("tok")
	cfg.Manager = connmgr.New(d)
	cfg.Policy = backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 1}
	c := New(cfg)
	t.Cleanup(c.Close)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != channel.Open {
		t.Fatalf("state = %v, want open", c.State())
	}
	return c, conn
}

func deliver(conn *fakeConn, frame string) { conn.in <- []byte(frame) }

func TestDuplicateNewMessageInsertedOnce(t *testing.T) {
	n := &recordingNotifier{}
	c, conn := newConnected(t, Config{Notifier: n})

	frame := `{"type":"new_message","message":{"id":7,"conversation_id":42,"sender_id":2,"content":"hi"}}`
	deliver(conn, frame)
	deliver(conn, frame)
	deliver(conn, `{"type":"new_message","message":{"id":8,"conversation_id":42,"sender_id":2,"content":"marker"}}`)

	waitFor(t, "marker message", func() bool { return len(c.Messages()) == 2 })
	msgs := c.Messages()
	if msgs[0].ID != 7 || msgs[1].ID != 8 {
		t.Fatalf("ids = %d,%d, want 7,8", msgs[0].ID, msgs[1].ID)
	}
	if got := c.UnreadCount(); got != 2 {
		t.Fatalf("UnreadCount = %d, want 2", got)
	}
	if got, _, _ := n.counts(); got != 2 {
		t.Fatalf("notifications = %d, want 2", got)
	}
}

func TestOptimisticSendConfirmedInPlace(t *testing.T) {
	c, conn := newConnected(t, Config{TempID: fixedTempIDs(1001)})

	c.HandleNewMessage(chat.NewMessage{Message: chat.Message{ID: 5000, SenderID: other, Content: "before"}})
	if err := c.Send(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	opt := msgs[1]
	if opt.ID != 1001 || !opt.Pending || opt.Delivered || opt.SenderID != me {
		t.Fatalf("optimistic = %+v", opt)
	}

	frames := conn.frames()
	if len(frames) != 1 {
		t.Fatalf("frames written = %d, want 1", len(frames))
	}
	if frames[0]["type"] != "send_message" || frames[0]["content"] != "hello" || frames[0]["temp_id"] != float64(1001) {
		t.Fatalf("frame = %v", frames[0])
	}

	deliver(conn, `{"type":"message_sent","message_id":1001,"timestamp":5003}`)
	waitFor(t, "confirmation", func() bool { return c.Messages()[1].ID == 5003 })

	msgs = c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len = %d after confirm, want 2", len(msgs))
	}
	got := msgs[1]
	if got.Pending || !got.Delivered || got.Content != "hello" {
		t.Fatalf("confirmed = %+v", got)
	}
	if c.UnreadCount() != 1 {
		t.Fatalf("own message changed unread: %d", c.UnreadCount())
	}
}

func TestConfirmationAfterRacingNewMessage(t *testing.T) {
	c, _ := newConnected(t, Config{TempID: fixedTempIDs(1001)})

	if err := c.Send(context.Background(), "hello", nil); err != nil {
		t.Fatal(err)
	}
	c.HandleNewMessage(chat.NewMessage{Message: chat.Message{ID: 5003, SenderID: me, Content: "hello"}})
	c.HandleMessageSent(chat.MessageSent{TempID: 1001, ServerID: 5003})
	c.HandleNewMessage(chat.NewMessage{Message: chat.Message{ID: 5003, SenderID: me, Content: "hello"}})

	msgs := c.Messages()
	if len(msgs) != 1 {
		t.Fatalf("len = %d, want exactly one copy: %+v", len(msgs), msgs)
	}
	if msgs[0].ID != 5003 || msgs[0].Pending {
		t.Fatalf("msg = %+v", msgs[0])
	}
}

func TestConfirmationBeforeEcho(t *testing.T) {
	c, _ := newConnected(t, Config{TempID: fixedTempIDs(1001)})

	if err := c.Send(context.Background(), "hello", nil); err != nil {
		t.Fatal(err)
	}
	c.HandleMessageSent(chat.MessageSent{TempID: 1001, ServerID: 5003})
	c.HandleNewMessage(chat.NewMessage{Message: chat.Message{ID: 5003, SenderID: me, Content: "hello"}})

	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].ID != 5003 {
		t.Fatalf("msgs = %+v", msgs)
	}
	for _, m := range msgs {
		if m.ID == 1001 {
			t.Fatal("temp id still listed")
		}
	}
}

func TestSendWriteFailureWithdrawsOptimistic(t *testing.T) {
	c, conn := newConnected(t, Config{TempID: fixedTempIDs(1001)})
	conn.mu.Lock()
	conn.writeErr = errors.New("broken pipe")
	conn.mu.Unlock()

	if err := c.Send(context.Background(), "hello", nil); err == nil {
		t.Fatal("Send should fail")
	}
	if got := len(c.Messages()); got != 0 {
		t.Fatalf("len = %d, want optimistic entry withdrawn", got)
	}
}

func TestMessageBlockedWithdrawsNamedTempID(t *testing.T) {
	n := &recordingNotifier{}
	c, _ := newConnected(t, Config{Notifier: n, TempID: fixedTempIDs(1001, 1002)})

	_ = c.Send(context.Background(), "call me 555-123-4567", nil)
	_ = c.Send(context.Background(), "ok", nil)

	c.HandleMessageBlocked(chat.MessageBlocked{Reason: "contact info", Violations: []string{"phone"}, TempID: 1001})
	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].ID != 1002 {
		t.Fatalf("msgs = %+v", msgs)
	}

	c.HandleMessageBlocked(chat.MessageBlocked{Reason: "contact info"})
	if len(c.Messages()) != 1 {
		t.Fatal("blocked frame without temp id mutated the list")
	}
	if _, blocked, _ := n.counts(); blocked != 2 {
		t.Fatalf("blocked notifications = %d, want 2", blocked)
	}
	if n.violations[0][0] != "phone" {
		t.Fatalf("violations = %v", n.violations)
	}
}

func TestSendOverRESTWhenDisconnected(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/conversations/42/messages/" {
			http.NotFound(w, r)
			return
		}
		posts.Add(1)
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"content":"hello"`) {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":77,"conversation_id":42,"sender_id":1,"content":"hello","delivered":true}`))
	}))
	defer srv.Close()

	var seen []int64
	var mu sync.Mutex
	var c *Client
	c = New(Config{
		ConversationID: 42,
		LocalUserID:    me,
		WSBaseURL:      "ws://chat.test",
		Tokens:         tokenstore.Static("tok"),
		Manager:        connmgr.New(&fakeDialer{conn: newFakeConn()}),
		REST:           restapi.New(srv.URL, tokenstore.Static("tok"), nil),
		OnChange: func() {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range c.Messages() {
				seen = append(seen, m.ID)
			}
		},
	})
	defer c.Close()

	if name := c.Transport().Name(); name != "rest" {
		t.Fatalf("transport = %s, want rest", name)
	}
	if err := c.Send(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if posts.Load() != 1 {
		t.Fatalf("posts = %d, want 1", posts.Load())
	}
	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].ID != 77 || msgs[0].Pending {
		t.Fatalf("msgs = %+v", msgs)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, id := range seen {
		if id != 77 {
			t.Fatalf("list exposed id %d, want only the stored id", id)
		}
	}
}

func TestRESTPolicyViolationNotifiesBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"Message blocked","violations":["email"]}`))
	}))
	defer srv.Close()

	n := &recordingNotifier{}
	c := New(Config{
		ConversationID: 42,
		LocalUserID:    me,
		Tokens:         tokenstore.Static("tok"),
		Manager:        connmgr.New(&fakeDialer{conn: newFakeConn()}),
		REST:           restapi.New(srv.URL, tokenstore.Static("tok"), nil),
		Notifier:       n,
	})
	defer c.Close()

	err := c.Send(context.Background(), "a@b.example", nil)
	if !restapi.IsPolicyViolation(err) {
		t.Fatalf("err = %v, want policy violation", err)
	}
	if _, blocked, errs := n.counts(); blocked != 1 || errs != 0 {
		t.Fatalf("blocked=%d errs=%d, want 1,0", blocked, errs)
	}
	if len(c.Messages()) != 0 {
		t.Fatal("blocked message was listed")
	}
}

func TestMarkReadLocalFirstThenFrame(t *testing.T) {
	c, conn := newConnected(t, Config{})
	c.HandleNewMessage(chat.NewMessage{Message: chat.Message{ID: 1, SenderID: other}})
	c.HandleNewMessage(chat.NewMessage{Message: chat.Message{ID: 2, SenderID: other}})
	c.HandleNewMessage(chat.NewMessage{Message: chat.Message{ID: 3, SenderID: me}})

	if err := c.MarkRead(context.Background()); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if c.UnreadCount() != 0 {
		t.Fatalf("UnreadCount = %d", c.UnreadCount())
	}
	for _, m := range c.Messages() {
		if m.SenderID == other && (!m.Read || m.ReadAt == nil) {
			t.Fatalf("message %d not marked read", m.ID)
		}
		if m.SenderID == me && m.Read {
			t.Fatalf("own message %d marked read", m.ID)
		}
	}

	conn.mu.Lock()
	raw := string(conn.written[len(conn.written)-1])
	conn.mu.Unlock()
	if raw != `{"type":"mark_read","message_ids":[]}` {
		t.Fatalf("frame = %s", raw)
	}
}

func TestMessagesReadFromPeer(t *testing.T) {
	c, _ := newConnected(t, Config{})
	c.HandleNewMessage(chat.NewMessage{Message: chat.Message{ID: 1, SenderID: me}})
	c.HandleNewMessage(chat.NewMessage{Message: chat.Message{ID: 2, SenderID: me}})
	c.HandleNewMessage(chat.NewMessage{Message: chat.Message{ID: 3, SenderID: other}})

	c.HandleMessagesRead(chat.MessagesRead{UserID: other, MessageIDs: []int64{1}})
	msgs := c.Messages()
	if !msgs[0].Read || msgs[1].Read {
		t.Fatalf("read flags = %v,%v, want true,false", msgs[0].Read, msgs[1].Read)
	}

	c.HandleMessagesRead(chat.MessagesRead{UserID: other})
	msgs = c.Messages()
	if !msgs[1].Read {
		t.Fatal("empty list should mark all of my messages read")
	}
	if msgs[2].Read {
		t.Fatal("reader's own message marked read")
	}
	if c.UnreadCount() != 1 {
		t.Fatalf("peer receipt changed my unread count: %d", c.UnreadCount())
	}
}

func TestTypingExpiresAndRefreshes(t *testing.T) {
	c, conn := newConnected(t, Config{TypingTTL: 200 * time.Millisecond})

	deliver(conn, `{"type":"user_typing","user_id":2,"is_typing":true}`)
	deliver(conn, `{"type":"user_typing","user_id":1,"is_typing":true}`)
	waitFor(t, "typing", func() bool { return len(c.TypingUsers()) == 1 })
	if got := c.TypingUsers(); got[0] != other {
		t.Fatalf("TypingUsers = %v, want [%d]", got, other)
	}

	time.Sleep(120 * time.Millisecond)
	c.HandleUserTyping(chat.UserTyping{UserID: other, IsTyping: true})
	time.Sleep(140 * time.Millisecond)
	if len(c.TypingUsers()) != 1 {
		t.Fatal("refresh did not restart the timer")
	}

	waitFor(t, "expiry", func() bool { return len(c.TypingUsers()) == 0 })
}

func TestTypingStopAndNewMessageClear(t *testing.T) {
	c, _ := newConnected(t, Config{})

	c.HandleUserTyping(chat.UserTyping{UserID: other, IsTyping: true})
	c.HandleUserTyping(chat.UserTyping{UserID: other, IsTyping: false})
	if len(c.TypingUsers()) != 0 {
		t.Fatal("typing stop ignored")
	}

	c.HandleUserTyping(chat.UserTyping{UserID: other, IsTyping: true})
	c.HandleNewMessage(chat.NewMessage{Message: chat.Message{ID: 9, SenderID: other}})
	if len(c.TypingUsers()) != 0 {
		t.Fatal("new message should clear the sender's typing indicator")
	}
}

func TestNotificationsSuppressedWhenFocused(t *testing.T) {
	n := &recordingNotifier{}
	var focused atomic.Bool
	focused.Store(true)
	c, _ := newConnected(t, Config{Notifier: n, Focused: focused.Load})

	c.HandleNewMessage(chat.NewMessage{Message: chat.Message{ID: 1, SenderID: other}})
	focused.Store(false)
	c.HandleNewMessage(chat.NewMessage{Message: chat.Message{ID: 2, SenderID: me}})
	c.HandleNewMessage(chat.NewMessage{Message: chat.Message{ID: 3, SenderID: other}})

	if got, _, _ := n.counts(); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}
	if n.newMsgs[0].ID != 3 {
		t.Fatalf("notified %d, want 3", n.newMsgs[0].ID)
	}
}

func TestNewMessageForOtherConversationIgnored(t *testing.T) {
	c, _ := newConnected(t, Config{})
	c.HandleNewMessage(chat.NewMessage{Message: chat.Message{ID: 1, ConversationID: 99, SenderID: other}})
	if len(c.Messages()) != 0 {
		t.Fatal("message for another conversation was listed")
	}
}

func TestSummaryFrames(t *testing.T) {
	n := &recordingNotifier{}
	c, _ := newConnected(t, Config{Notifier: n})

	c.HandleConversationUpdated(chat.ConversationUpdated{Conversation: chat.Conversation{ID: 42, Subject: "Sublease", Status: chat.StatusActive}})
	c.HandleStatusChanged(chat.StatusChanged{ConversationID: 42, Status: chat.StatusBookingConfirmed})
	c.HandleStatusChanged(chat.StatusChanged{ConversationID: 7, Status: chat.StatusArchived})
	c.HandleError(chat.ErrorFrame{Message: "not a participant"})

	conv := c.Conversation()
	if conv.Subject != "Sublease" || conv.Status != chat.StatusBookingConfirmed {
		t.Fatalf("conv = %+v", conv)
	}
	if _, _, errs := n.counts(); errs != 1 {
		t.Fatalf("errors = %d, want 1", errs)
	}
}

func TestTypingNoopWhenDisconnected(t *testing.T) {
	c := New(Config{ConversationID: 42, Tokens: tokenstore.Static("tok"), Manager: connmgr.New(&fakeDialer{conn: newFakeConn()})})
	defer c.Close()
	if err := c.StartTyping(context.Background()); err != nil {
		t.Fatalf("StartTyping: %v", err)
	}
	if err := c.Send(context.Background(), "", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestTypingFramesWhenOpen(t *testing.T) {
	c, conn := newConnected(t, Config{})
	_ = c.StartTyping(context.Background())
	_ = c.StopTyping(context.Background())
	frames := conn.frames()
	if len(frames) != 2 || frames[0]["type"] != "typing_start" || frames[1]["type"] != "typing_stop" {
		t.Fatalf("frames = %v", frames)
	}
}

func TestLoadKeepsPendingMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/conversations/42/":
			_, _ = w.Write([]byte(`{"id":42,"subject":"Room","unread_count":3,"status":"active"}`))
		case "/api/conversations/42/messages/":
			_, _ = w.Write([]byte(`{"results":[{"id":1,"sender_id":2},{"id":2,"sender_id":1}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, _ := newConnected(t, Config{
		REST:   restapi.New(srv.URL, tokenstore.Static("tok"), nil),
		TempID: fixedTempIDs(1001),
	})
	_ = c.Send(context.Background(), "draft", nil)

	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	msgs := c.Messages()
	if len(msgs) != 3 || msgs[0].ID != 1 || msgs[2].ID != 1001 || !msgs[2].Pending {
		t.Fatalf("msgs = %+v", msgs)
	}
	if c.UnreadCount() != 3 || c.Conversation().Subject != "Room" {
		t.Fatalf("unread=%d conv=%+v", c.UnreadCount(), c.Conversation())
	}
}

func TestCloseStopsReconnectAndTyping(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conn: conn}
	c := New(Config{
		ConversationID: 42,
		WSBaseURL:      "ws://chat.test",
		Tokens:         tokenstore.Static("tok"),
		Manager:        connmgr.New(d),
		Policy:         backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3},
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.HandleUserTyping(chat.UserTyping{UserID: other, IsTyping: true})
	c.Close()
	time.Sleep(30 * time.Millisecond)

	if d.dials.Load() != 1 {
		t.Fatalf("dials = %d, want 1", d.dials.Load())
	}
	if len(c.TypingUsers()) != 0 {
		t.Fatal("typing timers survived Close")
	}
	if c.State() != channel.Disconnected {
		t.Fatalf("state = %v", c.State())
	}
}
