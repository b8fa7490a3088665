// Package conversation keeps one conversation live: its messages, unread
// count, typing indicators and read receipts, with optimistic sends over the
// socket and REST when the socket is down.
package conversation

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gastownhall/chatsync/internal/backoff"
	"github.com/gastownhall/chatsync/internal/channel"
	"github.com/gastownhall/chatsync/internal/chat"
	"github.com/gastownhall/chatsync/internal/connmgr"
	"github.com/gastownhall/chatsync/internal/restapi"
	"github.com/gastownhall/chatsync/internal/tokenstore"
	"github.com/gastownhall/chatsync/internal/typing"
)

// ErrEmptyMessage is returned by Send for blank content.
var ErrEmptyMessage = errors.New("conversation: empty message")

// Config describes one conversation client.
type Config struct {
	ConversationID int64
	LocalUserID    int64
	WSBaseURL      string
	Tokens         tokenstore.Source
	Manager        *connmgr.Manager
	REST           REST
	Notifier       Notifier
	Policy         backoff.Policy
	TypingTTL      time.Duration

	// Focused reports whether the conversation is on screen. Notifications
	// for new messages are suppressed while it returns true.
	Focused func() bool
	// OnChange, if set, is called after any state change.
	OnChange func()
	// OnStateChange, if set, is called on connection state transitions.
	OnStateChange func(channel.State)
	// Now defaults to time.Now.
	Now func() time.Time
	// TempID allocates optimistic message ids. Defaults to a counter seeded
	// from the clock.
	TempID func() int64
}

// Client is the live state of one conversation. It implements chat.Handler;
// inbound frames are applied in the order they are handled.
type Client struct {
	cfg    Config
	ch     *channel.Channel
	typers *typing.Tracker

	mu      sync.Mutex
	conv    chat.Conversation
	msgs    messageLog
	unread  int
	lastTmp int64
}

// New creates a Client. Nothing is dialed until Connect.
func New(cfg Config) *Client {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{}
	}
	c := &Client{cfg: cfg}
	c.conv.ID = cfg.ConversationID
	if c.cfg.TempID == nil {
		c.cfg.TempID = c.nextTempID
	}
	c.typers = typing.NewTracker(cfg.TypingTTL, func([]int64) { c.changed() })
	c.ch = channel.New(channel.Config{
		Key:           chat.ConversationKey(cfg.ConversationID),
		Path:          "chat/" + strconv.FormatInt(cfg.ConversationID, 10),
		WSBaseURL:     cfg.WSBaseURL,
		Tokens:        cfg.Tokens,
		Manager:       cfg.Manager,
		Policy:        cfg.Policy,
		Handler:       c,
		OnStateChange: cfg.OnStateChange,
		Now:           cfg.Now,
	})
	return c
}

// nextTempID hands out increasing ids starting at the current unix millis.
func (c *Client) nextTempID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Now().UnixMilli()
	if now <= c.lastTmp {
		now = c.lastTmp + 1
	}
	c.lastTmp = now
	return now
}

// Connect opens the conversation socket.
func (c *Client) Connect(ctx context.Context) error {
	return c.ch.Connect(ctx)
}

// Load seeds the conversation and its messages over REST.
func (c *Client) Load(ctx context.Context) error {
	if c.cfg.REST == nil {
		return errors.New("conversation: no REST client configured")
	}
	conv, err := c.cfg.REST.GetConversation(ctx, c.cfg.ConversationID)
	if err != nil {
		return err
	}
	msgs, err := c.cfg.REST.ListMessages(ctx, c.cfg.ConversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conv = conv
	c.unread = conv.UnreadCount
	c.msgs.reset(msgs)
	c.mu.Unlock()
	c.changed()
	return nil
}

// Close tears the socket down without reconnecting and stops typing timers.
func (c *Client) Close() {
	c.ch.Close()
	c.typers.Close()
}

// Transport returns the transport outbound actions currently use.
func (c *Client) Transport() Transport {
	if c.ch.IsOpen() {
		return socketTransport{ch: c.ch}
	}
	return restTransport{rest: c.cfg.REST, conversationID: c.cfg.ConversationID}
}

// Send sends content. Over the socket the message is listed immediately
// with a temp id and confirmed by a later message_sent frame. Over REST the
// stored message is listed once the request succeeds.
func (c *Client) Send(ctx context.Context, content string, metadata map[string]any) error {
	if content == "" {
		return ErrEmptyMessage
	}
	t := c.Transport()
	if t.Optimistic() {
		return c.sendOptimistic(ctx, t, content, metadata)
	}
	if c.cfg.REST == nil {
		return connmgr.ErrNotOpen
	}

	msg, err := t.SendMessage(ctx, content, metadata, 0)
	if err != nil {
		c.reportSendError(err)
		return err
	}
	msg.Pending = false
	if msg.ConversationID == 0 {
		msg.ConversationID = c.cfg.ConversationID
	}
	c.mu.Lock()
	c.msgs.insert(msg)
	c.touchLatest(msg)
	c.mu.Unlock()
	c.changed()
	return nil
}

func (c *Client) sendOptimistic(ctx context.Context, t Transport, content string, metadata map[string]any) error {
	tempID := c.cfg.TempID()
	c.mu.Lock()
	c.msgs.insert(chat.Message{
		ID:             tempID,
		ConversationID: c.cfg.ConversationID,
		SenderID:       c.cfg.LocalUserID,
		Content:        content,
		Metadata:       metadata,
		CreatedAt:      c.cfg.Now(),
		Pending:        true,
	})
	c.mu.Unlock()
	c.changed()

	if _, err := t.SendMessage(ctx, content, metadata, tempID); err != nil {
		c.mu.Lock()
		c.msgs.withdraw(tempID)
		c.mu.Unlock()
		c.changed()
		log.Printf("conversation %d: send failed: %v", c.cfg.ConversationID, err)
		return err
	}
	return nil
}

func (c *Client) reportSendError(err error) {
	var apiErr *restapi.APIError
	if restapi.IsPolicyViolation(err) && errors.As(err, &apiErr) {
		c.cfg.Notifier.Blocked(apiErr.Detail, apiErr.Violations)
		return
	}
	log.Printf("conversation %d: send failed: %v", c.cfg.ConversationID, err)
	c.cfg.Notifier.Error(restapi.ErrorMessage(err))
}

// MarkRead clears the unread count and marks every loaded message from
// other participants read, then tells the server.
func (c *Client) MarkRead(ctx context.Context) error {
	c.mu.Lock()
	c.unread = 0
	c.conv.UnreadCount = 0
	c.msgs.markAllRead(c.cfg.LocalUserID, c.cfg.Now())
	c.mu.Unlock()
	c.changed()

	t := c.Transport()
	if !t.Optimistic() && c.cfg.REST == nil {
		return nil
	}
	if err := t.MarkRead(ctx); err != nil {
		log.Printf("conversation %d: mark read via %s: %v", c.cfg.ConversationID, t.Name(), err)
		return err
	}
	return nil
}

// StartTyping announces that the local user is typing. It does nothing
// while the socket is closed.
func (c *Client) StartTyping(ctx context.Context) error {
	return c.setTyping(ctx, true)
}

// StopTyping announces that the local user stopped typing.
func (c *Client) StopTyping(ctx context.Context) error {
	return c.setTyping(ctx, false)
}

func (c *Client) setTyping(ctx context.Context, typing bool) error {
	if !c.ch.IsOpen() {
		return nil
	}
	return socketTransport{ch: c.ch}.SetTyping(ctx, typing)
}

// Messages returns a copy of the message list.
func (c *Client) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs.snapshot()
}

// UnreadCount returns the number of unread messages from others.
func (c *Client) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// TypingUsers returns the ids of participants currently typing.
func (c *Client) TypingUsers() []int64 {
	return c.typers.Active()
}

// Conversation returns the latest conversation summary.
func (c *Client) Conversation() chat.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

// State returns the socket state.
func (c *Client) State() channel.State {
	return c.ch.State()
}

// Inbound frames.

func (c *Client) HandleNewMessage(f chat.NewMessage) {
	m := f.Message
	if m.ConversationID == 0 {
		m.ConversationID = f.ConversationID
	}
	if m.ConversationID != 0 && m.ConversationID != c.cfg.ConversationID {
		return
	}
	m.ConversationID = c.cfg.ConversationID
	m.Pending = false
	fromOther := m.SenderID != c.cfg.LocalUserID

	c.mu.Lock()
	inserted := c.msgs.insert(m)
	if inserted {
		if fromOther {
			c.unread++
			c.conv.UnreadCount = c.unread
		}
		c.touchLatest(m)
	}
	c.mu.Unlock()
	if !inserted {
		return
	}
	if fromOther {
		c.typers.Remove(m.SenderID)
	}
	c.changed()
	if fromOther && !c.focused() {
		c.cfg.Notifier.NewMessage(m)
	}
}

func (c *Client) HandleUserTyping(f chat.UserTyping) {
	if f.UserID == c.cfg.LocalUserID {
		return
	}
	if f.IsTyping {
		c.typers.Touch(f.UserID)
	} else {
		c.typers.Remove(f.UserID)
	}
}

func (c *Client) HandleMessagesRead(f chat.MessagesRead) {
	now := c.cfg.Now()
	c.mu.Lock()
	var n int
	if len(f.MessageIDs) == 0 {
		n = c.msgs.markAllRead(f.UserID, now)
	} else {
		n = c.msgs.markRead(f.MessageIDs, now)
	}
	if f.UserID == c.cfg.LocalUserID {
		c.unread = 0
		c.conv.UnreadCount = 0
	}
	c.mu.Unlock()
	if n > 0 || f.UserID == c.cfg.LocalUserID {
		c.changed()
	}
}

func (c *Client) HandleMessageSent(f chat.MessageSent) {
	c.mu.Lock()
	ok := c.msgs.confirm(f.TempID, f.ServerID)
	if ok {
		if i := c.msgs.find(f.ServerID, false); i >= 0 {
			c.touchLatest(c.msgs.msgs[i])
		}
	}
	c.mu.Unlock()
	if !ok {
		log.Printf("conversation %d: message_sent for unknown temp id %d", c.cfg.ConversationID, f.TempID)
		return
	}
	c.changed()
}

func (c *Client) HandleMessageBlocked(f chat.MessageBlocked) {
	if f.TempID != 0 {
		c.mu.Lock()
		removed := c.msgs.withdraw(f.TempID)
		c.mu.Unlock()
		if removed {
			c.changed()
		}
	}
	c.cfg.Notifier.Blocked(f.Reason, f.Violations)
}

func (c *Client) HandleConversationUpdated(f chat.ConversationUpdated) {
	if f.Conversation.ID != c.cfg.ConversationID {
		return
	}
	c.mu.Lock()
	c.conv = f.Conversation
	c.conv.UnreadCount = c.unread
	c.mu.Unlock()
	c.changed()
}

func (c *Client) HandleStatusChanged(f chat.StatusChanged) {
	if f.ConversationID != c.cfg.ConversationID {
		return
	}
	c.mu.Lock()
	c.conv.Status = f.Status
	c.mu.Unlock()
	c.changed()
}

func (c *Client) HandleError(f chat.ErrorFrame) {
	log.Printf("conversation %d: server error: %s", c.cfg.ConversationID, f.Message)
	c.cfg.Notifier.Error(f.Message)
}

// touchLatest must be called with c.mu held.
func (c *Client) touchLatest(m chat.Message) {
	c.conv.LatestMessage = m.Preview()
	if m.CreatedAt.After(c.conv.UpdatedAt) {
		c.conv.UpdatedAt = m.CreatedAt
	}
}

func (c *Client) focused() bool {
	return c.cfg.Focused != nil && c.cfg.Focused()
}

func (c *Client) changed() {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange()
	}
}
