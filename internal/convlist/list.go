// Package convlist keeps the caller's conversation summaries live over the
// conversation-list socket, ordered most recently updated first.
package convlist

import (
	"context"
	"errors"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/gastownhall/chatsync/internal/backoff"
	"github.com/gastownhall/chatsync/internal/channel"
	"github.com/gastownhall/chatsync/internal/chat"
	"github.com/gastownhall/chatsync/internal/connmgr"
	"github.com/gastownhall/chatsync/internal/tokenstore"
)

// REST is the subset of the REST client the list needs.
type REST interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	UpdateStatus(ctx context.Context, id int64, status chat.Status) (chat.Conversation, error)
}

// Config describes the list client.
type Config struct {
	LocalUserID int64
	WSBaseURL   string
	Tokens      tokenstore.Source
	Manager     *connmgr.Manager
	REST        REST
	Policy      backoff.Policy

	// OnChange, if set, is called after every mutation of the list.
	OnChange      func()
	OnStateChange func(channel.State)
	Now           func() time.Time
}

// Client is the live conversation list. It handles every frame kind
// explicitly.
type Client struct {
	cfg Config
	ch  *channel.Channel

	mu    sync.Mutex
	convs []chat.Conversation
}

var _ chat.Handler = (*Client)(nil)

// New creates a Client. Nothing is dialed until Connect.
func New(cfg Config) *Client {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Client{cfg: cfg}
	c.ch = channel.New(channel.Config{
		Key:           chat.ListKey,
		Path:          "conversations",
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

// Connect opens the list socket.
func (c *Client) Connect(ctx context.Context) error { return c.ch.Connect(ctx) }

// Close tears the list socket down without reconnecting.
func (c *Client) Close() { c.ch.Close() }

// State returns the socket state.
func (c *Client) State() channel.State { return c.ch.State() }

// Load replaces the list with the REST listing.
func (c *Client) Load(ctx context.Context) error {
	if c.cfg.REST == nil {
		return errors.New("convlist: no REST client configured")
	}
	convs, err := c.cfg.REST.ListConversations(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.convs = append(c.convs[:0:0], convs...)
	sortByUpdated(c.convs)
	c.mu.Unlock()
	c.changed()
	return nil
}

// UpdateStatus changes a conversation's status over REST and applies the
// result locally.
func (c *Client) UpdateStatus(ctx context.Context, id int64, status chat.Status) error {
	if c.cfg.REST == nil {
		return errors.New("convlist: no REST client configured")
	}
	if _, err := c.cfg.REST.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	c.HandleStatusChanged(chat.StatusChanged{ConversationID: id, Status: status})
	return nil
}

// Conversations returns a copy of the list.
func (c *Client) Conversations() []chat.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.convs)
}

// Get returns one conversation by id.
func (c *Client) Get(id int64) (chat.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.convs[i], true
	}
	return chat.Conversation{}, false
}

// Stats derives the list statistics as of now.
func (c *Client) Stats(now time.Time) chat.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chat.ComputeStats(c.convs, now)
}

// HandleConversationUpdated upserts the conversation, prepending unknown
// ones, then re-sorts.
func (c *Client) HandleConversationUpdated(f chat.ConversationUpdated) {
	c.mu.Lock()
	if i := c.indexLocked(f.Conversation.ID); i >= 0 {
		c.convs[i] = f.Conversation
	} else {
		c.convs = slices.Insert(c.convs, 0, f.Conversation)
	}
	sortByUpdated(c.convs)
	c.mu.Unlock()
	c.changed()
}

// HandleNewMessage moves the message's conversation to its new position.
// Messages for conversations not in the list are ignored.
func (c *Client) HandleNewMessage(f chat.NewMessage) {
	id := f.ConversationID
	if id == 0 {
		id = f.Message.ConversationID
	}
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return
	}
	conv := &c.convs[i]
	conv.LatestMessage = f.Message.Preview()
	if f.Message.CreatedAt.IsZero() {
		conv.UpdatedAt = c.cfg.Now()
	} else {
		conv.UpdatedAt = f.Message.CreatedAt
	}
	if f.Message.SenderID != c.cfg.LocalUserID {
		conv.UnreadCount++
	}
	sortByUpdated(c.convs)
	c.mu.Unlock()
	c.changed()
}

// HandleStatusChanged patches the status in place without re-sorting.
func (c *Client) HandleStatusChanged(f chat.StatusChanged) {
	c.mu.Lock()
	i := c.indexLocked(f.ConversationID)
	if i < 0 {
		c.mu.Unlock()
		return
	}
	c.convs[i].Status = f.Status
	c.mu.Unlock()
	c.changed()
}

func (c *Client) HandleError(f chat.ErrorFrame) {
	log.Printf("convlist: server error: %s", f.Message)
}

// Typing indicators belong to the open conversation view.
func (c *Client) HandleUserTyping(chat.UserTyping) {}

// Read receipts reach the list as conversation_updated with a fresh count.
func (c *Client) HandleMessagesRead(chat.MessagesRead) {}

// Send acknowledgements go to the conversation socket that sent.
func (c *Client) HandleMessageSent(chat.MessageSent) {}

// Blocked sends go to the conversation socket that sent.
func (c *Client) HandleMessageBlocked(chat.MessageBlocked) {}

// MarkRead zeroes the unread count of one conversation locally.
func (c *Client) MarkRead(id int64) {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 || c.convs[i].UnreadCount == 0 {
		c.mu.Unlock()
		return
	}
	c.convs[i].UnreadCount = 0
	c.mu.Unlock()
	c.changed()
}

func (c *Client) indexLocked(id int64) int {
	return slices.IndexFunc(c.convs, func(conv chat.Conversation) bool { return conv.ID == id })
}

func (c *Client) changed() {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange()
	}
}

// sortByUpdated orders by UpdatedAt descending, keeping ties in place.
func sortByUpdated(convs []chat.Conversation) {
	slices.SortStableFunc(convs, func(a, b chat.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
}
