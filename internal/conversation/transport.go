package conversation

import (
	"context"

	"github.com/gastownhall/chatsync/internal/channel"
	"github.com/gastownhall/chatsync/internal/chat"
)

// REST is the subset of the REST client a conversation needs.
type REST interface {
	GetConversation(ctx context.Context, id int64) (chat.Conversation, error)
	ListMessages(ctx context.Context, id int64) ([]chat.Message, error)
	SendMessage(ctx context.Context, id int64, content string, metadata map[string]any) (chat.Message, error)
	MarkRead(ctx context.Context, id int64, messageIDs []int64) error
}

// Transport carries outbound actions. The socket transport is optimistic:
// SendMessage returns no message and the stored copy is announced later by
// a message_sent frame. The REST transport returns the stored message.
type Transport interface {
	Name() string
	Optimistic() bool
	SendMessage(ctx context.Context, content string, metadata map[string]any, tempID int64) (chat.Message, error)
	MarkRead(ctx context.Context) error
	SetTyping(ctx context.Context, typing bool) error
}

type socketTransport struct {
	ch *channel.Channel
}

func (socketTransport) Name() string     { return "socket" }
func (socketTransport) Optimistic() bool { return true }

func (t socketTransport) SendMessage(ctx context.Context, content string, metadata map[string]any, tempID int64) (chat.Message, error) {
	return chat.Message{}, t.ch.Send(ctx, chat.NewSendMessage(content, metadata, tempID))
}

func (t socketTransport) MarkRead(ctx context.Context) error {
	return t.ch.Send(ctx, chat.NewMarkRead(nil))
}

func (t socketTransport) SetTyping(ctx context.Context, typing bool) error {
	return t.ch.Send(ctx, chat.NewTyping(typing))
}

type restTransport struct {
	rest           REST
	conversationID int64
}

func (restTransport) Name() string     { return "rest" }
func (restTransport) Optimistic() bool { return false }

func (t restTransport) SendMessage(ctx context.Context, content string, metadata map[string]any, _ int64) (chat.Message, error) {
	return t.rest.SendMessage(ctx, t.conversationID, content, metadata)
}

func (t restTransport) MarkRead(ctx context.Context) error {
	return t.rest.MarkRead(ctx, t.conversationID, nil)
}

// SetTyping is a no-op: typing indicators only exist on the socket.
func (restTransport) SetTyping(context.Context, bool) error { return nil }
