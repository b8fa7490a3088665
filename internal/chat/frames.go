package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// FrameType is the value of the "type" field of a socket frame.
type FrameType string

const (
	TypeNewMessage                FrameType = "new_message"
	TypeUserTyping                FrameType = "user_typing"
	TypeMessagesRead              FrameType = "messages_read"
	TypeMessageSent               FrameType = "message_sent"
	TypeMessageBlocked            FrameType = "message_blocked"
	TypeConversationUpdated       FrameType = "conversation_updated"
	TypeConversationStatusChanged FrameType = "conversation_status_changed"
	TypeError                     FrameType = "error"

	TypeSendMessage FrameType = "send_message"
	TypeMarkRead    FrameType = "mark_read"
	TypeTypingStart FrameType = "typing_start"
	TypeTypingStop  FrameType = "typing_stop"
)

// ErrUnknownFrame is returned by DecodeFrame for a type it does not model.
var ErrUnknownFrame = errors.New("chat: unknown frame type")

// Handler receives decoded inbound frames. Every inbound frame kind has a
// method, so adding a kind breaks every implementation until it is handled.
type Handler interface {
	HandleNewMessage(NewMessage)
	HandleUserTyping(UserTyping)
	HandleMessagesRead(MessagesRead)
	HandleMessageSent(MessageSent)
	HandleMessageBlocked(MessageBlocked)
	HandleConversationUpdated(ConversationUpdated)
	HandleStatusChanged(StatusChanged)
	HandleError(ErrorFrame)
}

// Frame is a decoded inbound frame.
type Frame interface {
	Type() FrameType
	Dispatch(Handler)
}

// NewMessage announces a stored message. On the list channel
// ConversationID is set; otherwise Message.ConversationID is authoritative.
type NewMessage struct {
	Message        Message `json:"message"`
	ConversationID int64   `json:"conversation_id,omitempty"`
}

// UserTyping reports a participant starting or stopping typing.
type UserTyping struct {
	UserID   int64 `json:"user_id"`
	IsTyping bool  `json:"is_typing"`
}

// MessagesRead reports that UserID read MessageIDs. An empty list means
// every message not sent by UserID.
type MessagesRead struct {
	UserID     int64   `json:"user_id"`
	MessageIDs []int64 `json:"message_ids"`
}

// MessageSent correlates an optimistic message with its stored copy. The
// backend ships the server id in a field named "timestamp".
type MessageSent struct {
	TempID   int64 `json:"message_id"`
	ServerID int64 `json:"timestamp"`
}

// MessageBlocked reports that the content policy refused a send.
type MessageBlocked struct {
	Reason     string   `json:"reason,omitempty"`
	Violations []string `json:"violations,omitempty"`
	TempID     int64    `json:"temp_id,omitempty"`
}

// ConversationUpdated carries a full conversation summary.
type ConversationUpdated struct {
	Conversation Conversation `json:"conversation"`
}

// StatusChanged patches the status of one conversation.
type StatusChanged struct {
	ConversationID int64  `json:"conversation_id"`
	Status         Status `json:"status"`
}

// ErrorFrame is a server-side error notice.
type ErrorFrame struct {
	Message string `json:"message"`
}

func (NewMessage) Type() FrameType          { return TypeNewMessage }
func (UserTyping) Type() FrameType          { return TypeUserTyping }
func (MessagesRead) Type() FrameType        { return TypeMessagesRead }
func (MessageSent) Type() FrameType         { return TypeMessageSent }
func (MessageBlocked) Type() FrameType      { return TypeMessageBlocked }
func (ConversationUpdated) Type() FrameType { return TypeConversationUpdated }
func (StatusChanged) Type() FrameType       { return TypeConversationStatusChanged }
func (ErrorFrame) Type() FrameType          { return TypeError }

func (f NewMessage) Dispatch(h Handler)          { h.HandleNewMessage(f) }
func (f UserTyping) Dispatch(h Handler)          { h.HandleUserTyping(f) }
func (f MessagesRead) Dispatch(h Handler)        { h.HandleMessagesRead(f) }
func (f MessageSent) Dispatch(h Handler)         { h.HandleMessageSent(f) }
func (f MessageBlocked) Dispatch(h Handler)      { h.HandleMessageBlocked(f) }
func (f ConversationUpdated) Dispatch(h Handler) { h.HandleConversationUpdated(f) }
func (f StatusChanged) Dispatch(h Handler)       { h.HandleStatusChanged(f) }
func (f ErrorFrame) Dispatch(h Handler)          { h.HandleError(f) }

// DecodeFrame parses one inbound text frame.
func DecodeFrame(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("chat: invalid JSON frame")
	}
	typ := FrameType(gjson.GetBytes(data, "type").String())

	var f Frame
	var err error
	switch typ {
	case TypeNewMessage:
		f, err = decodeAs[NewMessage](data)
	case TypeUserTyping:
		f, err = decodeAs[UserTyping](data)
	case TypeMessagesRead:
		f, err = decodeAs[MessagesRead](data)
	case TypeMessageSent:
		f, err = decodeAs[MessageSent](data)
	case TypeMessageBlocked:
		f, err = decodeAs[MessageBlocked](data)
	case TypeConversationUpdated:
		f, err = decodeAs[ConversationUpdated](data)
	case TypeConversationStatusChanged:
		f, err = decodeAs[StatusChanged](data)
	case TypeError:
		f, err = decodeAs[ErrorFrame](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, typ)
	}
	if err != nil {
		return nil, fmt.Errorf("chat: decode %s: %w", typ, err)
	}
	return f, nil
}

func decodeAs[T Frame](data []byte) (Frame, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// NopHandler ignores every frame. Embed it to handle a subset.
type NopHandler struct{}

func (NopHandler) HandleNewMessage(NewMessage)                   {}
func (NopHandler) HandleUserTyping(UserTyping)                   {}
func (NopHandler) HandleMessagesRead(MessagesRead)               {}
func (NopHandler) HandleMessageSent(MessageSent)                 {}
func (NopHandler) HandleMessageBlocked(MessageBlocked)           {}
func (NopHandler) HandleConversationUpdated(ConversationUpdated) {}
func (NopHandler) HandleStatusChanged(StatusChanged)             {}
func (NopHandler) HandleError(ErrorFrame)                        {}

// Outbound frames.

// SendMessageFrame asks the server to store and broadcast a message.
type SendMessageFrame struct {
	Type     FrameType      `json:"type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	TempID   int64          `json:"temp_id"`
}

// MarkReadFrame marks messages read. An empty list means all.
type MarkReadFrame struct {
	Type       FrameType `json:"type"`
	MessageIDs []int64   `json:"message_ids"`
}

// TypingFrame is typing_start or typing_stop.
type TypingFrame struct {
	Type FrameType `json:"type"`
}

// NewSendMessage builds a send_message frame.
func NewSendMessage(content string, metadata map[string]any, tempID int64) SendMessageFrame {
	return SendMessageFrame{Type: TypeSendMessage, Content: content, Metadata: metadata, TempID: tempID}
}

// NewMarkRead builds a mark_read frame; ids is never encoded as null.
func NewMarkRead(ids []int64) MarkReadFrame {
	if ids == nil {
		ids = []int64{}
	}
	return MarkReadFrame{Type: TypeMarkRead, MessageIDs: ids}
}

// NewTyping builds typing_start when typing is true, typing_stop otherwise.
func NewTyping(typing bool) TypingFrame {
	if typing {
		return TypingFrame{Type: TypeTypingStart}
	}
	return TypingFrame{Type: TypeTypingStop}
}

// ClientFrame is the envelope the backend decodes outbound frames into.
type ClientFrame struct {
	Type       FrameType      `json:"type"`
	Content    string         `json:"content,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TempID     int64          `json:"temp_id,omitempty"`
	MessageIDs []int64        `json:"message_ids,omitempty"`
}

// EncodeFrame marshals an inbound frame with its "type" field, the way the
// backend puts it on the wire.
func EncodeFrame(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	typ, err := json.Marshal(f.Type())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
		return out, nil
	}
	return append(out, '}'), nil
}
