// Package chat defines the wire model shared by the conversation sockets,
// the REST client and the development backend.
package chat

import (
	"strconv"
	"time"
)

// ListKey is the connection key of the conversation-list channel.
const ListKey = "conversation-list"

// ConversationKey returns the connection key for a single conversation.
func ConversationKey(conversationID int64) string {
	return strconv.FormatInt(conversationID, 10)
}

// Status is the lifecycle status of a conversation.
type Status string

const (
	StatusActive           Status = "active"
	StatusPendingResponse  Status = "pending_response"
	StatusBookingConfirmed Status = "booking_confirmed"
	StatusArchived         Status = "archived"
	StatusFlagged          Status = "flagged"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPendingResponse, StatusBookingConfirmed, StatusArchived, StatusFlagged:
		return true
	}
	return false
}

// User is a conversation participant.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// MessagePreview is the latest-message summary carried on a conversation.
type MessagePreview struct {
	ID        int64     `json:"id"`
	SenderID  int64     `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is a conversation summary as listed by the backend.
type Conversation struct {
	ID            int64           `json:"id"`
	Participants  []User          `json:"participants"`
	PropertyID    *int64          `json:"property,omitempty"`
	Subject       string          `json:"subject,omitempty"`
	LatestMessage *MessagePreview `json:"latest_message,omitempty"`
	UnreadCount   int             `json:"unread_count"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID int64) bool {
	for _, u := range c.Participants {
		if u.ID == userID {
			return true
		}
	}
	return false
}

// Message is a chat message. While Pending is set, ID holds the client
// temp id and the message has not been acknowledged by the server.
type Message struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversation_id"`
	SenderID       int64          `json:"sender_id"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Delivered      bool           `json:"delivered"`
	Read           bool           `json:"is_read"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
	Pending        bool           `json:"-"`
}

// Preview returns the latest-message summary for m.
func (m Message) Preview() *MessagePreview {
	return &MessagePreview{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}
