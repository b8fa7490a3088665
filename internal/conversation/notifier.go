package conversation

import (
	"log"
	"strings"

	"github.com/gastownhall/chatsync/internal/chat"
)

// Notifier surfaces user-facing events, typically as toasts.
type Notifier interface {
	NewMessage(m chat.Message)
	Blocked(reason string, violations []string)
	Error(message string)
}

// LogNotifier writes notifications to the standard logger.
type LogNotifier struct{}

func (LogNotifier) NewMessage(m chat.Message) {
	log.Printf("conversation %d: new message from user %d", m.ConversationID, m.SenderID)
}

func (LogNotifier) Blocked(reason string, violations []string) {
	if reason == "" {
		reason = "message blocked"
	}
	if len(violations) > 0 {
		log.Printf("conversation: %s (%s)", reason, strings.Join(violations, ", "))
		return
	}
	log.Printf("conversation: %s", reason)
}

func (LogNotifier) Error(message string) {
	log.Printf("conversation: error: %s", message)
}
