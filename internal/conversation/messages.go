package conversation

import (
	"time"

	"github.com/gastownhall/chatsync/internal/chat"
)

// messageLog is the ordered message list of one conversation. Confirmed
// messages are unique by server id; pending messages are keyed by temp id
// and never collide with confirmed ones.
type messageLog struct {
	msgs []chat.Message
}

func (l *messageLog) find(id int64, pending bool) int {
	for i := range l.msgs {
		if l.msgs[i].ID == id && l.msgs[i].Pending == pending {
			return i
		}
	}
	return -1
}

// insert appends m unless a confirmed message with the same id exists.
func (l *messageLog) insert(m chat.Message) bool {
	if !m.Pending && l.find(m.ID, false) >= 0 {
		return false
	}
	l.msgs = append(l.msgs, m)
	return true
}

// confirm swaps tempID for serverID in place. If serverID is already
// present the pending copy is dropped instead.
func (l *messageLog) confirm(tempID, serverID int64) bool {
	i := l.find(tempID, true)
	if i < 0 {
		return false
	}
	if l.find(serverID, false) >= 0 {
		l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
		return true
	}
	l.msgs[i].ID = serverID
	l.msgs[i].Pending = false
	l.msgs[i].Delivered = true
	return true
}

// withdraw removes an unconfirmed message.
func (l *messageLog) withdraw(tempID int64) bool {
	i := l.find(tempID, true)
	if i < 0 {
		return false
	}
	l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
	return true
}

// markRead marks the listed confirmed messages read.
func (l *messageLog) markRead(ids []int64, at time.Time) int {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	n := 0
	for i := range l.msgs {
		m := &l.msgs[i]
		if m.Pending || !want[m.ID] || m.Read {
			continue
		}
		setRead(m, at)
		n++
	}
	return n
}

// markAllRead marks every message not sent by reader read.
func (l *messageLog) markAllRead(reader int64, at time.Time) int {
	n := 0
	for i := range l.msgs {
		m := &l.msgs[i]
		if m.SenderID == reader || m.Read {
			continue
		}
		setRead(m, at)
		n++
	}
	return n
}

func setRead(m *chat.Message, at time.Time) {
	m.Read = true
	t := at
	m.ReadAt = &t
}

// reset replaces the log with loaded, keeping pending messages at the end.
func (l *messageLog) reset(loaded []chat.Message) {
	next := make([]chat.Message, 0, len(loaded)+len(l.msgs))
	seen := make(map[int64]bool, len(loaded))
	for _, m := range loaded {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		m.Pending = false
		next = append(next, m)
	}
	for _, m := range l.msgs {
		if m.Pending {
			next = append(next, m)
		}
	}
	l.msgs = next
}

func (l *messageLog) snapshot() []chat.Message {
	out := make([]chat.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}
