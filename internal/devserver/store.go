package devserver

import (
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gastownhall/chatsync/internal/chat"
	"github.com/gastownhall/chatsync/internal/wsbase"
)

var (
	ErrNotFound       = errors.New("devserver: conversation not found")
	ErrNotParticipant = errors.New("devserver: not a participant")
)

type room struct {
	chat.Conversation
	messages []chat.Message
}

// Store is the in-memory backing store.
type Store struct {
	mu     sync.Mutex
	now    func() time.Time
	tokens map[string]int64
	users  map[int64]chat.User
	convs  map[int64]*room
	nextID int64
}

// NewStore creates an empty Store.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:    now,
		tokens: make(map[string]int64),
		users:  make(map[int64]chat.User),
		convs:  make(map[int64]*room),
	}
}

// AddUser registers a user and the token that authenticates as them.
func (s *Store) AddUser(u chat.User, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	if token != "" {
		s.tokens[token] = u.ID
	}
}

// AddToken lets token authenticate as userID, creating a bare user if the
// id is unknown.
func (s *Store) AddToken(token string, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		s.users[userID] = chat.User{ID: userID, Username: "user" + strconv.FormatInt(userID, 10)}
	}
	s.tokens[token] = userID
}

// Authenticate resolves a token to a user id.
func (s *Store) Authenticate(token string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for known, id := range s.tokens {
		if wsbase.TokensEqual(known, token) {
			return id, true
		}
	}
	return 0, false
}

// CreateConversation opens a conversation between userIDs.
func (s *Store) CreateConversation(subject string, propertyID *int64, userIDs ...int64) chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := s.now()
	c := &room{Conversation: chat.Conversation{
		ID:         s.nextID,
		PropertyID: propertyID,
		Subject:    subject,
		Status:     chat.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}
	for _, id := range userIDs {
		u, ok := s.users[id]
		if !ok {
			u = chat.User{ID: id}
		}
		c.Participants = append(c.Participants, u)
	}
	s.convs[c.ID] = c
	return s.viewLocked(c, 0)
}

// lookupLocked returns the conversation if userID takes part in it.
func (s *Store) lookupLocked(id, userID int64) (*room, error) {
	c, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !c.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return c, nil
}

// viewLocked is the summary as userID sees it, with their unread count.
func (s *Store) viewLocked(c *room, userID int64) chat.Conversation {
	v := c.Conversation
	v.Participants = slices.Clone(c.Participants)
	v.UnreadCount = 0
	for _, m := range c.messages {
		if m.SenderID != userID && !m.Read {
			v.UnreadCount++
		}
	}
	return v
}

// Conversations lists userID's conversations, most recently updated first.
func (s *Store) Conversations(userID int64) []chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		if c.HasParticipant(userID) {
			out = append(out, s.viewLocked(c, userID))
		}
	}
	slices.SortFunc(out, func(a, b chat.Conversation) int {
		if n := b.UpdatedAt.Compare(a.UpdatedAt); n != 0 {
			return n
		}
		return int(b.ID - a.ID)
	})
	return out
}

// Conversation returns one conversation as userID sees it.
func (s *Store) Conversation(id, userID int64) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lookupLocked(id, userID)
	if err != nil {
		return chat.Conversation{}, err
	}
	return s.viewLocked(c, userID), nil
}

// Participants returns the user ids taking part in a conversation.
func (s *Store) Participants(id int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil
	}
	out := make([]int64, len(c.Participants))
	for i, u := range c.Participants {
		out[i] = u.ID
	}
	return out
}

// Messages returns a conversation's messages, oldest first.
func (s *Store) Messages(id, userID int64) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lookupLocked(id, userID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(c.messages), nil
}

// AddMessage stores a message from senderID.
func (s *Store) AddMessage(id, senderID int64, content string, metadata map[string]any) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lookupLocked(id, senderID)
	if err != nil {
		return chat.Message{}, err
	}
	s.nextID++
	m := chat.Message{
		ID:             s.nextID,
		ConversationID: id,
		SenderID:       senderID,
		Content:        content,
		Metadata:       metadata,
		CreatedAt:      s.now(),
		Delivered:      true,
	}
	c.messages = append(c.messages, m)
	c.LatestMessage = m.Preview()
	c.UpdatedAt = m.CreatedAt
	return m, nil
}

// MarkRead marks messages not sent by readerID read. An empty ids list
// marks all of them. It returns the ids that changed.
func (s *Store) MarkRead(id, readerID int64, ids []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lookupLocked(id, readerID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	changed := []int64{}
	for i := range c.messages {
		m := &c.messages[i]
		if m.SenderID == readerID || m.Read {
			continue
		}
		if len(ids) > 0 && !slices.Contains(ids, m.ID) {
			continue
		}
		m.Read = true
		t := now
		m.ReadAt = &t
		changed = append(changed, m.ID)
	}
	return changed, nil
}

// SetStatus changes a conversation's status.
func (s *Store) SetStatus(id, userID int64, status chat.Status) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lookupLocked(id, userID)
	if err != nil {
		return chat.Conversation{}, err
	}
	c.Status = status
	return s.viewLocked(c, userID), nil
}

// View returns the conversation as userID sees it, without a participant
// check. It is used to fan out updates.
func (s *Store) View(id, userID int64) (chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return chat.Conversation{}, false
	}
	return s.viewLocked(c, userID), true
}

// Seed loads a small demo data set. Tokens are "alice-token", "bob-token"
// and "carol-token".
func (s *Store) Seed() {
	s.AddUser(chat.User{ID: 1, Username: "alice", FirstName: "Alice"}, "alice-token")
	s.AddUser(chat.User{ID: 2, Username: "bob", FirstName: "Bob"}, "bob-token")
	s.AddUser(chat.User{ID: 3, Username: "carol", FirstName: "Carol"}, "carol-token")

	prop := int64(101)
	c1 := s.CreateConversation("Two-bedroom near campus", &prop, 1, 2)
	c2 := s.CreateConversation("Summer sublease", nil, 1, 3)
	_, _ = s.AddMessage(c1.ID, 2, "Hi! Is the room still available for fall?", nil)
	_, _ = s.AddMessage(c1.ID, 1, "Yes, it is. Want to schedule a viewing?", nil)
	_, _ = s.AddMessage(c2.ID, 3, "Could you do June through August?", nil)
	_, _ = s.SetStatus(c2.ID, 1, chat.StatusPendingResponse)
}
