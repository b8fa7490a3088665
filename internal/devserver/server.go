// Package devserver is an in-memory chat backend speaking the same socket
// frames and REST routes as the production marketplace. It exists so the
// client packages can be exercised end to end.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/gastownhall/chatsync/internal/chat"
	"github.com/gastownhall/chatsync/internal/wsbase"
)

// readLimit bounds one inbound frame.
const readLimit = 64 * 1024

type ctxKey struct{}

// Server serves the socket and REST endpoints over a Store.
type Server struct {
	store          *Store
	originPatterns []string
	router         chi.Router
	clients        map[*Client]struct{}
	mu             sync.Mutex
}

// NewServer creates a Server. allowedOrigins configures CORS for the REST
// routes and the websocket origin check.
func NewServer(store *Store, allowedOrigins []string) *Server {
	s := &Server{
		store:          store,
		originPatterns: originPatterns(allowedOrigins),
		clients:        make(map[*Client]struct{}),
	}

	r := chi.NewRouter()
	r.Use(wsbase.CorsHandler(allowedOrigins))
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/ws/chat/{id}/", s.handleChatSocket)
		r.Get("/ws/conversations/", s.handleListSocket)

		r.Get("/api/conversations/", s.handleListConversations)
		r.Get("/api/conversations/{id}/", s.handleGetConversation)
		r.Patch("/api/conversations/{id}/", s.handleUpdateStatus)
		r.Get("/api/conversations/{id}/messages/", s.handleListMessages)
		r.Post("/api/conversations/{id}/messages/", s.handleSendMessage)
		r.Post("/api/conversations/{id}/mark_read/", s.handleMarkRead)
	})
	s.router = r
	return s
}

// originPatterns turns CORS origins into websocket.Accept host patterns.
func originPatterns(allowed []string) []string {
	var out []string
	for _, o := range allowed {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.store.Authenticate(wsbase.RequestToken(r))
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func requestUser(r *http.Request) int64 {
	id, _ := r.Context().Value(ctxKey{}).(int64)
	return id
}

func conversationParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return 0, false
	}
	return id, true
}

// Socket endpoints.

func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationParam(w, r)
	if !ok {
		return
	}
	userID := requestUser(r)
	if _, err := s.store.Conversation(id, userID); err != nil {
		writeStoreError(w, err)
		return
	}
	s.serveSocket(w, r, userID, id)
}

func (s *Server) handleListSocket(w http.ResponseWriter, r *http.Request) {
	s.serveSocket(w, r, requestUser(r), 0)
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request, userID, conversationID int64) {
	conn, err := wsbase.AcceptWebSocket(w, r, s.originPatterns)
	if err != nil {
		return
	}
	conn.SetReadLimit(readLimit)

	client := newClient(conn, s, userID, conversationID)
	s.addClient(client)
	defer s.removeClient(client)

	client.run()
}

func (s *Server) addClient(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()
	log.Printf("devserver: client %s connected (user %d, conversation %d, %d total)", c.id, c.userID, c.conversationID, count)
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	count := len(s.clients)
	s.mu.Unlock()
	c.cancel()
	log.Printf("devserver: client %s disconnected (%d remaining)", c.id, count)
}

// CloseAll disconnects every client with a going-away status.
func (s *Server) CloseAll() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}

// ClientCount returns the number of connected sockets.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// toRoom sends f to every socket in a conversation except skip.
func (s *Server) toRoom(conversationID int64, skip *Client, f chat.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c.conversationID == conversationID && c != skip {
			c.sendFrame(f)
		}
	}
}

// toLists sends each participant's list sockets the frames build returns
// for that user.
func (s *Server) toLists(conversationID int64, build func(userID int64) []chat.Frame) {
	frames := make(map[int64][]chat.Frame)
	for _, uid := range s.store.Participants(conversationID) {
		frames[uid] = build(uid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c.conversationID != 0 {
			continue
		}
		for _, f := range frames[c.userID] {
			c.sendFrame(f)
		}
	}
}

func (s *Server) conversationUpdated(conversationID int64) {
	s.toLists(conversationID, func(uid int64) []chat.Frame {
		view, ok := s.store.View(conversationID, uid)
		if !ok {
			return nil
		}
		return []chat.Frame{chat.ConversationUpdated{Conversation: view}}
	})
}

// sendMessage applies the content policy, stores the message and fans it
// out. from is the sending socket, nil for REST sends.
func (s *Server) sendMessage(conversationID, senderID int64, content string, metadata map[string]any, tempID int64, from *Client) (chat.Message, []string, error) {
	if strings.TrimSpace(content) == "" {
		err := errors.New("message content is required")
		if from != nil {
			from.sendFrame(chat.ErrorFrame{Message: err.Error()})
		}
		return chat.Message{}, nil, err
	}
	if violations := CheckContent(content); len(violations) > 0 {
		if from != nil {
			from.sendFrame(chat.MessageBlocked{Reason: blockedReason, Violations: violations, TempID: tempID})
		}
		return chat.Message{}, violations, nil
	}

	msg, err := s.store.AddMessage(conversationID, senderID, content, metadata)
	if err != nil {
		if from != nil {
			from.sendFrame(chat.ErrorFrame{Message: err.Error()})
		}
		return chat.Message{}, nil, err
	}
	if from != nil {
		from.sendFrame(chat.MessageSent{TempID: tempID, ServerID: msg.ID})
	}
	s.toRoom(conversationID, from, chat.NewMessage{Message: msg})
	s.toLists(conversationID, func(uid int64) []chat.Frame {
		frames := []chat.Frame{chat.NewMessage{Message: msg, ConversationID: conversationID}}
		if view, ok := s.store.View(conversationID, uid); ok {
			frames = append(frames, chat.ConversationUpdated{Conversation: view})
		}
		return frames
	})
	return msg, nil, nil
}

func (s *Server) markRead(conversationID, readerID int64, ids []int64) error {
	changed, err := s.store.MarkRead(conversationID, readerID, ids)
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []int64{}
	}
	s.toRoom(conversationID, nil, chat.MessagesRead{UserID: readerID, MessageIDs: ids})
	if len(changed) > 0 {
		s.conversationUpdated(conversationID)
	}
	return nil
}

// REST endpoints.

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Conversations(requestUser(r)))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationParam(w, r)
	if !ok {
		return
	}
	conv, err := s.store.Conversation(id, requestUser(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Status chat.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"status": {"Not a valid choice."}})
		return
	}
	conv, err := s.store.SetStatus(id, requestUser(r), req.Status)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	changed := chat.StatusChanged{ConversationID: id, Status: req.Status}
	s.toRoom(id, nil, changed)
	s.toLists(id, func(int64) []chat.Frame { return []chat.Frame{changed} })
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationParam(w, r)
	if !ok {
		return
	}
	msgs, err := s.store.Messages(id, requestUser(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Content  string         `json:"content"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid JSON.")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"content": {"This field may not be blank."}})
		return
	}
	if _, err := s.store.Conversation(id, requestUser(r)); err != nil {
		writeStoreError(w, err)
		return
	}
	msg, violations, err := s.sendMessage(id, requestUser(r), req.Content, req.Metadata, 0, nil)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if len(violations) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": blockedReason, "violations": violations})
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationParam(w, r)
	if !ok {
		return
	}
	var req struct {
		MessageIDs []int64 `json:"message_ids"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDetail(w, http.StatusBadRequest, "Invalid JSON.")
			return
		}
	}
	if err := s.markRead(id, requestUser(r), req.MessageIDs); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("devserver: write response: %v", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Not found.")
	case errors.Is(err, ErrNotParticipant):
		writeDetail(w, http.StatusForbidden, "You are not a participant in this conversation.")
	default:
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}
