package devserver

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/gastownhall/chatsync/internal/chat"
)

// Client is one connected socket: a conversation room member when
// conversationID is set, a conversation-list subscriber otherwise.
type Client struct {
	id             string
	userID         int64
	conversationID int64
	conn           *websocket.Conn
	server         *Server
	send           chan []byte
	ctx            context.Context
	cancel         context.CancelFunc
}

func newClient(conn *websocket.Conn, server *Server, userID, conversationID int64) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:             uuid.NewString(),
		userID:         userID,
		conversationID: conversationID,
		conn:           conn,
		server:         server,
		send:           make(chan []byte, 256),
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (c *Client) run() {
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer c.cancel()
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		c.handleTextMessage(data)
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close(websocket.StatusNormalClosure, "") }()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// sendFrame queues f, dropping it if the client is not keeping up.
func (c *Client) sendFrame(f chat.Frame) {
	data, err := chat.EncodeFrame(f)
	if err != nil {
		log.Printf("devserver: failed to marshal %s: %v", f.Type(), err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("devserver: dropping %s for slow client %s", f.Type(), c.id)
	}
}

func (c *Client) handleTextMessage(data []byte) {
	var msg chat.ClientFrame
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendFrame(chat.ErrorFrame{Message: "invalid JSON"})
		return
	}
	if c.conversationID == 0 {
		c.sendFrame(chat.ErrorFrame{Message: "the conversation list socket is receive-only"})
		return
	}

	switch msg.Type {
	case chat.TypeSendMessage:
		c.server.sendMessage(c.conversationID, c.userID, msg.Content, msg.Metadata, msg.TempID, c)
	case chat.TypeMarkRead:
		if err := c.server.markRead(c.conversationID, c.userID, msg.MessageIDs); err != nil {
			c.sendFrame(chat.ErrorFrame{Message: err.Error()})
		}
	case chat.TypeTypingStart, chat.TypeTypingStop:
		c.server.toRoom(c.conversationID, c, chat.UserTyping{
			UserID:   c.userID,
			IsTyping: msg.Type == chat.TypeTypingStart,
		})
	default:
		c.sendFrame(chat.ErrorFrame{Message: "unknown message type: " + string(msg.Type)})
	}
}

// close starts a close handshake and stops the pumps.
func (c *Client) close(code websocket.StatusCode, reason string) {
	_ = c.conn.Close(code, reason)
	c.cancel()
}
