// Package restapi is the request/response counterpart of the conversation
// sockets, used to load state and whenever no socket is open.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/gastownhall/chatsync/internal/chat"
	"github.com/gastownhall/chatsync/internal/tokenstore"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 4 << 20

// Client talks to the marketplace REST API.
type Client struct {
	baseURL string
	tokens  tokenstore.Source
	http    *http.Client
}

// New creates a Client. A nil httpClient gets a 15s-timeout default.
func New(baseURL string, tokens tokenstore.Source, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    httpClient,
	}
}

func conversationPath(id int64, rest string) string {
	return "/api/conversations/" + strconv.FormatInt(id, 10) + "/" + rest
}

// ListConversations fetches the caller's conversations. Both a bare array
// and a paginated {"results": [...]} body are accepted.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/conversations/", nil)
	if err != nil {
		return nil, err
	}
	var out []chat.Conversation
	if err := decodeList(body, &out); err != nil {
		return nil, fmt.Errorf("restapi: decode conversations: %w", err)
	}
	return out, nil
}

// GetConversation fetches one conversation summary.
func (c *Client) GetConversation(ctx context.Context, id int64) (chat.Conversation, error) {
	var conv chat.Conversation
	body, err := c.do(ctx, http.MethodGet, conversationPath(id, ""), nil)
	if err != nil {
		return conv, err
	}
	if err := json.Unmarshal(body, &conv); err != nil {
		return conv, fmt.Errorf("restapi: decode conversation %d: %w", id, err)
	}
	return conv, nil
}

// ListMessages fetches a conversation's messages, oldest first.
func (c *Client) ListMessages(ctx context.Context, id int64) ([]chat.Message, error) {
	body, err := c.do(ctx, http.MethodGet, conversationPath(id, "messages/"), nil)
	if err != nil {
		return nil, err
	}
	var out []chat.Message
	if err := decodeList(body, &out); err != nil {
		return nil, fmt.Errorf("restapi: decode messages %d: %w", id, err)
	}
	return out, nil
}

type sendRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SendMessage stores a message and returns the confirmed copy.
func (c *Client) SendMessage(ctx context.Context, id int64, content string, metadata map[string]any) (chat.Message, error) {
	var msg chat.Message
	body, err := c.do(ctx, http.MethodPost, conversationPath(id, "messages/"), sendRequest{Content: content, Metadata: metadata})
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("restapi: decode sent message: %w", err)
	}
	return msg, nil
}

type markReadRequest struct {
	MessageIDs []int64 `json:"message_ids"`
}

// MarkRead marks messageIDs read; an empty list marks everything.
func (c *Client) MarkRead(ctx context.Context, id int64, messageIDs []int64) error {
	if messageIDs == nil {
		messageIDs = []int64{}
	}
	_, err := c.do(ctx, http.MethodPost, conversationPath(id, "mark_read/"), markReadRequest{MessageIDs: messageIDs})
	return err
}

type statusRequest struct {
	Status chat.Status `json:"status"`
}

// UpdateStatus changes a conversation's status.
func (c *Client) UpdateStatus(ctx context.Context, id int64, status chat.Status) (chat.Conversation, error) {
	var conv chat.Conversation
	if !status.Valid() {
		return conv, fmt.Errorf("restapi: invalid status %q", status)
	}
	body, err := c.do(ctx, http.MethodPatch, conversationPath(id, ""), statusRequest{Status: status})
	if err != nil {
		return conv, err
	}
	if err := json.Unmarshal(body, &conv); err != nil {
		return conv, fmt.Errorf("restapi: decode conversation %d: %w", id, err)
	}
	return conv, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("restapi: %s %s: %w", method, path, err)
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("restapi: marshal: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("restapi: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("restapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("restapi: read %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func decodeList(body []byte, out any) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("invalid JSON")
	}
	root := gjson.ParseBytes(body)
	if root.IsObject() {
		results := root.Get("results")
		if !results.IsArray() {
			return fmt.Errorf("expected array or results field")
		}
		return json.Unmarshal([]byte(results.Raw), out)
	}
	return json.Unmarshal(body, out)
}
