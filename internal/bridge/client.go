// Package bridge is the REST client for the WhatsApp bridge service. The
// bridge brokers to the WhatsApp network; this daemon never speaks the
// WhatsApp protocol itself.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable indicates the bridge did not answer or answered non-2xx.
// Surfaced to the operator with an instruction to connect the bridge first.
var ErrUnavailable = errors.New("el puente de WhatsApp no está disponible; conéctalo primero")

// Client talks to the bridge's CRM REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a bridge client. baseURL is the CRM API root, e.g.
// "http://localhost:3001/api/crm".
func New(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// ListChats fetches the full conversation list in server order.
func (c *Client) ListChats(ctx context.Context) ([]ChatSummary, error) {
	var chats []ChatSummary
	if err := c.get(ctx, "/chats", &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// GetConversation fetches one chat's full history and contact metadata.
func (c *Client) GetConversation(ctx context.Context, chatID string) (*Conversation, error) {
	var conv Conversation
	if err := c.get(ctx, "/conversations/"+chatID, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetChatContext fetches the affiliate profile and recent applications for
// a verified contact identity.
func (c *Client) GetChatContext(ctx context.Context, identity string) (*ChatContext, error) {
	var cc ChatContext
	if err := c.get(ctx, "/chat_context/"+identity, &cc); err != nil {
		return nil, err
	}
	return &cc, nil
}

// SendMessage relays an operator message over HTTP. The bridge pauses the
// automated bot for the chat as a documented side effect of the first
// manual send.
func (c *Client) SendMessage(ctx context.Context, chatID, message string) error {
	body := map[string]string{"chatId": chatID, "message": message}
	return c.post(ctx, "/send-message", body, nil)
}

// MarkRead clears the chat's unread counter on the bridge.
func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	return c.post(ctx, "/chats/"+chatID+"/mark_read", nil, nil)
}

// SetPinned sets the chat's pin state. The bridge requires the desired
// target state, not a toggle instruction.
func (c *Client) SetPinned(ctx context.Context, chatID string, pinned bool) error {
	return c.post(ctx, "/chats/"+chatID+"/pin", map[string]bool{"is_pinned": pinned}, nil)
}

// SetBotActive enables or disables the automated bot for a chat.
func (c *Client) SetBotActive(ctx context.Context, chatID string, active bool) error {
	endpoint := "/chats/" + chatID + "/disable_bot"
	if active {
		endpoint = "/chats/" + chatID + "/enable_bot"
	}
	return c.post(ctx, endpoint, nil, nil)
}

// SetContext stores an operator note on the chat.
func (c *Client) SetContext(ctx context.Context, chatID, note string) error {
	return c.post(ctx, "/chats/"+chatID+"/context", map[string]string{"context": note}, nil)
}

// AddTag attaches a tag to a chat.
func (c *Client) AddTag(ctx context.Context, chatID string, tagID int64) error {
	return c.post(ctx, "/chats/"+chatID+"/tags", map[string]int64{"tag_id": tagID}, nil)
}

// RemoveTag detaches a tag from a chat.
func (c *Client) RemoveTag(ctx context.Context, chatID string, tagID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/chats/%s/tags/%d", chatID, tagID), nil, nil)
}

// ListTags fetches the global tag registry.
func (c *Client) ListTags(ctx context.Context) ([]Tag, error) {
	var tags []Tag
	if err := c.get(ctx, "/chattags", &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// CreateTag registers a new global tag.
func (c *Client) CreateTag(ctx context.Context, name, color string) (*Tag, error) {
	var tag Tag
	if err := c.post(ctx, "/chattags", map[string]string{"name": name, "color": color}, &tag); err != nil {
		return nil, err
	}
	return &tag, nil
}

// SuggestReply asks the assistant endpoint for a continuation of the
// operator's partial text given recent history. An empty suggestion is a
// valid answer.
func (c *Client) SuggestReply(ctx context.Context, history []Message, currentText string) (string, error) {
	body := map[string]any{"history": history, "current_text": currentText}
	var resp struct {
		Suggestion string `json:"suggestion"`
	}
	if err := c.post(ctx, "/suggest_reply", body, &resp); err != nil {
		return "", err
	}
	return resp.Suggestion, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("bridge request failed", zap.String("path", path), zap.Error(err))
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if c.logger != nil {
			c.logger.Warn("bridge returned non-success", zap.String("path", path), zap.Int("status", resp.StatusCode))
		}
		return fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}
