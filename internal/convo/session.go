// Package convo tracks the single conversation the operator has open:
// history, contact metadata, the secondary CRM context fetch, and outbound
// operator messages. At most one session is active at a time; opening a new
// chat supersedes the old one and any of its in-flight fetches.
package convo

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/acamacho/chatsync/internal/bridge"
	"github.com/acamacho/chatsync/internal/bus"
	"github.com/acamacho/chatsync/internal/chatlist"
	"go.uber.org/zap"
)

// ErrNoActiveChat is returned by operations that need an open conversation.
var ErrNoActiveChat = errors.New("no hay una conversación activa")

// ErrEmptyMessage rejects whitespace-only outbound messages.
var ErrEmptyMessage = errors.New("el mensaje no puede estar vacío")

// Bridge is the slice of the bridge client the session manager uses.
type Bridge interface {
	GetConversation(ctx context.Context, chatID string) (*bridge.Conversation, error)
	GetChatContext(ctx context.Context, identity string) (*bridge.ChatContext, error)
	SendMessage(ctx context.Context, chatID, message string) error
	MarkRead(ctx context.Context, chatID string) error
	SetBotActive(ctx context.Context, chatID string, active bool) error
}

// Session is a point-in-time snapshot of the open conversation.
type Session struct {
	ChatID        string
	DisplayName   string
	Status        string
	BotActive     bool
	KnownIdentity string
	NewContact    bool
	Messages      []bridge.Message
	TagIDs        []int64

	// Context arrives from a secondary fetch and may stay nil: either the
	// contact is unverified or the CRM lookup failed.
	Context *bridge.ChatContext
}

// SentMessage is the payload of convo.message_sent events.
type SentMessage struct {
	ChatID  string
	Message bridge.Message
}

// Manager owns the active session and serializes access to it.
type Manager struct {
	bridge Bridge
	chats  *chatlist.Store
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	generation uint64
	session    *Session
}

// NewManager creates the session manager. chats may be nil in tests; when
// present, opening a chat clears its unread badge and sends keep the list
// preview current.
func NewManager(br Bridge, chats *chatlist.Store, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		bridge: br,
		chats:  chats,
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
}

// Open fetches the conversation and makes it the active session. Each call
// advances the open generation; if a newer Open started while this fetch was
// in flight, the result is dropped and Open returns (nil, nil). The CRM
// context fetch runs in the background and only applies to verified
// contacts.
func (m *Manager) Open(ctx context.Context, chatID string) (*Session, error) {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	conv, err := m.bridge.GetConversation(ctx, chatID)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ChatID:        chatID,
		DisplayName:   conv.DisplayName(),
		Status:        conv.Status,
		BotActive:     conv.BotActive,
		KnownIdentity: conv.KnownIdentity,
		NewContact:    conv.KnownIdentity == "",
		Messages:      conv.Messages,
		TagIDs:        conv.TagIDs,
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if m.logger != nil {
			m.logger.Debug("discarding superseded conversation fetch", zap.String("chat", chatID))
		}
		return nil, nil
	}
	m.session = sess
	m.mu.Unlock()

	m.bus.Publish(bus.Now(bus.KindConvoOpened, chatID))

	// The unread badge clears immediately; the bridge call is best effort
	// and a failure never restores the badge.
	if m.chats != nil {
		m.chats.MarkReadLocal(chatID)
	}
	go func() {
		if err := m.bridge.MarkRead(context.Background(), chatID); err != nil && m.logger != nil {
			m.logger.Warn("mark read failed", zap.String("chat", chatID), zap.Error(err))
		}
	}()

	if conv.KnownIdentity != "" {
		go m.fetchContext(gen, chatID, conv.KnownIdentity)
	}

	return m.snapshot(), nil
}

func (m *Manager) fetchContext(gen uint64, chatID, identity string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cc, err := m.bridge.GetChatContext(ctx, identity)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("context lookup failed", zap.String("chat", chatID), zap.Error(err))
		}
		m.bus.Publish(bus.Now(bus.KindConvoContextFailed, chatID))
		return
	}

	m.mu.Lock()
	if gen != m.generation || m.session == nil {
		m.mu.Unlock()
		return
	}
	m.session.Context = cc
	m.mu.Unlock()

	m.bus.Publish(bus.Now(bus.KindConvoContextLoaded, chatID))
}

// SendMessage relays an operator message for the active chat. On success
// the message is appended locally and the bot is marked paused, mirroring
// the bridge's side effect of the first manual send.
func (m *Manager) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoActiveChat
	}
	chatID := m.session.ChatID
	m.mu.Unlock()

	if err := m.bridge.SendMessage(ctx, chatID, text); err != nil {
		return err
	}

	sent := bridge.Message{Body: text, FromOperator: true, Timestamp: m.now().Unix()}

	m.mu.Lock()
	if m.session != nil && m.session.ChatID == chatID {
		m.session.Messages = append(m.session.Messages, sent)
		m.session.BotActive = false
	}
	m.mu.Unlock()

	if m.chats != nil {
		if c, ok := m.chats.Get(chatID); ok {
			m.chats.Apply(bridge.ChatSummary{
				ID:               c.ID,
				DisplayName:      c.DisplayName,
				LastMessageText:  text,
				LastMessageAt:    sent.Timestamp,
				UnreadCount:      0,
				IsPinned:         c.IsPinned,
				TagIDs:           c.TagIDs,
				LastFromOperator: true,
			})
		}
	}

	m.bus.Publish(bus.Now(bus.KindConvoMessageSent, SentMessage{ChatID: chatID, Message: sent}))
	return nil
}

// SetBotActive flips the automated bot for the active chat.
func (m *Manager) SetBotActive(ctx context.Context, active bool) error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoActiveChat
	}
	chatID := m.session.ChatID
	m.mu.Unlock()

	if err := m.bridge.SetBotActive(ctx, chatID, active); err != nil {
		return err
	}

	m.mu.Lock()
	if m.session != nil && m.session.ChatID == chatID {
		m.session.BotActive = active
	}
	m.mu.Unlock()
	return nil
}

// Close deactivates the session. In-flight fetches for it become stale.
func (m *Manager) Close() {
	m.mu.Lock()
	m.generation++
	m.session = nil
	m.mu.Unlock()
}

// ActiveID returns the open chat id, or "" when nothing is open.
func (m *Manager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.ChatID
}

// Snapshot returns a copy of the active session, or nil.
func (m *Manager) Snapshot() *Session {
	return m.snapshot()
}

func (m *Manager) snapshot() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	cp := *m.session
	cp.Messages = append([]bridge.Message(nil), m.session.Messages...)
	cp.TagIDs = append([]int64(nil), m.session.TagIDs...)
	return &cp
}
