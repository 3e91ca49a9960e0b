// Package conn owns the single persistent websocket connection to the
// WhatsApp bridge: connect, reconnect with exponential backoff, and
// outbound command transmission. Observers follow the connection through
// conn.state_changed events on the bus; nobody else mutates the state.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/acamacho/chatsync/internal/bus"
	"github.com/acamacho/chatsync/internal/status"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send when the connection is not open.
// There is no outbound queuing while disconnected; callers check state first.
var ErrNotConnected = errors.New("bridge connection is not open")

// ErrNoAuthToken is returned by Connect when no credential is available.
// The manager fails closed rather than attempting an anonymous connection.
var ErrNoAuthToken = errors.New("no auth token available for bridge connection")

const (
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 5
)

// Socket is the subset of the websocket connection the manager uses.
// Narrowed for tests.
type Socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a websocket connection to the given URL.
type DialFunc func(ctx context.Context, wsURL string) (Socket, error)

func defaultDial(ctx context.Context, wsURL string) (Socket, error) {
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// InboundFrame is a decoded message pushed by the bridge over the socket.
type InboundFrame struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Manager maintains at most one live connection to the bridge per profile.
type Manager struct {
	wsURL   string
	token   string
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	dial        DialFunc
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu             sync.Mutex
	ws             Socket
	attempts       int
	reconnectTimer *time.Timer
	closed         bool
}

// NewManager creates a connection manager. It does not connect; call
// Connect explicitly or let the daemon auto-connect on start.
func NewManager(wsURL, token string, m *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		wsURL:       wsURL,
		token:       token,
		machine:     m,
		bus:         b,
		logger:      logger,
		dial:        defaultDial,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		maxAttempts: defaultMaxAttempts,
	}
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Attempts returns the automatic reconnect attempts consumed so far.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect opens the connection, carrying the auth token as a query
// credential. It is idempotent: a no-op while Open or Connecting. A manual
// connect bypasses any scheduled backoff and resets the attempt counter.
func (m *Manager) Connect(ctx context.Context, manual bool) error {
	if m.token == "" {
		return ErrNoAuthToken
	}

	m.mu.Lock()
	st := m.machine.Current()
	if st == status.Open || st == status.Connecting {
		m.mu.Unlock()
		if manual && m.logger != nil {
			m.logger.Info("connection already active or in progress")
		}
		return nil
	}
	if manual {
		m.attempts = 0
		if m.reconnectTimer != nil {
			m.reconnectTimer.Stop()
			m.reconnectTimer = nil
		}
	}
	m.closed = false
	_ = m.machine.Transition(status.Connecting)
	m.mu.Unlock()

	target, err := m.buildURL()
	if err != nil {
		m.onDialFailed()
		return err
	}

	ws, err := m.dial(ctx, target)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("bridge dial failed", zap.Error(err))
		}
		m.onDialFailed()
		return fmt.Errorf("dial bridge: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		// Disconnect raced the dial; drop the fresh socket.
		m.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	m.ws = ws
	m.attempts = 0
	m.mu.Unlock()

	_ = m.machine.Transition(status.Open)
	if m.logger != nil {
		m.logger.Info("bridge connected", zap.String("url", m.wsURL))
	}

	go m.readLoop(ws)
	return nil
}

// Send serializes payload as JSON and transmits it. Fails with
// ErrNotConnected unless the connection is Open.
func (m *Manager) Send(payload any) error {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()

	if ws == nil || m.machine.Current() != status.Open {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write to bridge: %w", err)
	}
	return nil
}

// Close shuts the connection down and disables automatic reconnection.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	ws := m.ws
	m.ws = nil
	m.mu.Unlock()

	if ws != nil {
		_ = m.machine.Transition(status.Closing)
		_ = ws.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	if m.machine.Current() != status.Disconnected {
		_ = m.machine.Transition(status.Disconnected)
	}
}

func (m *Manager) buildURL() (string, error) {
	u, err := url.Parse(m.wsURL)
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	q := u.Query()
	q.Set("token", m.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop drains inbound frames until the socket dies, then hands off to
// the reconnect path.
func (m *Manager) readLoop(ws Socket) {
	for {
		_, data, err := ws.Read(context.Background())
		if err != nil {
			m.onSocketClosed(ws, err)
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			if m.logger != nil {
				m.logger.Warn("malformed frame from bridge", zap.Error(err))
			}
			continue
		}
		m.bus.Publish(bus.Now(bus.KindBridgeInbound, frame))
	}
}

func (m *Manager) onDialFailed() {
	_ = m.machine.Transition(status.Disconnected)
	m.mu.Lock()
	m.scheduleReconnectLocked()
	m.mu.Unlock()
}

func (m *Manager) onSocketClosed(ws Socket, err error) {
	m.mu.Lock()
	if m.ws != ws {
		// A manual close or a newer connection already took over.
		m.mu.Unlock()
		return
	}
	m.ws = nil
	wasClosed := m.closed
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Warn("bridge connection lost", zap.Error(err))
	}
	if m.machine.Current() != status.Disconnected {
		_ = m.machine.Transition(status.Disconnected)
	}

	if wasClosed {
		return
	}
	m.mu.Lock()
	m.scheduleReconnectLocked()
	m.mu.Unlock()
}

// scheduleReconnectLocked arms the backoff timer for the next automatic
// attempt: min(base*2^n, cap), at most maxAttempts attempts. Callers hold mu.
func (m *Manager) scheduleReconnectLocked() {
	if m.closed || m.attempts >= m.maxAttempts {
		return
	}
	delay := backoffDelay(m.baseDelay, m.maxDelay, m.attempts)
	m.attempts++
	if m.logger != nil {
		m.logger.Info("scheduling reconnect",
			zap.Duration("delay", delay),
			zap.Int("attempt", m.attempts))
	}
	m.reconnectTimer = time.AfterFunc(delay, func() {
		_ = m.Connect(context.Background(), false)
	})
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d > max || d <= 0 {
		return max
	}
	return d
}
