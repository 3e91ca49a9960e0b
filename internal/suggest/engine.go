package suggest

import (
	"context"
	"sync"
	"time"

	"github.com/acamacho/chatsync/internal/bridge"
	"github.com/acamacho/chatsync/internal/bus"
	"github.com/acamacho/chatsync/internal/convo"
	"go.uber.org/zap"
)

const (
	defaultDebounce = 400 * time.Millisecond
	fetchTimeout    = 10 * time.Second
)

// phase is the engine's lifecycle for one suggestion.
type phase int

const (
	phaseIdle phase = iota
	phasePending
	phaseDisplaying
)

// SessionSource exposes the active conversation the engine suggests for.
type SessionSource interface {
	Snapshot() *convo.Session
}

// Engine debounces draft changes, asks the provider for a completion, and
// holds the one suggestion currently on display. A token counter makes sure
// a response that arrives after a newer request never surfaces.
type Engine struct {
	provider Provider
	sessions SessionSource
	bus      *bus.Bus
	logger   *zap.Logger
	debounce time.Duration

	mu         sync.Mutex
	phase      phase
	token      uint64
	suggestion string
	timer      *time.Timer
	unsub      func()
}

// NewEngine creates the suggestion engine. debounce <= 0 uses the default.
func NewEngine(p Provider, sessions SessionSource, b *bus.Bus, logger *zap.Logger, debounce time.Duration) *Engine {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Engine{
		provider: p,
		sessions: sessions,
		bus:      b,
		logger:   logger,
		debounce: debounce,
	}
}

// Start wires the engine to conversation events: switching chats or sending
// a message invalidates whatever is pending or displayed.
func (e *Engine) Start() {
	ch, unsub := e.bus.Subscribe("convo.", 32)
	e.mu.Lock()
	e.unsub = unsub
	e.mu.Unlock()

	go func() {
		for evt := range ch {
			switch evt.Kind {
			case bus.KindConvoOpened, bus.KindConvoMessageSent:
				e.Clear()
			}
		}
	}()
}

// Stop detaches the engine from the bus and drops any pending work.
func (e *Engine) Stop() {
	e.mu.Lock()
	unsub := e.unsub
	e.unsub = nil
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	e.Clear()
}

// Request notes the current draft and schedules a suggestion fetch after
// the debounce window. Any displayed suggestion clears immediately; a new
// keystroke always invalidates the old completion.
func (e *Engine) Request(currentText string) error {
	snap := e.sessions.Snapshot()
	if snap == nil {
		return convo.ErrNoActiveChat
	}
	history := lastN(snap.Messages, historyWindow)

	e.mu.Lock()
	e.token++
	tok := e.token
	wasDisplaying := e.phase == phaseDisplaying
	e.phase = phasePending
	e.suggestion = ""
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, func() {
		e.fetch(tok, history, currentText)
	})
	e.mu.Unlock()

	if wasDisplaying {
		e.bus.Publish(bus.Now(bus.KindSuggestCleared, nil))
	}
	return nil
}

func (e *Engine) fetch(tok uint64, history []bridge.Message, currentText string) {
	e.mu.Lock()
	if tok != e.token {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	result, err := e.provider.Suggest(ctx, history, currentText)

	e.mu.Lock()
	if tok != e.token {
		e.mu.Unlock()
		return
	}
	if err != nil {
		// Suggestions fail silently; the operator just keeps typing.
		e.phase = phaseIdle
		e.mu.Unlock()
		if e.logger != nil {
			e.logger.Warn("suggestion fetch failed", zap.Error(err))
		}
		return
	}
	if result == "" {
		e.phase = phaseIdle
		e.mu.Unlock()
		return
	}
	e.phase = phaseDisplaying
	e.suggestion = result
	e.mu.Unlock()

	e.bus.Publish(bus.Now(bus.KindSuggestDisplayed, result))
}

// Accept consumes the displayed suggestion. It only succeeds while a
// suggestion is showing and the caret sits at the end of the draft;
// otherwise the draft is left alone and ok is false.
func (e *Engine) Accept(caretAtEnd bool) (string, bool) {
	e.mu.Lock()
	if e.phase != phaseDisplaying || !caretAtEnd {
		e.mu.Unlock()
		return "", false
	}
	s := e.suggestion
	e.phase = phaseIdle
	e.suggestion = ""
	e.token++
	e.mu.Unlock()

	e.bus.Publish(bus.Now(bus.KindSuggestCleared, nil))
	return s, true
}

// Clear dismisses any pending or displayed suggestion.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.token++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	wasDisplaying := e.phase == phaseDisplaying
	e.phase = phaseIdle
	e.suggestion = ""
	e.mu.Unlock()

	if wasDisplaying {
		e.bus.Publish(bus.Now(bus.KindSuggestCleared, nil))
	}
}

// Current returns the suggestion on display, if any.
func (e *Engine) Current() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suggestion, e.phase == phaseDisplaying
}
