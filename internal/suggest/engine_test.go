package suggest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/acamacho/chatsync/internal/bridge"
	"github.com/acamacho/chatsync/internal/bus"
	"github.com/acamacho/chatsync/internal/convo"
)

type fakeProvider struct {
	mu    sync.Mutex
	reply string
	err   error
	gate  chan struct{} // when set, Suggest waits here once
	calls []string
}

func (f *fakeProvider) Suggest(_ context.Context, history []bridge.Message, currentText string) (string, error) {
	f.mu.Lock()
	gate := f.gate
	f.gate = nil
	reply, err := f.reply, f.err
	f.calls = append(f.calls, currentText)
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", err
	}
	_ = history
	return reply, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSessions struct {
	mu   sync.Mutex
	sess *convo.Session
}

func (f *fakeSessions) Snapshot() *convo.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sess
}

func activeSession() *convo.Session {
	return &convo.Session{
		ChatID: "111@c.us",
		Messages: []bridge.Message{
			{Body: "hola"},
			{Body: "buenas", FromOperator: true},
			{Body: "quiero aplicar"},
			{Body: "claro", FromOperator: true},
			{Body: "¿qué vacantes hay?"},
			{Body: "varias", FromOperator: true},
		},
	}
}

func newTestEngine(p Provider) (*Engine, *bus.Bus) {
	b := bus.New()
	sessions := &fakeSessions{sess: activeSession()}
	return NewEngine(p, sessions, b, nil, time.Millisecond), b
}

func waitDisplayed(t *testing.T, ch <-chan bus.Event) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == bus.KindSuggestDisplayed {
				return evt.Payload.(string)
			}
		case <-deadline:
			t.Fatal("no suggestion displayed")
		}
	}
}

func TestRequestDisplaysSuggestion(t *testing.T) {
	p := &fakeProvider{reply: " días, ¿cómo le va?"}
	e, b := newTestEngine(p)
	ch, unsub := b.Subscribe("suggest.", 10)
	defer unsub()

	if err := e.Request("Buenos"); err != nil {
		t.Fatal(err)
	}
	got := waitDisplayed(t, ch)
	if got != " días, ¿cómo le va?" {
		t.Errorf("suggestion = %q", got)
	}
	if s, ok := e.Current(); !ok || s != got {
		t.Errorf("Current() = %q, %v", s, ok)
	}
}

func TestRequestWithoutActiveChat(t *testing.T) {
	e := NewEngine(&fakeProvider{}, &fakeSessions{}, bus.New(), nil, time.Millisecond)
	if err := e.Request("hola"); !errors.Is(err, convo.ErrNoActiveChat) {
		t.Errorf("err = %v, want ErrNoActiveChat", err)
	}
}

func TestDebounceCoalescesKeystrokes(t *testing.T) {
	p := &fakeProvider{reply: "algo"}
	sessions := &fakeSessions{sess: activeSession()}
	b := bus.New()
	e := NewEngine(p, sessions, b, nil, 50*time.Millisecond)
	ch, unsub := b.Subscribe("suggest.displayed", 10)
	defer unsub()

	// Three quick keystrokes inside one debounce window.
	_ = e.Request("B")
	_ = e.Request("Bu")
	_ = e.Request("Buenos")

	waitDisplayed(t, ch)
	if got := p.callCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	p.mu.Lock()
	last := p.calls[len(p.calls)-1]
	p.mu.Unlock()
	if last != "Buenos" {
		t.Errorf("provider saw %q, want the final draft", last)
	}
}

func TestStaleResponseDiscarded(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProvider{reply: "vieja", gate: gate}
	e, b := newTestEngine(p)
	ch, unsub := b.Subscribe("suggest.displayed", 10)
	defer unsub()

	_ = e.Request("primer borrador")
	time.Sleep(10 * time.Millisecond) // let the first fetch start and block

	p.mu.Lock()
	p.reply = "nueva"
	p.mu.Unlock()
	_ = e.Request("segundo borrador")
	close(gate)

	if got := waitDisplayed(t, ch); got != "nueva" {
		t.Errorf("displayed %q, want only the newest response", got)
	}
	if s, _ := e.Current(); s != "nueva" {
		t.Errorf("Current() = %q", s)
	}
}

func TestProviderFailureIsSilent(t *testing.T) {
	p := &fakeProvider{err: errors.New("boom")}
	e, _ := newTestEngine(p)

	_ = e.Request("hola")
	time.Sleep(20 * time.Millisecond)
	if _, ok := e.Current(); ok {
		t.Error("suggestion displayed despite provider failure")
	}
}

func TestEmptySuggestionStaysIdle(t *testing.T) {
	p := &fakeProvider{reply: ""}
	e, _ := newTestEngine(p)

	_ = e.Request("hola")
	time.Sleep(20 * time.Millisecond)
	if _, ok := e.Current(); ok {
		t.Error("empty suggestion should not display")
	}
}

func TestAcceptRequiresCaretAtEnd(t *testing.T) {
	p := &fakeProvider{reply: "texto"}
	e, b := newTestEngine(p)
	ch, unsub := b.Subscribe("suggest.displayed", 10)
	defer unsub()

	_ = e.Request("hola")
	waitDisplayed(t, ch)

	if _, ok := e.Accept(false); ok {
		t.Error("accept succeeded with caret mid-draft")
	}
	got, ok := e.Accept(true)
	if !ok || got != "texto" {
		t.Errorf("Accept = %q, %v", got, ok)
	}
	// Consumed: a second accept finds nothing.
	if _, ok := e.Accept(true); ok {
		t.Error("suggestion accepted twice")
	}
}

func TestClearDismissesSuggestion(t *testing.T) {
	p := &fakeProvider{reply: "texto"}
	e, b := newTestEngine(p)
	ch, unsub := b.Subscribe("suggest.", 10)
	defer unsub()

	_ = e.Request("hola")
	waitDisplayed(t, ch)

	e.Clear()
	if _, ok := e.Current(); ok {
		t.Error("suggestion survives Clear")
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindSuggestCleared {
			t.Errorf("kind = %s, want suggest.cleared", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no cleared event")
	}
}

func TestConversationEventsClearSuggestion(t *testing.T) {
	p := &fakeProvider{reply: "texto"}
	e, b := newTestEngine(p)
	e.Start()
	defer e.Stop()

	ch, unsub := b.Subscribe("suggest.displayed", 10)
	defer unsub()

	_ = e.Request("hola")
	waitDisplayed(t, ch)

	// Switching chats invalidates the display.
	b.Publish(bus.Now(bus.KindConvoOpened, "222@c.us"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := e.Current(); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("suggestion not cleared after chat switch")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
