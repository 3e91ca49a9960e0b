package campaign

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/acamacho/chatsync/internal/bus"
	"github.com/acamacho/chatsync/internal/conn"
	"github.com/acamacho/chatsync/internal/status"
	"github.com/acamacho/chatsync/internal/store"
)

type fakeSender struct {
	mu     sync.Mutex
	state  status.State
	frames []taskFrame
	errOn  map[int]error // frame index -> error
}

func newFakeSender() *fakeSender {
	return &fakeSender{state: status.Open, errOn: make(map[int]error)}
}

func (f *fakeSender) Send(payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.frames)
	data, _ := json.Marshal(payload)
	var frame taskFrame
	_ = json.Unmarshal(data, &frame)
	f.frames = append(f.frames, frame)
	return f.errOn[idx]
}

func (f *fakeSender) State() status.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSender) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func testDispatcher(t *testing.T, s Sender) (*Dispatcher, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chatsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	d := NewDispatcher(s, db, b, nil)
	d.minInterval = time.Millisecond
	return d, db, b
}

func recipients() []Recipient {
	return []Recipient{
		{Phone: "50499990001", FullName: "Maria Lopez Garcia"},
		{Phone: "50499990002", FullName: "Juan Perez"},
		{Phone: "50499990003", FullName: "Ana Ruiz"},
	}
}

func waitDone(t *testing.T, ch <-chan bus.Event, kind string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", kind)
		}
	}
}

func TestPersonalize(t *testing.T) {
	tests := []struct {
		template, fullName, want string
	}{
		{"Hola [name], hay una vacante", "Maria Lopez Garcia", "Hola Maria, hay una vacante"},
		{"Hola [name], [name]!", "Juan Perez", "Hola Juan, Juan!"},
		{"Sin marcador", "Maria", "Sin marcador"},
		{"Hola [name]", "", "Hola "},
	}
	for _, tt := range tests {
		if got := Personalize(tt.template, tt.fullName); got != tt.want {
			t.Errorf("Personalize(%q, %q) = %q, want %q", tt.template, tt.fullName, got, tt.want)
		}
	}
}

func TestLaunchValidation(t *testing.T) {
	s := newFakeSender()
	d, _, _ := testDispatcher(t, s)
	d.minInterval = MinInterval

	if _, err := d.Launch("  ", 5*time.Second, recipients()); !errors.Is(err, ErrEmptyTemplate) {
		t.Errorf("err = %v, want ErrEmptyTemplate", err)
	}
	if _, err := d.Launch("hola", 5*time.Second, nil); !errors.Is(err, ErrNoRecipients) {
		t.Errorf("err = %v, want ErrNoRecipients", err)
	}
	if _, err := d.Launch("hola", 4*time.Second, recipients()); !errors.Is(err, ErrIntervalTooShort) {
		t.Errorf("err = %v, want ErrIntervalTooShort", err)
	}
}

func TestLaunchRequiresOpenConnection(t *testing.T) {
	s := newFakeSender()
	s.state = status.Disconnected
	d, _, _ := testDispatcher(t, s)

	_, err := d.Launch("hola [name]", time.Millisecond, recipients())
	if !errors.Is(err, conn.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestCampaignSendsAllTasks(t *testing.T) {
	s := newFakeSender()
	d, db, b := testDispatcher(t, s)
	ch, unsub := b.Subscribe("campaign.", 32)
	defer unsub()

	id, err := d.Launch("Hola [name], tenemos una vacante", 2*time.Millisecond, recipients())
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, ch, bus.KindCampaignCompleted)

	if got := s.frameCount(); got != 3 {
		t.Fatalf("frames = %d, want 3", got)
	}
	s.mu.Lock()
	first := s.frames[0]
	s.mu.Unlock()
	if first.Action != "send_single_message" {
		t.Errorf("action = %q", first.Action)
	}
	if first.Task.Phone != "50499990001" || first.Task.Message != "Hola Maria, tenemos una vacante" {
		t.Errorf("task = %+v", first.Task)
	}

	p, err := d.Progress(id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != "completed" || p.Sent != 3 || p.Failed != 0 {
		t.Errorf("progress = %+v", p)
	}

	tasks, err := db.ListCampaignTasks(id)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if task.Status != "sent" {
			t.Errorf("task %d status = %q, want sent", task.Seq, task.Status)
		}
	}

	if _, ok := d.Active(); ok {
		t.Error("campaign still active after completion")
	}
}

func TestFailedSendIsSkippedNotFatal(t *testing.T) {
	s := newFakeSender()
	s.errOn[1] = conn.ErrNotConnected
	d, _, b := testDispatcher(t, s)
	ch, unsub := b.Subscribe("campaign.", 32)
	defer unsub()

	id, err := d.Launch("Hola [name]", 2*time.Millisecond, recipients())
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, ch, bus.KindCampaignCompleted)

	p, err := d.Progress(id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Sent != 2 || p.Failed != 1 {
		t.Errorf("progress = %+v, want 2 sent 1 failed", p)
	}
}

func TestOneCampaignAtATime(t *testing.T) {
	s := newFakeSender()
	d, _, b := testDispatcher(t, s)
	ch, unsub := b.Subscribe("campaign.completed", 8)
	defer unsub()

	if _, err := d.Launch("Hola [name]", 20*time.Millisecond, recipients()); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Launch("Otra", 20*time.Millisecond, recipients()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("err = %v, want ErrAlreadyRunning", err)
	}

	waitDone(t, ch, bus.KindCampaignCompleted)

	// With the first finished, a new launch is accepted.
	if _, err := d.Launch("Otra [name]", 2*time.Millisecond, recipients()); err != nil {
		t.Errorf("relaunch after completion: %v", err)
	}
}

func TestCancelStopsPendingTasks(t *testing.T) {
	s := newFakeSender()
	d, _, b := testDispatcher(t, s)
	ch, unsub := b.Subscribe("campaign.", 32)
	defer unsub()

	id, err := d.Launch("Hola [name]", time.Minute, recipients())
	if err != nil {
		t.Fatal(err)
	}

	// The first task goes out immediately; cancel during the long wait.
	waitDone(t, ch, bus.KindCampaignTaskSent)
	if err := d.Cancel(); err != nil {
		t.Fatal(err)
	}
	waitDone(t, ch, bus.KindCampaignCancelled)

	if got := s.frameCount(); got != 1 {
		t.Errorf("frames = %d, want 1 (rest cancelled)", got)
	}
	p, err := d.Progress(id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != "cancelled" || p.Sent != 1 {
		t.Errorf("progress = %+v", p)
	}
	if _, ok := d.Active(); ok {
		t.Error("campaign still active after cancel")
	}
}

func TestCancelWithoutCampaign(t *testing.T) {
	s := newFakeSender()
	d, _, _ := testDispatcher(t, s)
	if err := d.Cancel(); !errors.Is(err, ErrNoCampaign) {
		t.Errorf("err = %v, want ErrNoCampaign", err)
	}
}

func TestProgressUnknownCampaign(t *testing.T) {
	s := newFakeSender()
	d, _, _ := testDispatcher(t, s)
	if _, err := d.Progress("nope"); !errors.Is(err, ErrNoCampaign) {
		t.Errorf("err = %v, want ErrNoCampaign", err)
	}
}
