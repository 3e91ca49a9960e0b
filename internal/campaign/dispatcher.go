// Package campaign sends one templated message to a list of recipients over
// the live websocket, paced by a fixed interval. One campaign runs at a
// time; progress is journaled to sqlite so an interrupted run is auditable.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/acamacho/chatsync/internal/bus"
	"github.com/acamacho/chatsync/internal/conn"
	"github.com/acamacho/chatsync/internal/status"
	"github.com/acamacho/chatsync/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MinInterval is the slowest cadence WhatsApp tolerates before flagging the
// account for bulk messaging.
const MinInterval = 5 * time.Second

var (
	ErrIntervalTooShort = errors.New("el intervalo mínimo entre mensajes es de 5 segundos")
	ErrAlreadyRunning   = errors.New("ya hay una campaña en curso")
	ErrEmptyTemplate    = errors.New("la plantilla del mensaje no puede estar vacía")
	ErrNoRecipients     = errors.New("la campaña no tiene destinatarios")
	ErrNoCampaign       = errors.New("no hay ninguna campaña en curso")
)

// namePlaceholder in the template expands to the recipient's first name.
const namePlaceholder = "[name]"

// Sender is the slice of the connection manager the dispatcher uses.
type Sender interface {
	Send(payload any) error
	State() status.State
}

// Recipient is one target of a campaign.
type Recipient struct {
	Phone    string `json:"telefono"`
	FullName string `json:"nombre_completo"`
}

// taskFrame is the websocket command for one personalized send.
type taskFrame struct {
	Action string   `json:"action"`
	Task   taskBody `json:"task"`
}

type taskBody struct {
	Phone   string `json:"telefono"`
	Name    string `json:"nombre"`
	Message string `json:"mensaje"`
}

// Progress summarizes a campaign's journal.
type Progress struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Total  int    `json:"total"`
	Sent   int    `json:"sent"`
	Failed int    `json:"failed"`
}

// TaskEvent is the payload of campaign.task_sent and campaign.task_failed.
type TaskEvent struct {
	CampaignID string
	Seq        int
	Phone      string
	Err        string
}

type job struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Dispatcher runs at most one campaign at a time.
type Dispatcher struct {
	sender Sender
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	minInterval time.Duration

	mu      sync.Mutex
	running *job
}

// NewDispatcher creates the campaign dispatcher.
func NewDispatcher(s Sender, db *store.DB, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sender:      s,
		db:          db,
		bus:         b,
		logger:      logger,
		minInterval: MinInterval,
	}
}

// Launch validates and starts a campaign, returning its id. The first send
// happens immediately, the rest follow at the given interval. Launch fails
// up front when the socket is not open; it does not wait for one.
func (d *Dispatcher) Launch(template string, interval time.Duration, recipients []Recipient) (string, error) {
	if strings.TrimSpace(template) == "" {
		return "", ErrEmptyTemplate
	}
	if len(recipients) == 0 {
		return "", ErrNoRecipients
	}
	if interval < d.minInterval {
		return "", ErrIntervalTooShort
	}
	if d.sender.State() != status.Open {
		return "", fmt.Errorf("%w: conéctate al puente antes de lanzar la campaña", conn.ErrNotConnected)
	}

	d.mu.Lock()
	if d.running != nil {
		d.mu.Unlock()
		return "", ErrAlreadyRunning
	}

	id := uuid.NewString()
	tasks := make([]store.CampaignTask, len(recipients))
	for i, r := range recipients {
		tasks[i] = store.CampaignTask{
			CampaignID: id,
			Seq:        i,
			Phone:      r.Phone,
			FullName:   r.FullName,
			Message:    Personalize(template, r.FullName),
			Status:     "queued",
		}
	}

	if err := d.db.CreateCampaign(&store.Campaign{
		ID:              id,
		Template:        template,
		IntervalSeconds: int(interval / time.Second),
		Status:          "running",
	}, tasks); err != nil {
		d.mu.Unlock()
		return "", fmt.Errorf("journal campaign: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{id: id, cancel: cancel, done: make(chan struct{})}
	d.running = j
	d.mu.Unlock()

	d.bus.Publish(bus.Now(bus.KindCampaignStarted, id))
	go d.run(ctx, j, interval, tasks)
	return id, nil
}

func (d *Dispatcher) run(ctx context.Context, j *job, interval time.Duration, tasks []store.CampaignTask) {
	defer close(j.done)
	defer func() {
		d.mu.Lock()
		if d.running == j {
			d.running = nil
		}
		d.mu.Unlock()
	}()

	for i, task := range tasks {
		if i > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				d.finish(j.id, "cancelled", bus.KindCampaignCancelled)
				return
			}
		}
		if ctx.Err() != nil {
			d.finish(j.id, "cancelled", bus.KindCampaignCancelled)
			return
		}
		d.dispatch(j.id, task)
	}

	d.finish(j.id, "completed", bus.KindCampaignCompleted)
}

// dispatch sends one task. A failed send is journaled and skipped; it never
// aborts the rest of the campaign.
func (d *Dispatcher) dispatch(id string, task store.CampaignTask) {
	frame := taskFrame{
		Action: "send_single_message",
		Task:   taskBody{Phone: task.Phone, Name: task.FullName, Message: task.Message},
	}
	if err := d.sender.Send(frame); err != nil {
		if dbErr := d.db.MarkTaskFailed(id, task.Seq, err.Error()); dbErr != nil && d.logger != nil {
			d.logger.Warn("failed to journal task error", zap.Error(dbErr))
		}
		if d.logger != nil {
			d.logger.Warn("campaign send failed",
				zap.String("campaign", id),
				zap.String("phone", task.Phone),
				zap.Error(err))
		}
		d.bus.Publish(bus.Now(bus.KindCampaignTaskError, TaskEvent{
			CampaignID: id, Seq: task.Seq, Phone: task.Phone, Err: err.Error(),
		}))
		return
	}
	if err := d.db.MarkTaskSent(id, task.Seq); err != nil && d.logger != nil {
		d.logger.Warn("failed to journal sent task", zap.Error(err))
	}
	d.bus.Publish(bus.Now(bus.KindCampaignTaskSent, TaskEvent{
		CampaignID: id, Seq: task.Seq, Phone: task.Phone,
	}))
}

func (d *Dispatcher) finish(id, finalStatus, kind string) {
	if err := d.db.FinishCampaign(id, finalStatus); err != nil && d.logger != nil {
		d.logger.Warn("failed to close campaign journal", zap.Error(err))
	}
	d.bus.Publish(bus.Now(kind, id))
}

// Cancel stops the running campaign after the in-flight send, if any, and
// waits for the runner to wind down.
func (d *Dispatcher) Cancel() error {
	d.mu.Lock()
	j := d.running
	d.mu.Unlock()
	if j == nil {
		return ErrNoCampaign
	}
	j.cancel()
	<-j.done
	return nil
}

// Active returns the running campaign id, if any.
func (d *Dispatcher) Active() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running == nil {
		return "", false
	}
	return d.running.id, true
}

// Progress reads a campaign's journal.
func (d *Dispatcher) Progress(id string) (*Progress, error) {
	c, err := d.db.GetCampaign(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNoCampaign
	}
	tasks, err := d.db.ListCampaignTasks(id)
	if err != nil {
		return nil, err
	}
	p := &Progress{ID: id, Status: c.Status, Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case "sent":
			p.Sent++
		case "failed":
			p.Failed++
		}
	}
	return p, nil
}

// Personalize expands the name placeholder with the recipient's first name.
func Personalize(template, fullName string) string {
	first := ""
	if fields := strings.Fields(fullName); len(fields) > 0 {
		first = fields[0]
	}
	return strings.ReplaceAll(template, namePlaceholder, first)
}
