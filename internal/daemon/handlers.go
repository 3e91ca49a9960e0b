package daemon

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/acamacho/chatsync/internal/bridge"
	"github.com/acamacho/chatsync/internal/bus"
	"github.com/acamacho/chatsync/internal/campaign"
	"github.com/acamacho/chatsync/internal/chatlist"
	"github.com/acamacho/chatsync/internal/conn"
	"github.com/acamacho/chatsync/internal/convo"
	"github.com/acamacho/chatsync/internal/status"
	"github.com/acamacho/chatsync/internal/suggest"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Handlers exposes every daemon operation over the HTTP API.
type Handlers struct {
	conn       *conn.Manager
	bridge     *bridge.Client
	chats      *chatlist.Store
	sessions   *convo.Manager
	engine     *suggest.Engine
	dispatcher *campaign.Dispatcher
	bus        *bus.Bus
	logger     *zap.Logger
}

// NewHandlers wires the API against the daemon's components.
func NewHandlers(
	cm *conn.Manager,
	br *bridge.Client,
	chats *chatlist.Store,
	sessions *convo.Manager,
	engine *suggest.Engine,
	dispatcher *campaign.Dispatcher,
	b *bus.Bus,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		conn:       cm,
		bridge:     br,
		chats:      chats,
		sessions:   sessions,
		engine:     engine,
		dispatcher: dispatcher,
		bus:        b,
		logger:     logger,
	}
}

// Register mounts every route under /v1.
func (h *Handlers) Register(e *echo.Echo) {
	v1 := e.Group("/v1")

	v1.GET("/status", h.Status)
	v1.POST("/connect", h.Connect)
	v1.POST("/disconnect", h.Disconnect)

	v1.GET("/chats", h.ListChats)
	v1.POST("/chats/refresh", h.RefreshChats)
	v1.DELETE("/chats/filter", h.ClearFilter)
	v1.POST("/chats/:id/open", h.OpenChat)
	v1.POST("/chats/:id/read", h.MarkRead)
	v1.POST("/chats/:id/pin", h.Pin)
	v1.POST("/chats/:id/context", h.SetContext)
	v1.POST("/chats/:id/tags", h.AddTag)
	v1.DELETE("/chats/:id/tags/:tagID", h.RemoveTag)

	v1.GET("/tags", h.ListTags)
	v1.POST("/tags", h.CreateTag)

	v1.GET("/conversation", h.Conversation)
	v1.POST("/conversation/close", h.CloseConversation)
	v1.POST("/messages", h.SendMessage)
	v1.POST("/bot", h.SetBot)

	v1.POST("/suggestions", h.RequestSuggestion)
	v1.GET("/suggestions", h.CurrentSuggestion)
	v1.POST("/suggestions/accept", h.AcceptSuggestion)
	v1.DELETE("/suggestions", h.ClearSuggestion)

	v1.POST("/campaigns", h.LaunchCampaign)
	v1.DELETE("/campaigns/current", h.CancelCampaign)
	v1.GET("/campaigns/:id", h.CampaignProgress)

	v1.GET("/events", h.Events)
}

// StatusResponse describes the daemon for /v1/status.
type StatusResponse struct {
	State      string `json:"state"`
	Label      string `json:"label"`
	Attempts   int    `json:"attempts"`
	ActiveChat string `json:"active_chat,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
}

func (h *Handlers) Status(c echo.Context) error {
	st := h.conn.State()
	resp := StatusResponse{
		State:      string(st),
		Label:      stateLabel(st, h.conn.Attempts()),
		Attempts:   h.conn.Attempts(),
		ActiveChat: h.sessions.ActiveID(),
	}
	if id, ok := h.dispatcher.Active(); ok {
		resp.CampaignID = id
	}
	return c.JSON(http.StatusOK, resp)
}

// stateLabel is the operator-facing connection label.
func stateLabel(st status.State, attempts int) string {
	switch st {
	case status.Connecting:
		return "Conectando..."
	case status.Open:
		return "Conectado"
	case status.Closing:
		return "Desconectando..."
	default:
		if attempts > 0 {
			return "Reconectar"
		}
		return "Conectar"
	}
}

func (h *Handlers) Connect(c echo.Context) error {
	if err := h.conn.Connect(c.Request().Context(), true); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) Disconnect(c echo.Context) error {
	h.conn.Close()
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) ListChats(c echo.Context) error {
	if q := c.QueryParam("q"); q != "" {
		h.chats.SetTextFilter(q)
	} else if tag := c.QueryParam("tag"); tag != "" {
		id, err := strconv.ParseInt(tag, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid tag id")
		}
		h.chats.SetTagFilter(id)
	}
	if c.QueryParam("followup") == "1" {
		return c.JSON(http.StatusOK, h.chats.FollowUps())
	}
	return c.JSON(http.StatusOK, h.chats.Visible())
}

func (h *Handlers) RefreshChats(c echo.Context) error {
	if err := h.chats.Refresh(c.Request().Context()); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.chats.Visible())
}

func (h *Handlers) ClearFilter(c echo.Context) error {
	h.chats.ClearFilter()
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) OpenChat(c echo.Context) error {
	sess, err := h.sessions.Open(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if sess == nil {
		// Superseded by a newer open while fetching.
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handlers) MarkRead(c echo.Context) error {
	chatID := c.Param("id")
	h.chats.MarkReadLocal(chatID)
	if err := h.bridge.MarkRead(c.Request().Context(), chatID); err != nil && h.logger != nil {
		// The local clear stands regardless.
		h.logger.Warn("mark read failed", zap.String("chat", chatID), zap.Error(err))
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) Pin(c echo.Context) error {
	var req struct {
		Pinned bool `json:"pinned"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	chatID := c.Param("id")
	if err := h.bridge.SetPinned(c.Request().Context(), chatID, req.Pinned); err != nil {
		return httpError(err)
	}
	h.chats.SetPinnedLocal(chatID, req.Pinned)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) SetContext(c echo.Context) error {
	var req struct {
		Context string `json:"context"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.bridge.SetContext(c.Request().Context(), c.Param("id"), req.Context); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) AddTag(c echo.Context) error {
	var req struct {
		TagID int64 `json:"tag_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.bridge.AddTag(c.Request().Context(), c.Param("id"), req.TagID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) RemoveTag(c echo.Context) error {
	tagID, err := strconv.ParseInt(c.Param("tagID"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid tag id")
	}
	if err := h.bridge.RemoveTag(c.Request().Context(), c.Param("id"), tagID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) ListTags(c echo.Context) error {
	tags, err := h.bridge.ListTags(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tags)
}

func (h *Handlers) CreateTag(c echo.Context) error {
	var req struct {
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tag name is required")
	}
	tag, err := h.bridge.CreateTag(c.Request().Context(), req.Name, req.Color)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, tag)
}

func (h *Handlers) Conversation(c echo.Context) error {
	sess := h.sessions.Snapshot()
	if sess == nil {
		return echo.NewHTTPError(http.StatusNotFound, convo.ErrNoActiveChat.Error())
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handlers) CloseConversation(c echo.Context) error {
	h.sessions.Close()
	h.engine.Clear()
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) SendMessage(c echo.Context) error {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.sessions.SendMessage(c.Request().Context(), req.Text); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) SetBot(c echo.Context) error {
	var req struct {
		Active bool `json:"active"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.sessions.SetBotActive(c.Request().Context(), req.Active); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) RequestSuggestion(c echo.Context) error {
	var req struct {
		CurrentText string `json:"current_text"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.engine.Request(req.CurrentText); err != nil {
		return httpError(err)
	}
	// The result arrives later as a suggest.displayed event.
	return c.NoContent(http.StatusAccepted)
}

func (h *Handlers) CurrentSuggestion(c echo.Context) error {
	text, ok := h.engine.Current()
	return c.JSON(http.StatusOK, map[string]any{"text": text, "displaying": ok})
}

func (h *Handlers) AcceptSuggestion(c echo.Context) error {
	var req struct {
		CaretAtEnd bool `json:"caret_at_end"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	text, ok := h.engine.Accept(req.CaretAtEnd)
	return c.JSON(http.StatusOK, map[string]any{"text": text, "accepted": ok})
}

func (h *Handlers) ClearSuggestion(c echo.Context) error {
	h.engine.Clear()
	return c.NoContent(http.StatusNoContent)
}

// LaunchCampaignRequest is the body of POST /v1/campaigns.
type LaunchCampaignRequest struct {
	Template        string               `json:"template"`
	IntervalSeconds int                  `json:"interval_seconds"`
	Recipients      []campaign.Recipient `json:"recipients"`
}

func (h *Handlers) LaunchCampaign(c echo.Context) error {
	var req LaunchCampaignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := h.dispatcher.Launch(req.Template, time.Duration(req.IntervalSeconds)*time.Second, req.Recipients)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"id": id})
}

func (h *Handlers) CancelCampaign(c echo.Context) error {
	if err := h.dispatcher.Cancel(); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) CampaignProgress(c echo.Context) error {
	p, err := h.dispatcher.Progress(c.Param("id"))
	if err != nil {
		if errors.Is(err, campaign.ErrNoCampaign) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// eventFrame is what /v1/events writes per bus event.
type eventFrame struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Events streams every bus event over a websocket until the client hangs up.
func (h *Handlers) Events(c echo.Context) error {
	ws, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	ch, unsub := h.bus.Subscribe("", 128)
	defer unsub()

	ctx := c.Request().Context()
	for {
		select {
		case evt := <-ch:
			frame := eventFrame{Kind: evt.Kind, Timestamp: evt.Timestamp, Payload: evt.Payload}
			if err := wsjson.Write(ctx, ws, frame); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// httpError maps domain errors onto API status codes: invalid input is 400,
// unmet preconditions are 409, a dead bridge is 502.
func httpError(err error) error {
	switch {
	case errors.Is(err, convo.ErrEmptyMessage),
		errors.Is(err, campaign.ErrEmptyTemplate),
		errors.Is(err, campaign.ErrNoRecipients),
		errors.Is(err, campaign.ErrIntervalTooShort):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, convo.ErrNoActiveChat),
		errors.Is(err, conn.ErrNotConnected),
		errors.Is(err, conn.ErrNoAuthToken),
		errors.Is(err, campaign.ErrAlreadyRunning),
		errors.Is(err, campaign.ErrNoCampaign):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, bridge.ErrUnavailable):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
