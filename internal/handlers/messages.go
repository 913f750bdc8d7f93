package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/replyhub/replyhub/internal/accounts"
	"github.com/replyhub/replyhub/internal/auth"
	"github.com/replyhub/replyhub/internal/channel"
	"github.com/replyhub/replyhub/internal/channel/outbound"
	"github.com/replyhub/replyhub/internal/inbox"
	"github.com/replyhub/replyhub/internal/schedule"
)

// MessagesHandler serves message sending, immediate and scheduled.
type MessagesHandler struct {
	pipeline        *outbound.Pipeline
	scheduleService *schedule.Service
	logger          *slog.Logger
}

func NewMessagesHandler(log *slog.Logger, pipeline *outbound.Pipeline, scheduleService *schedule.Service) *MessagesHandler {
	return &MessagesHandler{
		pipeline:        pipeline,
		scheduleService: scheduleService,
		logger:          log.With(slog.String("handler", "messages")),
	}
}

// Register mounts the message routes on the Echo instance.
func (h *MessagesHandler) Register(e *echo.Echo) {
	e.POST("/api/conversations/:id/messages", h.Send)
	e.POST("/api/conversations/:id/scheduled", h.Schedule)
	e.GET("/api/conversations/:id/scheduled", h.ListScheduled)
	e.DELETE("/api/scheduled/:id", h.CancelScheduled)
}

// SendMessageRequest is the body for POST /api/conversations/:id/messages.
type SendMessageRequest struct {
	ContentKind string  `json:"content_kind"`
	Text        string  `json:"text"`
	MediaURL    string  `json:"media_url"`
	MediaMime   string  `json:"media_mime"`
	FileName    string  `json:"file_name"`
	Caption     string  `json:"caption"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	ReplyToID   string  `json:"reply_to_id"`
	// SendAt queues the message instead of sending now (RFC 3339).
	SendAt string `json:"send_at"`
}

func (r SendMessageRequest) payload() channel.OutboundPayload {
	return channel.OutboundPayload{
		Content:   channel.ContentKind(strings.TrimSpace(r.ContentKind)),
		Text:      r.Text,
		MediaURL:  r.MediaURL,
		MediaMime: r.MediaMime,
		FileName:  r.FileName,
		Caption:   r.Caption,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
	}
}

// Send accepts the message, persists it as pending and returns immediately.
// The delivery outcome arrives on the event stream.
func (h *MessagesHandler) Send(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.SendAt != "" {
		return h.scheduleSend(c, userID, req)
	}

	msg, err := h.pipeline.Send(c.Request().Context(), outbound.SendRequest{
		ConversationID: c.Param("id"),
		UserID:         userID,
		Payload:        req.payload(),
		ReplyToID:      strings.TrimSpace(req.ReplyToID),
	})
	if err != nil {
		switch {
		case errors.Is(err, outbound.ErrEmptyPayload):
			return echo.NewHTTPError(http.StatusBadRequest, "message payload is empty")
		case errors.Is(err, inbox.ErrConversationNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		case errors.Is(err, accounts.ErrForbidden):
			return echo.NewHTTPError(http.StatusForbidden, "account access denied")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusAccepted, msg)
}

// Schedule queues a message for later delivery.
func (h *MessagesHandler) Schedule(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.scheduleSend(c, userID, req)
}

func (h *MessagesHandler) scheduleSend(c echo.Context, userID string, req SendMessageRequest) error {
	if req.payload().IsEmpty() {
		return echo.NewHTTPError(http.StatusBadRequest, "message payload is empty")
	}
	sendAt, err := time.Parse(time.RFC3339, req.SendAt)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "send_at must be RFC 3339")
	}
	item, err := h.scheduleService.Create(c.Request().Context(), schedule.CreateParams{
		ConversationID: c.Param("id"),
		UserID:         userID,
		ContentKind:    strings.TrimSpace(req.ContentKind),
		Body:           req.Text,
		MediaURL:       req.MediaURL,
		SendAt:         sendAt,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, item)
}

// ListScheduled returns the conversation's pending queue.
func (h *MessagesHandler) ListScheduled(c echo.Context) error {
	if _, err := auth.UserIDFromContext(c); err != nil {
		return err
	}
	items, err := h.scheduleService.List(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// CancelScheduled removes a queued message before it is dispatched.
func (h *MessagesHandler) CancelScheduled(c echo.Context) error {
	if _, err := auth.UserIDFromContext(c); err != nil {
		return err
	}
	if err := h.scheduleService.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "scheduled message not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
