package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/replyhub/replyhub/internal/accounts"
	"github.com/replyhub/replyhub/internal/auth"
	"github.com/replyhub/replyhub/internal/event"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
	eventBuffer       = 64
)

// EventsHandler streams account events (new messages, status changes,
// delivery outcomes) to clients over a websocket.
type EventsHandler struct {
	hub            *event.Hub
	accountService *accounts.Service
	upgrader       websocket.Upgrader
	logger         *slog.Logger
}

func NewEventsHandler(log *slog.Logger, hub *event.Hub, accountService *accounts.Service) *EventsHandler {
	return &EventsHandler{
		hub:            hub,
		accountService: accountService,
		upgrader:       websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		logger:         log.With(slog.String("handler", "events")),
	}
}

// Register mounts the event stream route on the Echo instance.
func (h *EventsHandler) Register(e *echo.Echo) {
	e.GET("/api/accounts/:id/events", h.Stream)
}

// Stream upgrades to a websocket and forwards hub events for the account
// until the client disconnects.
func (h *EventsHandler) Stream(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	accountID := c.Param("id")
	if _, err := h.accountService.Role(c.Request().Context(), accountID, userID); err != nil {
		if errors.Is(err, accounts.ErrForbidden) {
			return echo.NewHTTPError(http.StatusForbidden, "account access denied")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	streamID, events, cancel := h.hub.Subscribe(accountID, eventBuffer)
	defer cancel()
	h.logger.Debug("event stream opened",
		slog.String("account_id", accountID), slog.String("stream_id", streamID))

	// Reads are only consumed to notice the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("event stream write failed",
					slog.String("account_id", accountID), slog.Any("error", err))
				return nil
			}
		}
	}
}
