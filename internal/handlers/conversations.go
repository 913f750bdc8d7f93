package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/replyhub/replyhub/internal/accounts"
	"github.com/replyhub/replyhub/internal/auth"
	"github.com/replyhub/replyhub/internal/inbox"
)

// ConversationsHandler serves conversation listing, message history and
// read acknowledgement.
type ConversationsHandler struct {
	accountService *accounts.Service
	inboxService   *inbox.Service
	logger         *slog.Logger
}

func NewConversationsHandler(log *slog.Logger, accountService *accounts.Service, inboxService *inbox.Service) *ConversationsHandler {
	return &ConversationsHandler{
		accountService: accountService,
		inboxService:   inboxService,
		logger:         log.With(slog.String("handler", "conversations")),
	}
}

// Register mounts the conversation routes on the Echo instance.
func (h *ConversationsHandler) Register(e *echo.Echo) {
	e.GET("/api/accounts/:id/conversations", h.List)
	e.GET("/api/conversations/:id/messages", h.Messages)
	e.POST("/api/conversations/:id/read", h.MarkRead)
}

// List returns the account's conversations ordered by recent activity.
func (h *ConversationsHandler) List(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	accountID := c.Param("id")
	ctx := c.Request().Context()
	if _, err := h.accountService.Role(ctx, accountID, userID); err != nil {
		if errors.Is(err, accounts.ErrForbidden) {
			return echo.NewHTTPError(http.StatusForbidden, "account access denied")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	items, err := h.inboxService.ListConversations(ctx, accountID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// Messages returns a conversation's history, oldest first.
func (h *ConversationsHandler) Messages(c echo.Context) error {
	conv, err := h.authorizeConversation(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	items, err := h.inboxService.ListMessages(c.Request().Context(), conv.ID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// MarkRead clears the conversation's unread counter.
func (h *ConversationsHandler) MarkRead(c echo.Context) error {
	conv, err := h.authorizeConversation(c)
	if err != nil {
		return err
	}
	if err := h.inboxService.ResetUnread(c.Request().Context(), conv.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ConversationsHandler) authorizeConversation(c echo.Context) (inbox.Conversation, error) {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return inbox.Conversation{}, err
	}
	ctx := c.Request().Context()
	conv, err := h.inboxService.GetConversation(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, inbox.ErrConversationNotFound) {
			return inbox.Conversation{}, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return inbox.Conversation{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if _, err := h.accountService.Role(ctx, conv.AccountID, userID); err != nil {
		if errors.Is(err, accounts.ErrForbidden) {
			return inbox.Conversation{}, echo.NewHTTPError(http.StatusForbidden, "account access denied")
		}
		return inbox.Conversation{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return conv, nil
}
