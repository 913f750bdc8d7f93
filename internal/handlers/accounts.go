package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/replyhub/replyhub/internal/accounts"
	"github.com/replyhub/replyhub/internal/auth"
	"github.com/replyhub/replyhub/internal/channel"
)

// AccountsHandler serves channel account lifecycle: link, list, reconnect,
// disconnect, remove.
type AccountsHandler struct {
	accountService *accounts.Service
	manager        *channel.Manager
	registry       *channel.Registry
	logger         *slog.Logger
}

func NewAccountsHandler(log *slog.Logger, accountService *accounts.Service, manager *channel.Manager, registry *channel.Registry) *AccountsHandler {
	return &AccountsHandler{
		accountService: accountService,
		manager:        manager,
		registry:       registry,
		logger:         log.With(slog.String("handler", "accounts")),
	}
}

// Register mounts the account routes on the Echo instance.
func (h *AccountsHandler) Register(e *echo.Echo) {
	e.GET("/api/accounts", h.List)
	e.POST("/api/accounts", h.Link)
	e.POST("/api/accounts/:id/connect", h.Connect)
	e.POST("/api/accounts/:id/disconnect", h.Disconnect)
	e.POST("/api/accounts/:id/reconnect", h.Connect)
	e.DELETE("/api/accounts/:id", h.Remove)
}

// LinkAccountRequest is the body for POST /api/accounts.
type LinkAccountRequest struct {
	Kind        string         `json:"kind"`
	ExternalID  string         `json:"external_id"`
	DisplayName string         `json:"display_name"`
	Credentials map[string]any `json:"credentials"`
}

// List returns the accounts visible to the caller.
func (h *AccountsHandler) List(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	items, err := h.accountService.ListForUser(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// Link creates a channel account and connects it.
func (h *AccountsHandler) Link(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	var req LinkAccountRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	kind, err := h.registry.ParseKind(req.Kind)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Credentials) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "credentials are required")
	}

	ctx := c.Request().Context()
	view, err := h.accountService.Create(ctx, accounts.CreateParams{
		UserID:      userID,
		Kind:        kind,
		ExternalID:  strings.TrimSpace(req.ExternalID),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Credentials: req.Credentials,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// Connect failures leave the account in the error state; the caller can
	// fix credentials and reconnect without re-linking.
	if err := h.manager.Connect(ctx, view.ID); err != nil {
		h.logger.Warn("connect after link failed",
			slog.String("account_id", view.ID), slog.Any("error", err))
	}
	view, err = h.accountService.GetView(ctx, view.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, view)
}

// Connect (re)establishes the account's session.
func (h *AccountsHandler) Connect(c echo.Context) error {
	accountID, err := h.authorizeManage(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.manager.Connect(ctx, accountID); err != nil {
		if errors.Is(err, channel.ErrAccountNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "account not found")
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	view, err := h.accountService.GetView(ctx, accountID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, view)
}

// Disconnect tears the account's session down without removing it.
func (h *AccountsHandler) Disconnect(c echo.Context) error {
	accountID, err := h.authorizeManage(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.manager.Disconnect(ctx, accountID); err != nil {
		if errors.Is(err, channel.ErrAccountNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "account not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	view, err := h.accountService.GetView(ctx, accountID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, view)
}

// Remove disconnects and deletes the account with all its data.
func (h *AccountsHandler) Remove(c echo.Context) error {
	accountID, err := h.authorizeManage(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.manager.Disconnect(ctx, accountID); err != nil && !errors.Is(err, channel.ErrAccountNotFound) {
		h.logger.Warn("disconnect before remove failed",
			slog.String("account_id", accountID), slog.Any("error", err))
	}
	if err := h.accountService.Delete(ctx, accountID); err != nil {
		if errors.Is(err, channel.ErrAccountNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "account not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AccountsHandler) authorizeManage(c echo.Context) (string, error) {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return "", err
	}
	accountID := c.Param("id")
	if err := h.accountService.CanManage(c.Request().Context(), accountID, userID); err != nil {
		if errors.Is(err, accounts.ErrForbidden) {
			return "", echo.NewHTTPError(http.StatusForbidden, "account access denied")
		}
		return "", echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return accountID, nil
}
