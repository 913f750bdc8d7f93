package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/replyhub/replyhub/internal/channel"
	"github.com/replyhub/replyhub/internal/channel/signature"
)

// Signature headers by channel kind. Platforms that sign with a bare digest
// use Authorization.
var signatureHeaders = map[channel.Kind]string{
	channel.KindMessenger: "X-Hub-Signature-256",
	channel.KindInstagram: "X-Hub-Signature-256",
	channel.KindTikTok:    "Authorization",
}

// WebhooksHandler receives push deliveries for webhook-driven channels.
// These routes skip JWT; the adapters verify platform signatures instead.
type WebhooksHandler struct {
	registry *channel.Registry
	logger   *slog.Logger
}

func NewWebhooksHandler(log *slog.Logger, registry *channel.Registry) *WebhooksHandler {
	return &WebhooksHandler{
		registry: registry,
		logger:   log.With(slog.String("handler", "webhooks")),
	}
}

// Register mounts the webhook routes on the Echo instance.
func (h *WebhooksHandler) Register(e *echo.Echo) {
	e.GET("/webhooks/:kind/:account", h.Challenge)
	e.POST("/webhooks/:kind/:account", h.Deliver)
}

// Challenge answers the platform's subscription probe.
func (h *WebhooksHandler) Challenge(c echo.Context) error {
	adapter, accountID, err := h.resolve(c)
	if err != nil {
		return err
	}
	response, err := adapter.VerifyChallenge(accountID, c.QueryParams())
	if err != nil {
		h.logger.Warn("webhook challenge rejected",
			slog.String("account_id", accountID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusForbidden, "challenge rejected")
	}
	return c.String(http.StatusOK, response)
}

// Deliver accepts one push. The response is 200 regardless of processing
// outcome; a non-2xx would make the platform retry and eventually disable
// the subscription, and our dedup makes redelivery safe anyway.
func (h *WebhooksHandler) Deliver(c echo.Context) error {
	adapter, accountID, err := h.resolve(c)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 2<<20))
	if err != nil {
		h.logger.Warn("read webhook body failed",
			slog.String("account_id", accountID), slog.Any("error", err))
		return c.NoContent(http.StatusOK)
	}
	sig := c.Request().Header.Get(signatureHeaders[channel.Kind(c.Param("kind"))])

	if err := adapter.HandleWebhook(c.Request().Context(), accountID, sig, body); err != nil {
		reason := "processing_failed"
		if errors.Is(err, signature.ErrInvalidSignature) || errors.Is(err, signature.ErrMissingSignature) {
			reason = "signature_invalid"
		}
		h.logger.Warn("webhook delivery not processed",
			slog.String("account_id", accountID),
			slog.String("reason", reason),
			slog.Any("error", err))
	}
	return c.NoContent(http.StatusOK)
}

func (h *WebhooksHandler) resolve(c echo.Context) (channel.WebhookAdapter, string, error) {
	kind, err := h.registry.ParseKind(c.Param("kind"))
	if err != nil {
		return nil, "", echo.NewHTTPError(http.StatusNotFound, "unknown channel")
	}
	adapter, ok := h.registry.WebhookAdapter(kind)
	if !ok {
		return nil, "", echo.NewHTTPError(http.StatusNotFound, "channel does not accept webhooks")
	}
	return adapter, c.Param("account"), nil
}
