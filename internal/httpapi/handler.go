// Package httpapi exposes the inbound webhook over HTTP.
package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/arganhr/mailroom/internal/pipeline"
)

// maxPayloadBytes bounds one webhook delivery. Inbound gateways cap raw
// email size around 30 MB.
const maxPayloadBytes = 30 << 20

// Processor handles one decoded delivery; the pipeline implements it.
type Processor interface {
	Process(ctx context.Context, raw []byte, contentType string) pipeline.Outcome
}

// WebhookHandler serves the inbound mail webhook.
type WebhookHandler struct {
	proc   Processor
	logger *zap.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(proc Processor, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{proc: proc, logger: logger}
}

// RegisterRoutes mounts all mailroom HTTP routes.
func RegisterRoutes(e *echo.Echo, proc Processor, logger *zap.Logger) {
	h := NewWebhookHandler(proc, logger)
	e.POST("/webhook/inbound", h.Inbound)
	e.GET("/health", h.Health)
}

// Inbound handles POST /webhook/inbound, the multipart/form-data delivery
// from the mail gateway.
func (h *WebhookHandler) Inbound(c echo.Context) error {
	req := c.Request()
	raw, err := io.ReadAll(io.LimitReader(req.Body, maxPayloadBytes))
	if err != nil {
		h.logger.Warn("webhook body read failed", zap.Error(err))
		return c.String(http.StatusBadRequest, "unreadable body")
	}

	out := h.proc.Process(req.Context(), raw, req.Header.Get(echo.HeaderContentType))
	return c.String(out.Status, out.Reason)
}

// GET /health
func (h *WebhookHandler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
