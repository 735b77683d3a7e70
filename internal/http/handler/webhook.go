package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"basegraph.app/syncrelay/internal/service"
	"basegraph.app/syncrelay/internal/webhook"
)

const (
	SignatureHeader = "X-Webhook-Signature"

	maxWebhookBody = 1 << 20
)

// Response bodies are plain text; the tracker shows them in its delivery log.
const (
	respOK                = "OK"
	respMissingSignature  = "Missing signature"
	respInvalidSignature  = "Invalid webhook signature"
	respMalformedJSON     = "Failed to parse webhook payload"
	respInvalidStructure  = "Invalid webhook payload structure"
	respConfigError       = "Server configuration error"
	respProcessingFailure = "Failed to process webhook"
)

type TrackerWebhookHandler struct {
	ingest service.WebhookIngestService
}

func NewTrackerWebhookHandler(ingest service.WebhookIngestService) *TrackerWebhookHandler {
	return &TrackerWebhookHandler{ingest: ingest}
}

func (h *TrackerWebhookHandler) HandleEvent(c *gin.Context) {
	ctx := c.Request.Context()
	orgID := c.Param("org_id")

	signature := c.GetHeader(SignatureHeader)
	if signature == "" {
		slog.WarnContext(ctx, "tracker webhook without signature", "org_id", orgID)
		c.String(http.StatusUnauthorized, respMissingSignature)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		slog.WarnContext(ctx, "failed to read webhook body", "error", err)
		c.String(http.StatusUnauthorized, respInvalidStructure)
		return
	}

	_, err = h.ingest.Ingest(ctx, orgID, body, signature)
	if err == nil {
		c.String(http.StatusOK, respOK)
		return
	}

	status, text := webhookFailure(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "tracker webhook failed", "org_id", orgID, "error", err)
	} else {
		slog.WarnContext(ctx, "tracker webhook refused", "org_id", orgID, "error", err)
	}
	c.String(status, text)
}

func webhookFailure(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrMissingSignature):
		return http.StatusUnauthorized, respMissingSignature
	case errors.Is(err, webhook.ErrInvalidSignature):
		return http.StatusUnauthorized, respInvalidSignature
	case errors.Is(err, webhook.ErrMalformedJSON):
		return http.StatusUnauthorized, respMalformedJSON
	case errors.IsAny(err, webhook.ErrInvalidStructure, service.ErrOrganizationMismatch):
		return http.StatusUnauthorized, respInvalidStructure
	case errors.Is(err, service.ErrSecretUnavailable):
		return http.StatusInternalServerError, respConfigError
	default:
		return http.StatusInternalServerError, respProcessingFailure
	}
}
