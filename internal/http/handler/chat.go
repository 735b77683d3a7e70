package handler

import (
	"log/slog"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"basegraph.app/syncrelay/internal/chat"
	"basegraph.app/syncrelay/internal/service"
)

type ChatHandler struct {
	chat service.ChatService
}

func NewChatHandler(chat service.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

// HandleActivity is the bot messaging endpoint. Answers go out through the connector,
// so a successful call returns an empty 200.
func (h *ChatHandler) HandleActivity(c *gin.Context) {
	ctx := c.Request.Context()

	var activity chat.Activity
	if err := c.ShouldBindJSON(&activity); err != nil {
		slog.WarnContext(ctx, "invalid chat activity", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid activity"})
		return
	}

	outcome, err := h.chat.HandleActivity(ctx, activity)
	if err != nil {
		if errors.Is(err, service.ErrUnknownTenant) {
			slog.WarnContext(ctx, "activity from unknown tenant", "error", err)
			c.JSON(http.StatusForbidden, gin.H{"error": "tenant not provisioned"})
			return
		}
		slog.ErrorContext(ctx, "failed to handle chat activity", "error", err, "activity_id", activity.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to handle activity"})
		return
	}

	slog.DebugContext(ctx, "chat activity handled", "activity_id", activity.ID, "outcome", outcome)
	c.Status(http.StatusOK)
}
