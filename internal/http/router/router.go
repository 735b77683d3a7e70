package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"basegraph.app/syncrelay/internal/http/handler"
	"basegraph.app/syncrelay/internal/http/middleware"
	"basegraph.app/syncrelay/internal/service"
)

type RouterConfig struct {
	// ChatInboundToken, when set, must accompany every chat activity.
	ChatInboundToken string
}

func SetupRoutes(router *gin.Engine, services *service.Services, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	webhookHandler := handler.NewTrackerWebhookHandler(services.WebhookIngest())
	WebhookRouter(router.Group("/webhooks"), webhookHandler)

	chatHandler := handler.NewChatHandler(services.Chat())
	ChatRouter(router.Group("/api/chat", middleware.RequireBearer(cfg.ChatInboundToken)), chatHandler)

	v1 := router.Group("/api/v1")
	{
		SchemaRouter(v1.Group("/schemas"), handler.NewSchemaHandler())
	}
}

func WebhookRouter(rg *gin.RouterGroup, h *handler.TrackerWebhookHandler) {
	rg.POST("/tracker/:org_id", h.HandleEvent)
}

func ChatRouter(rg *gin.RouterGroup, h *handler.ChatHandler) {
	rg.POST("/messages", h.HandleActivity)
}

func SchemaRouter(rg *gin.RouterGroup, h *handler.SchemaHandler) {
	rg.GET("/queue", h.Queue)
}
