package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"basegraph.app/syncrelay/common/id"
	"basegraph.app/syncrelay/common/logger"
	"basegraph.app/syncrelay/common/otel"
	"basegraph.app/syncrelay/core/config"
	"basegraph.app/syncrelay/internal/bootstrap"
	"basegraph.app/syncrelay/internal/chat"
	"basegraph.app/syncrelay/internal/http/middleware"
	httprouter "basegraph.app/syncrelay/internal/http/router"
	"basegraph.app/syncrelay/internal/queue"
	"basegraph.app/syncrelay/internal/service"
	"basegraph.app/syncrelay/internal/tenant"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "syncrelay server starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	storage, err := bootstrap.OpenStorage(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer storage.Close()
	slog.InfoContext(ctx, "database connected", "backend", storage.Backend)

	queues, err := bootstrap.OpenQueues(ctx, cfg.Queue)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to queue broker", "error", err, "driver", cfg.Queue.Driver)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "queue broker connected", "driver", cfg.Queue.Driver)

	// The pool owns the broker connection from here on.
	pool := queue.NewSenderPool(queues.Broker)

	box, err := tenant.NewSecretBox(cfg.Security.AppKey)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize secret box", "error", err)
		os.Exit(1)
	}

	if !cfg.Chat.Enabled() {
		slog.WarnContext(ctx, "chat credentials not configured, replies to chat users will fail")
	}

	services := service.NewServices(service.ServicesConfig{
		Stores:    storage.Stores,
		Tenants:   tenant.NewResolver(storage.Stores.Tenants(), box, cfg.Cache),
		Publisher: queue.NewPublisher(pool),
		Notifier:  chat.NewNotifier(cfg.Chat),
		Queues:    cfg.Queue,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, services)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	// After the server drains so in-flight webhooks can still publish.
	if err := pool.Close(); err != nil {
		slog.ErrorContext(shutdownCtx, "sender pool shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, services *service.Services) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router, services, httprouter.RouterConfig{
		ChatInboundToken: cfg.Security.ChatInboundToken,
	})

	return router
}

const banner = `
 ___ _   _ _ __   ___ _ __ ___| | __ _ _   _
/ __| | | | '_ \ / __| '__/ _ \ |/ _' | | | |
\__ \ |_| | | | | (__| | |  __/ | (_| | |_| |
|___/\__, |_| |_|\___|_|  \___|_|\__,_|\__, |
     |___/                             |___/   server
`
