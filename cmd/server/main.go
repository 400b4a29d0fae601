package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/dialogwise/chatcore/internal/chat"
	"github.com/dialogwise/chatcore/internal/config"
	"github.com/dialogwise/chatcore/internal/conversation"
	"github.com/dialogwise/chatcore/internal/eventlog"
	"github.com/dialogwise/chatcore/internal/integrations"
	"github.com/dialogwise/chatcore/internal/logger"
	"github.com/dialogwise/chatcore/internal/maintenance"
	"github.com/dialogwise/chatcore/internal/metrics"
	"github.com/dialogwise/chatcore/internal/session"
	"github.com/dialogwise/chatcore/internal/settings"
	"github.com/dialogwise/chatcore/internal/storage/pg"
	"github.com/dialogwise/chatcore/internal/upstream"
)

func main() {
	config.LoadConfig()

	startupLog := log.NewWithOptions(os.Stdout, log.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		Level:           log.DebugLevel,
		TimeFormat:      time.Kitchen,
	})

	startupLog.Info("Setting Gin mode", "mode", config.AppConfig.GinMode)
	gin.SetMode(config.AppConfig.GinMode)

	db, err := pg.InitDatabase(config.AppConfig.DatabaseURL)
	if err != nil {
		startupLog.Fatal("Failed to initialize database", "error", err)
	}

	appLogger := logger.New(logger.FromConfig(config.AppConfig.LogLevel, config.AppConfig.LogFormat))

	// Stores.
	settingsStore := settings.NewStore(db.DB, appLogger)
	registry := session.NewRegistry(db.DB, appLogger)
	eventStore := eventlog.NewStore(db.DB, appLogger)
	conversationStore := conversation.NewStore(db.DB, appLogger)

	integrationTimeout := time.Duration(config.AppConfig.IntegrationTimeoutSeconds) * time.Second
	integrationClient := integrations.NewClient(integrationTimeout, config.AppConfig.IntegrationMaxRetries, appLogger)
	freshdesk := integrations.NewFreshdeskClient(integrationClient, config.AppConfig.FreshdeskDomain, config.AppConfig.FreshdeskAPIKey)
	orders := integrations.NewOrderLookup(integrationClient, config.AppConfig.OrderLookupURL)
	images := integrations.NewImageToText(integrationClient)

	classifier := conversation.NewClassifier(integrationTimeout, appLogger)

	persistence := conversation.NewService(
		registry, settingsStore, conversationStore, classifier,
		config.AppConfig.PersistenceWorkerPoolSize,
		config.AppConfig.PersistenceBufferSize,
		time.Duration(config.AppConfig.PersistenceTimeoutSeconds)*time.Second,
		appLogger,
	)
	persistence.SetTicketer(freshdesk)

	// Completed streams hand off to the persistence workers.
	onEnd := func(ctx context.Context, res upstream.Result) {
		_ = persistence.Enqueue(ctx, conversation.Completion{
			ConversationSessionID: res.ConversationSessionID,
			StreamingSessionID:    res.StreamingSessionID,
			FinalText:             res.FinalText,
			FinalTextWithMarkers:  res.FinalTextWithMarkers,
			Markers:               res.Markers,
			ContextChunks:         res.ContextChunks,
		})
	}

	streamer := upstream.NewClient(
		eventStore, registry,
		config.AppConfig.UpstreamAPIToken,
		config.AppConfig.UpstreamConnectTimeout,
		config.AppConfig.UpstreamRetryDelay,
		onEnd, appLogger,
	)

	chatService := chat.NewService(db.DB, settingsStore, registry, eventStore, streamer, orders, images, appLogger)
	chatHandler := chat.NewHandler(chatService, appLogger)

	m, promRegistry := metrics.New(persistence)
	streamer.SetMetrics(m)
	chatService.SetMetrics(m)

	purger := maintenance.NewPurger(
		eventStore, registry,
		config.AppConfig.EventRetention,
		config.AppConfig.SessionRetention,
		config.AppConfig.PurgeSchedule,
		appLogger,
	)
	if err := purger.Start(); err != nil {
		startupLog.Fatal("Failed to start purge job", "error", err)
	}

	router := gin.Default()
	router.Use(corsMiddleware(config.AppConfig.CORSAllowedOrigins))

	chatHandler.RegisterRoutes(router)
	router.GET("/metrics", metrics.Handler(promRegistry))

	port := ":" + config.AppConfig.Port

	startupLog.Info("🔁  conversation core listening on " + port)
	if freshdesk.Enabled() {
		startupLog.Info("✅  freshdesk ticketing enabled", "domain", config.AppConfig.FreshdeskDomain)
	}
	if orders.Enabled() {
		startupLog.Info("✅  order lookup enabled")
	}

	srv := &http.Server{
		Addr:    port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupLog.Fatal("Failed to start server", "error", err)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	startupLog.Info("🛑 Shutting down server...")

	purger.Stop()

	// Drain queued completions before closing the pool.
	persistence.Shutdown()
	startupLog.Info("✅ Persistence service shutdown complete")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.AppConfig.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		startupLog.Fatal("Server forced to shutdown", "error", err)
	}

	startupLog.Info("✅ Server exited")
}

// corsMiddleware allows the configured origins. "*" allows any origin;
// otherwise the list is comma-separated exact matches.
func corsMiddleware(allowed string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowed == "*" {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" && strings.Contains(","+allowed+",", ","+origin+",") {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
