package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/collabkit/backend/api/handlers"
	"github.com/collabkit/backend/internal/broadcast"
	"github.com/collabkit/backend/internal/config"
	"github.com/collabkit/backend/internal/db"
	"github.com/collabkit/backend/internal/docsync"
	"github.com/collabkit/backend/internal/presence"
	"github.com/collabkit/backend/internal/registry"
	"github.com/collabkit/backend/internal/repository"
	"github.com/collabkit/backend/internal/session"
	"github.com/collabkit/backend/internal/ws"
	"github.com/collabkit/backend/pkg/engine"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	demo := flag.Bool("demo", false, "stream a scripted execution instead of calling a real engine")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.DB.Path), 0755); err != nil {
		logger.Fatal("create database directory", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.Journal.Dir, 0755); err != nil {
		logger.Fatal("create journal directory", zap.Error(err))
	}

	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer database.Close()

	entityRepo := repository.NewEntityRepository(database)
	docRepo := repository.NewDocumentRepository(database)
	stateRepo := repository.NewCRDTStateRepository(database)

	reg := registry.New(logger.Named("registry"))
	bc := broadcast.New(reg, logger.Named("broadcast"))
	tracker := presence.NewTracker(reg, bc, cfg.Presence.Grace, logger.Named("presence"))
	defer tracker.Stop()

	var eng engine.Engine = engine.NewNoopEngine()
	if *demo {
		eng = demoEngine()
	}

	manager := session.NewManager(bc, entityRepo, eng, session.Config{
		QueueCap:   cfg.Session.QueueCap,
		Retention:  cfg.Session.Retention,
		JournalDir: cfg.Journal.Dir,
	}, logger.Named("session"))
	defer manager.Close()

	bridge := docsync.NewBridge(docRepo, stateRepo, logger.Named("docsync"))

	if len(cfg.Server.AllowedOrigins) > 0 {
		ws.SetCheckOrigin(originChecker(cfg.Server.AllowedOrigins))
	}
	wsService := ws.NewService(reg, tracker, bc, manager, bridge, logger.Named("ws"))

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	if cfg.Session.Retention > 0 {
		manager.StartSweeper(sweepCtx, cfg.Session.Retention/2)
	}

	wsHandler := handlers.NewWebSocketHandler(wsService, logger.Named("api"))
	notifyHandler := handlers.NewNotifyHandler(wsService)

	r := gin.Default()
	r.Use(corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":      "ok",
			"connections": reg.Len(),
		})
	})

	api := r.Group("/api")
	{
		wsHandler.RegisterRoutes(api)
		notifyHandler.RegisterRoutes(api)
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")

		stopSweep()
		manager.Close()
		tracker.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("addr", cfg.Server.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// originChecker allows WebSocket upgrades only from the configured origins.
// Requests without an Origin header (non-browser clients) are allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if origin == a {
				return true
			}
		}
		return false
	}
}

// demoEngine replays a short scripted execution, for trying the stream out
// without a real engine behind the server.
func demoEngine() engine.Engine {
	scripted := engine.NewScriptedEngine([]engine.Event{
		{Kind: engine.EventTextChunk, Text: "Reading the request...\n"},
		{Kind: engine.EventToolUseStart, ToolName: "search", ToolID: "demo-tool"},
		{Kind: engine.EventToolUseEnd, ToolID: "demo-tool"},
		{Kind: engine.EventTextChunk, Text: "Here is what I found.\n"},
		{Kind: engine.EventTaskComplete, TaskID: "demo-task"},
		{Kind: engine.EventTokenUsage, InputTokens: 120, OutputTokens: 48},
	})
	scripted.StepDelay = 300 * time.Millisecond
	return scripted
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
