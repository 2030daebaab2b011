// Package main is the entry point for the anima daemon.
// A single binary runs the session broker, emotion engine, swarm
// orchestrator and consolidation scheduler with shared infrastructure.
// The server exposes WebSocket and HTTP endpoints.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	// Common packages
	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/httpmw"
	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/events"

	// WebSocket gateway
	gateways "github.com/animadev/anima/internal/gateway/websocket"

	// Daemon components
	"github.com/animadev/anima/internal/broker"
	"github.com/animadev/anima/internal/consolidation"
	"github.com/animadev/anima/internal/emotion"
	"github.com/animadev/anima/internal/httpapi"
	"github.com/animadev/anima/internal/llm"
	"github.com/animadev/anima/internal/notifications"
	"github.com/animadev/anima/internal/sandbox"
	"github.com/animadev/anima/internal/sandbox/docker"
	"github.com/animadev/anima/internal/session"
	"github.com/animadev/anima/internal/swarm"
	"github.com/animadev/anima/internal/tracing"
	"github.com/animadev/anima/internal/workqueue"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting anima daemon...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 5. Initialize Docker client
	var dockerClient *docker.Client
	if cfg.Docker.Enabled {
		dockerClient, err = docker.NewClient(cfg.Docker, log)
		if err != nil {
			log.Warn("Failed to initialize Docker client - sandboxed sessions will be disabled", zap.Error(err))
			dockerClient = nil
		} else {
			defer dockerClient.Close()
			if err := dockerClient.Ping(ctx); err != nil {
				log.Warn("Docker daemon not available - sandboxed sessions will be disabled", zap.Error(err))
				dockerClient = nil
			} else {
				log.Info("Connected to Docker daemon")
			}
		}
	} else {
		log.Info("Docker disabled by configuration - sessions run in direct mode only")
	}

	// ============================================
	// STORAGE
	// ============================================
	repo, storeCleanup, err := provideStore(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer storeCleanup()

	// ============================================
	// EMOTION ENGINE
	// ============================================
	llmClient := llm.New(cfg.LLM, log)
	if !llmClient.Available() {
		log.Warn("No Anthropic API key found - appraisal and summarization fall back to heuristics")
	}

	emotions, err := emotion.NewRegistry(cfg.Emotion, repo, llmClient, log)
	if err != nil {
		log.Fatal("Failed to initialize emotion registry", zap.Error(err))
	}
	emotions.Start(ctx)
	log.Info("Emotion engine initialized")

	// ============================================
	// SESSION BROKER
	// ============================================
	sandboxes := sandbox.NewManager(cfg.Sandbox, repo, dockerClient, log)
	sandboxes.Start(ctx)

	runner := session.NewRunner(repo, sandboxes, emotions, eventBus, session.NewStateContext(emotions), cfg, log)
	logs := broker.NewLogRegistry(cfg.Agent.EventLogLimit)
	sessionBroker := broker.NewBroker(repo, sandboxes, broker.RunnerTurns{Runner: runner}, logs, cfg, log)
	log.Info("Session broker initialized", zap.String("agent_binary", cfg.Agent.Binary))

	// ============================================
	// WEBSOCKET GATEWAY
	// ============================================
	gateway := gateways.NewGateway(sessionBroker, log)
	go gateway.Hub.Run(ctx)
	gateways.RegisterNotificationBroadcaster(ctx, eventBus, gateway.Hub, log)

	// ============================================
	// WORK QUEUE & SWARMS
	// ============================================
	workSvc := workqueue.NewService(repo, eventBus, log)
	swarmSvc := swarm.NewService(repo, swarm.RunnerTurns{Runner: runner}, workSvc, llmClient, eventBus, cfg, log)
	notifySvc := notifications.NewService(repo, eventBus, gateway.Hub, log)
	log.Info("Swarm orchestrator initialized", zap.Int("max_concurrent_agents", cfg.Swarm.MaxConcurrentAgents))

	// ============================================
	// CONSOLIDATION
	// ============================================
	consolidator := consolidation.NewWorker(repo, llmClient, cfg.Consolidation, log)
	scheduler := consolidation.NewScheduler(repo, consolidator, eventBus, cfg.Consolidation, log)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start consolidation scheduler", zap.Error(err))
	}
	log.Info("Consolidation scheduler started", zap.String("schedule", cfg.Consolidation.Schedule))

	// ============================================
	// HTTP SERVER (WebSocket + HTTP endpoints)
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.Server.AllowedOrigins))
	router.Use(httpmw.RequestLogger(log, "animad"))
	router.Use(httpmw.OtelTracing("animad"))

	// WebSocket endpoint - primary realtime transport
	gateway.SetupRoutes(router)

	// REST surface
	httpapi.RegisterSessionRoutes(router, repo, log)
	httpapi.RegisterSwarmRoutes(router, swarmSvc, repo, log)
	httpapi.RegisterWorkQueueRoutes(router, workSvc, log)
	httpapi.RegisterEmotionRoutes(router, emotions, repo, log)
	httpapi.RegisterConsolidationRoutes(router, scheduler, log)
	httpapi.RegisterNotificationRoutes(router, notifySvc, log)
	httpapi.RegisterFindingRoutes(router, repo, log)

	// Health check (simple HTTP for load balancers/monitoring)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"service":   "animad",
			"mode":      "websocket+http",
			"event_bus": eventBus.IsConnected(),
		})
	})

	// Create HTTP server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// Start server
	go func() {
		log.Info("Daemon listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
		zap.String("http", "/api/v1"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down anima daemon...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := scheduler.Stop(); err != nil {
		log.Error("Consolidation scheduler stop error", zap.Error(err))
	}

	swarmSvc.Close(shutdownCtx)

	// Flush buffered stimuli before the final emotion decay tick stops.
	emotions.FlushAll(shutdownCtx)
	emotions.Stop()

	sandboxes.Stop()
	sandboxes.Shutdown(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("anima daemon stopped")
}
