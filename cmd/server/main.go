// Guidebot - contextual assistant and guided tour server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/guidebot/internal/agent"
	"github.com/ashureev/guidebot/internal/api"
	"github.com/ashureev/guidebot/internal/config"
	"github.com/ashureev/guidebot/internal/identity"
	"github.com/ashureev/guidebot/internal/knowledge"
	"github.com/ashureev/guidebot/internal/middleware"
	"github.com/ashureev/guidebot/internal/store"
	"github.com/ashureev/guidebot/internal/tour"
	"github.com/ashureev/guidebot/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.Store.Driver)

	// Initialize dependencies.
	repo, err := store.Open(context.Background(), store.Options{
		Driver:     cfg.Store.Driver,
		SQLitePath: cfg.Store.DBPath,
		RedisURL:   cfg.Store.RedisURL,
		SessionTTL: cfg.SessionTTL,
	})
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Store connected")

	kb, err := knowledge.Load(cfg.Knowledge.BasePath)
	if err != nil {
		slog.Error("Failed to load knowledge base", "error", err)
		os.Exit(1)
	}
	catalog, err := knowledge.LoadCatalog(cfg.Knowledge.ToursPath)
	if err != nil {
		slog.Error("Failed to load tour catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("Knowledge loaded", "patterns", len(kb.Matching.Patterns), "tours", len(catalog.Tours))

	// Initialize services.
	engine := agent.NewEngine(kb, catalog, agent.Config{
		ThinkPause:      cfg.Assistant.ThinkPause,
		ThinkJitter:     cfg.Assistant.ThinkJitter,
		TypingSpeed:     cfg.Assistant.TypingSpeed,
		TypingMax:       cfg.Assistant.TypingMax,
		TourLaunchDelay: cfg.Assistant.TourLaunchDelay,
	})

	// Events from every conversation fan out to SSE clients.
	events := make(chan *agent.Event, 256)
	registry := agent.NewRegistry(engine, repo, tour.Config{
		PollInterval: cfg.Tour.PollInterval,
		PollTimeout:  cfg.Tour.PollTimeout,
	}, agent.ChannelSink(events))

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	// Initialize handlers.
	assistantHandler := agent.NewHandler(registry, events, conversationLogger, cfg)
	defer assistantHandler.Close()

	baseHandler := api.NewHandler(repo, cfg)
	healthHandler := api.NewHealthHandler(repo)
	conns := tour.NewConnManager()
	bridgeHandler := tour.NewWebSocketHandler(registry, repo, conns, cfg.Tour.RPCTimeout, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins, identity.SessionHeaderName))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// All routes use identity middleware (no auth needed).
	baseHandler.RegisterRoutes(r)
	assistantHandler.RegisterRoutes(r)

	// Page bridge.
	r.Get("/ws/tour", bridgeHandler.ServeHTTP)

	// Serve embedded host pages (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Evicted tabs also drop their SSE replay queue and page bridge.
	agent.StartTTLWorker(ctx, registry, repo, cfg.SessionTTL, cfg.TTLInterval, func(visitorID, sessionID string) {
		assistantHandler.ForgetSession(visitorID, sessionID)
		conns.CloseSession(visitorID, sessionID)
	})

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
