package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guild-ranksync/internal/config"
	"github.com/guild-ranksync/internal/domain"
	"github.com/guild-ranksync/internal/guild"
	"github.com/guild-ranksync/internal/handler"
	"github.com/guild-ranksync/internal/identity"
	"github.com/guild-ranksync/internal/kafka"
	"github.com/guild-ranksync/internal/orchestrator"
	"github.com/guild-ranksync/internal/redis"
	"github.com/guild-ranksync/internal/service"
	"github.com/guild-ranksync/internal/tracker"
	"github.com/guild-ranksync/internal/websocket"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	store, err := identity.NewStore(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := store.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize Redis username cache
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	names, err := redis.NewNameCache(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer names.Close()
	logger.Info("connected to Redis")

	// Initialize rank provider client
	budget := tracker.NewBudget()
	trackerClient := tracker.NewClient(&cfg.Tracker, budget, logger)

	// Initialize guild role applier
	guildClient := guild.NewClient(&cfg.Guild, logger)

	// Role catalog with configured sentinel role names
	catalog := domain.NewRoleCatalog(cfg.Roles.UnrankedName, cfg.Roles.UnlinkedName)

	// Initialize WebSocket audit-feed hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("audit feed hub initialized")

	notifiers := []orchestrator.Notifier{wsHub}

	// Initialize Kafka audit notifier
	var auditNotifier *kafka.Notifier
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka audit notifier",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		auditNotifier, err = kafka.NewNotifier(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka notifier, continuing without Kafka", "error", err)
		} else {
			notifiers = append(notifiers, auditNotifier)
			logger.Info("Kafka audit notifier started")
		}
	}

	// Shared per-account lock table
	locks := orchestrator.NewKeyMutex()

	// Initialize update orchestrator
	engine := orchestrator.NewEngine(
		store,
		trackerClient,
		guildClient,
		catalog,
		budget,
		locks,
		&cfg.Sync,
		logger,
		notifiers...,
	)

	// Initialize link lifecycle service
	links := service.NewLinkService(
		store,
		trackerClient,
		engine,
		guildClient,
		catalog,
		names,
		locks,
		cfg.Sync.DemoteOnNoData,
		logger,
		notifiers...,
	)

	// Start scheduled updates
	scheduler := orchestrator.NewScheduler(engine, &cfg.Sync, logger)
	if cfg.Sync.Enabled {
		if err := scheduler.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			os.Exit(1)
		}
	}

	// Initialize HTTP handler with WebSocket hub
	httpHandler := handler.NewHandler(links, store, engine, wsHub, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket audit feed available at /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop scheduled updates
	if cfg.Sync.Enabled {
		if err := scheduler.Stop(); err != nil {
			logger.Error("failed to stop scheduler", "error", err)
		}
	}

	// Stop WebSocket hub
	wsHub.Stop()

	// Flush and close the Kafka notifier
	if auditNotifier != nil {
		if err := auditNotifier.Close(); err != nil {
			logger.Error("failed to close Kafka notifier", "error", err)
		}
	}

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
