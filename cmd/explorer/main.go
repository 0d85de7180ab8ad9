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

	"github.com/saaga0h/mqtt-explorer/internal/api"
	"github.com/saaga0h/mqtt-explorer/internal/insight"
	"github.com/saaga0h/mqtt-explorer/internal/live"
	"github.com/saaga0h/mqtt-explorer/internal/session"
	"github.com/saaga0h/mqtt-explorer/internal/settings"
	"github.com/saaga0h/mqtt-explorer/internal/store"
	"github.com/saaga0h/mqtt-explorer/pkg/config"
	"github.com/saaga0h/mqtt-explorer/pkg/llm"
	"github.com/saaga0h/mqtt-explorer/pkg/postgres"
	"github.com/saaga0h/mqtt-explorer/pkg/redis"
)

func main() {
	// Load configuration with hierarchy: defaults → env → flags
	cfg := config.NewConfig()
	cfg.LoadFromEnv()
	cfg.LoadFromFlags()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting MQTT explorer",
		"service_name", cfg.ServiceName,
		"bridge_url", cfg.BridgeURL,
		"store", cfg.StoreBackend,
		"settings", cfg.SettingsBackend,
		"api_port", cfg.APIPort,
		"log_level", cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var redisClient redis.Client
	if cfg.StoreBackend == "redis" || cfg.SettingsBackend == "redis" {
		redisClient = redis.NewClient(cfg, logger)
		if err := redisClient.Ping(ctx); err != nil {
			logger.Error("Failed to connect to Redis", "addr", cfg.RedisAddress(), "error", err)
			os.Exit(1)
		}
	}

	messages, err := openStore(ctx, cfg, redisClient, logger)
	if err != nil {
		logger.Error("Failed to open message store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}

	settingsStore, err := settings.New(cfg, redisClient, logger)
	if err != nil {
		logger.Error("Failed to open settings store", "error", err)
		os.Exit(1)
	}
	saved, err := settingsStore.Load(ctx)
	if err != nil {
		logger.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}

	reach, err := session.NewBridgeReachability(cfg.BridgeURL, 2*time.Second)
	if err != nil {
		logger.Error("Invalid bridge URL", "error", err)
		os.Exit(1)
	}

	client, err := session.New(session.ConfigFrom(cfg), session.Deps{
		Dialer:       session.WebSocketDialer{HandshakeTimeout: 10 * time.Second},
		Connectivity: reach,
		Store:        messages,
		Buffer:       live.NewBuffer(cfg.LiveBufferSize),
	}, logger)
	if err != nil {
		logger.Error("Failed to create session client", "error", err)
		os.Exit(1)
	}

	var insights *insight.Service
	if cfg.LLMEndpoint != "" {
		insights = insight.NewService(llm.NewOllamaClient(cfg.LLMEndpoint, 0, logger), cfg.LLMModel, logger)
	}

	if active, ok := saved.Active(); ok {
		logger.Info("Connecting with saved profile", "profile", active.Name, "broker", active.Options.BrokerURL)
		if err := client.Connect(ctx, active.Options); err != nil {
			logger.Warn("Saved profile did not connect", "profile", active.Name, "error", err)
		}
	}

	srv := api.NewServer(cfg.ServiceName, api.Deps{
		Session:  client,
		Store:    messages,
		Settings: settingsStore,
		Insights: insights,
	}, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Explorer API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received (SIGTERM/SIGINT)")
	case err := <-serverErr:
		logger.Error("Explorer API failed", "error", err)
	}

	logger.Info("Initiating graceful shutdown")
	cancel()

	// closes event streams so their handlers return before Shutdown waits
	if err := client.Close(); err != nil {
		logger.Error("Error closing session client", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", "error", err)
	}
	if err := messages.Close(); err != nil {
		logger.Error("Error closing message store", "error", err)
	}

	logger.Info("Explorer shutdown complete")
}

// openStore builds the configured message store, migrating its schema
func openStore(ctx context.Context, cfg *config.Config, redisClient redis.Client, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case "redis":
		return store.NewRedisStore(ctx, redisClient, cfg.RedisPrefix, cfg.AllowStoreReset, logger)
	case "postgres":
		pg := postgres.NewClient(cfg, logger)
		if err := pg.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return store.NewPostgresStore(ctx, pg, cfg.AllowStoreReset, logger)
	default:
		logger.Warn("Using in-memory message store; messages are lost on exit")
		return store.NewMemoryStore(), nil
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
