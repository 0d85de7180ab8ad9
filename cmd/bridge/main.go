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

	"github.com/saaga0h/mqtt-explorer/internal/bridge"
	"github.com/saaga0h/mqtt-explorer/pkg/config"
	"github.com/saaga0h/mqtt-explorer/pkg/mqtt"
)

func main() {
	// Load configuration with hierarchy: defaults → env → flags
	cfg := config.NewConfig()
	cfg.ServiceName = "mqtt-bridge"
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

	logger.Info("Starting MQTT WebSocket bridge",
		"service_name", cfg.ServiceName,
		"port", cfg.BridgePort,
		"max_connections", cfg.BridgeMaxConnections,
		"log_level", cfg.LogLevel)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	b := bridge.New(cfg, mqtt.NewFactory(logger), logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.BridgePort),
		Handler:           b.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Bridge listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received (SIGTERM/SIGINT)")
	case err := <-serverErr:
		logger.Error("Bridge server failed", "error", err)
	}

	logger.Info("Initiating graceful shutdown")

	// Shutdown does not track hijacked WebSockets, so broker clients are
	// ended explicitly
	b.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down bridge server", "error", err)
	}

	logger.Info("Bridge shutdown complete")
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
