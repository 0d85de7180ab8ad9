package bridge

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/saaga0h/mqtt-explorer/pkg/config"
	"github.com/saaga0h/mqtt-explorer/pkg/health"
	"github.com/saaga0h/mqtt-explorer/pkg/mqtt"
	"github.com/saaga0h/mqtt-explorer/pkg/protocol"
)

// Bridge relays between WebSocket clients and MQTT brokers, owning exactly
// one broker connection per WebSocket
type Bridge struct {
	cfg      *config.Config
	factory  mqtt.Factory
	sessions *Registry
	upgrader websocket.Upgrader
	checker  *health.Checker
	logger   *slog.Logger

	wsClients atomic.Int64
	relayed   atomic.Int64
}

// New creates a bridge that builds broker clients with factory
func New(cfg *config.Config, factory mqtt.Factory, logger *slog.Logger) *Bridge {
	b := &Bridge{
		cfg:      cfg,
		factory:  factory,
		sessions: NewRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // browser UI may be served from another origin
			},
		},
		logger: logger.With("component", "bridge"),
	}
	b.checker = health.NewChecker(cfg.ServiceName, b, logger)
	return b
}

// Routes returns the HTTP routes served by the bridge
func (b *Bridge) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", b.HandleWebSocket)
	r.Get("/api/status", b.checker.StatusHandlerFunc())
	r.Get("/health", b.checker.HandlerFunc())
	return r
}

// Stats implements health.StatsProvider
func (b *Bridge) Stats() map[string]any {
	return map[string]any{
		"websocket_clients":      b.wsClients.Load(),
		"mqtt_clients":           b.sessions.Len(),
		"mqtt_connected_clients": b.sessions.ConnectedCount(),
		"messages_relayed":       b.relayed.Load(),
	}
}

// Sessions exposes the broker session registry
func (b *Bridge) Sessions() *Registry {
	return b.sessions
}

// HandleWebSocket upgrades the request and serves control frames until the
// WebSocket closes
func (b *Bridge) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	c := newConnection(uuid.NewString(), ws, b)

	if b.wsClients.Add(1) > int64(b.cfg.BridgeMaxConnections) {
		b.wsClients.Add(-1)
		b.logger.Warn("Max clients reached, rejecting connection", "remote_addr", r.RemoteAddr)
		c.send(protocol.EventFrame{Type: protocol.TypeError, Message: "too many connections"})
		c.close()
		return
	}
	defer b.wsClients.Add(-1)

	b.logger.Info("WebSocket client connected", "addr", r.RemoteAddr, "id", c.id)
	c.serve()
	b.logger.Info("WebSocket client disconnected", "addr", r.RemoteAddr, "id", c.id)
}

// Shutdown force-closes every broker connection
func (b *Bridge) Shutdown() {
	for _, s := range b.sessions.Drain() {
		if s.client != nil {
			s.client.Disconnect(0)
		}
	}
	b.logger.Info("Bridge shut down")
}

func (b *Bridge) writeTimeout() time.Duration {
	if b.cfg.BridgeWriteTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(b.cfg.BridgeWriteTimeoutSec) * time.Second
}

func (b *Bridge) reconnectPeriod(frameMs int) time.Duration {
	if frameMs > 0 {
		return time.Duration(frameMs) * time.Millisecond
	}
	return time.Duration(b.cfg.MQTTReconnectPeriodMs) * time.Millisecond
}
