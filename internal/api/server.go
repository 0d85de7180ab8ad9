// Package api exposes the session client, message store and settings over
// HTTP for the explorer UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/saaga0h/mqtt-explorer/internal/insight"
	"github.com/saaga0h/mqtt-explorer/internal/publisher"
	"github.com/saaga0h/mqtt-explorer/internal/session"
	"github.com/saaga0h/mqtt-explorer/internal/settings"
	"github.com/saaga0h/mqtt-explorer/internal/store"
	"github.com/saaga0h/mqtt-explorer/pkg/health"
)

// Deps are the components served by the API. Insights may be nil.
type Deps struct {
	Session  *session.Client
	Store    store.Store
	Settings settings.Store
	Insights *insight.Service
}

// Server holds the HTTP handlers
type Server struct {
	session  *session.Client
	store    store.Store
	settings settings.Store
	insights *insight.Service
	checker  *health.Checker
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates the API server
func NewServer(service string, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		session:  deps.Session,
		store:    deps.Store,
		settings: deps.Settings,
		insights: deps.Insights,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "api"),
	}
	s.checker = health.NewChecker(service, s, logger)
	return s
}

// Routes returns the HTTP routes for the explorer API
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.checker.HandlerFunc())
	r.Get("/api/status", s.checker.StatusHandlerFunc())

	r.Get("/api/session", s.HandleSession)
	r.Get("/api/events", s.HandleEvents)
	r.Post("/api/connect", s.HandleConnect)
	r.Post("/api/disconnect", s.HandleDisconnect)
	r.Post("/api/subscriptions", s.HandleSubscribe)
	r.Delete("/api/subscriptions", s.HandleUnsubscribe)
	r.Post("/api/publish", s.HandlePublish)
	r.Get("/api/publish/queue", s.HandleQueue)
	r.Post("/api/publisher/{mode}", s.HandleStartPublisher)
	r.Delete("/api/publisher", s.HandleStopPublisher)

	r.Get("/api/messages", s.HandleMessages)
	r.Get("/api/messages/count", s.HandleCount)
	r.Get("/api/messages/export", s.HandleExport)
	r.Get("/api/messages/topics", s.HandleTopics)
	r.Delete("/api/messages", s.HandleClearMessages)

	r.Get("/api/live", s.HandleLive)
	r.Delete("/api/live", s.HandleClearLive)
	r.Get("/api/sys", s.HandleSys)

	r.Get("/api/settings", s.HandleGetSettings)
	r.Put("/api/settings", s.HandlePutSettings)
	r.Post("/api/insights", s.HandleInsights)
	return r
}

// Stats implements health.StatsProvider
func (s *Server) Stats() map[string]any {
	stats := s.session.Stats()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats["store_reachable"] = s.store.Ping(ctx) == nil

	if s.insights != nil {
		stats["insights"] = s.insights.Metrics()
	}
	return stats
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Failed to encode response", "error", err)
	}
}

// handleError maps domain errors to status codes
func (s *Server) handleError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidOptions),
		errors.Is(err, session.ErrInvalidTopic),
		errors.Is(err, session.ErrInvalidPayload),
		errors.Is(err, publisher.ErrInvalidPayload),
		errors.Is(err, publisher.ErrInvalidInterval),
		errors.Is(err, publisher.ErrInvalidTopic),
		errors.Is(err, store.ErrInvalidFilter),
		errors.Is(err, store.ErrUnknownFormat),
		errors.Is(err, settings.ErrInvalidSettings),
		errors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	case errors.Is(err, session.ErrNotConnected):
		code = http.StatusConflict
	case errors.Is(err, insight.ErrNoMessages):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrClosed), errors.Is(err, errUnavailable):
		code = http.StatusServiceUnavailable
	}

	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
	}
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

var (
	errBadRequest  = errors.New("bad request")
	errUnavailable = errors.New("unavailable")
)

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
