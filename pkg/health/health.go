package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"
)

// StatsProvider reports component-specific counters for the status endpoint
type StatsProvider interface {
	Stats() map[string]any
}

// Checker provides health and status endpoints for the bridge and explorer
type Checker struct {
	service  string
	started  time.Time
	provider StatsProvider
	logger   *slog.Logger
}

// NewChecker creates a new health checker reporting the given provider's stats
func NewChecker(service string, provider StatsProvider, logger *slog.Logger) *Checker {
	return &Checker{
		service:  service,
		started:  time.Now(),
		provider: provider,
		logger:   logger,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is the informational /api/status payload
type StatusResponse struct {
	Status        string         `json:"status"`
	Service       string         `json:"service"`
	Timestamp     string         `json:"timestamp"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Stats         map[string]any `json:"stats,omitempty"`
	Memory        MemoryStats    `json:"memory"`
}

// MemoryStats is a subset of runtime.MemStats
type MemoryStats struct {
	AllocBytes     uint64 `json:"alloc_bytes"`
	HeapInuseBytes uint64 `json:"heap_inuse_bytes"`
	SysBytes       uint64 `json:"sys_bytes"`
	NumGC          uint32 `json:"num_gc"`
	Goroutines     int    `json:"goroutines"`
}

// HandlerFunc returns an HTTP handler function for liveness checks
// Returns 200 if process is alive without checking dependencies
func (h *Checker) HandlerFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := HealthResponse{
			Status:    "ok",
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}
		h.write(w, http.StatusOK, response)
	}
}

// Status builds the current status snapshot
func (h *Checker) Status() StatusResponse {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var stats map[string]any
	if h.provider != nil {
		stats = h.provider.Stats()
	}

	return StatusResponse{
		Status:        "ok",
		Service:       h.service,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		UptimeSeconds: time.Since(h.started).Seconds(),
		Stats:         stats,
		Memory: MemoryStats{
			AllocBytes:     ms.Alloc,
			HeapInuseBytes: ms.HeapInuse,
			SysBytes:       ms.Sys,
			NumGC:          ms.NumGC,
			Goroutines:     runtime.NumGoroutine(),
		},
	}
}

// StatusHandlerFunc returns a handler reporting connection counts, uptime and memory.
// It is informational only and never fails.
func (h *Checker) StatusHandlerFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.write(w, http.StatusOK, h.Status())
	}
}

func (h *Checker) write(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", "error", err)
	}
}
