package llm

import (
	"sync"
)

// Metrics tracks LLM usage statistics
type Metrics struct {
	TotalRequests    int64   `json:"total_requests"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalDurationMs  int64   `json:"total_duration_ms"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	ErrorCount       int64   `json:"error_count"`
}

// MetricsCollector collects LLM usage metrics. A nil collector ignores
// everything.
type MetricsCollector struct {
	mu      sync.Mutex
	metrics Metrics
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// Record records metrics from a response
func (mc *MetricsCollector) Record(resp *GenerateResponse) {
	if mc == nil {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.TotalRequests++
	mc.metrics.TotalTokens += int64(resp.EvalCount + resp.PromptEvalCount)
	mc.metrics.TotalDurationMs += resp.TotalDuration / 1_000_000
	mc.metrics.AverageLatencyMs = float64(mc.metrics.TotalDurationMs) / float64(mc.metrics.TotalRequests)
}

// RecordError records an error
func (mc *MetricsCollector) RecordError() {
	if mc == nil {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.ErrorCount++
}

// Snapshot returns current metrics
func (mc *MetricsCollector) Snapshot() Metrics {
	if mc == nil {
		return Metrics{}
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.metrics
}
