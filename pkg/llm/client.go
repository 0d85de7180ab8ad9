// Package llm talks to an Ollama-compatible text generation service
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client is the interface for LLM interactions
type Client interface {
	// Generate sends a prompt and returns the model's complete answer
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

	// Health checks if the LLM service is available
	Health(ctx context.Context) error
}

// GenerateRequest is the body of POST /api/generate
type GenerateRequest struct {
	Model     string                 `json:"model"`
	Prompt    string                 `json:"prompt"`
	System    string                 `json:"system,omitempty"`
	Format    string                 `json:"format,omitempty"` // "json" for structured output
	Stream    bool                   `json:"stream"`
	Options   map[string]interface{} `json:"options,omitempty"`
	KeepAlive string                 `json:"keep_alive,omitempty"`
}

// GenerateResponse is a non-streamed generate answer. Durations are in
// nanoseconds.
type GenerateResponse struct {
	Model              string    `json:"model"`
	CreatedAt          time.Time `json:"created_at"`
	Response           string    `json:"response"`
	Done               bool      `json:"done"`
	TotalDuration      int64     `json:"total_duration"`
	LoadDuration       int64     `json:"load_duration"`
	PromptEvalCount    int       `json:"prompt_eval_count"`
	PromptEvalDuration int64     `json:"prompt_eval_duration"`
	EvalCount          int       `json:"eval_count"`
	EvalDuration       int64     `json:"eval_duration"`
}

// ollamaClient implements Client for the Ollama API
type ollamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a client for the service at baseURL
func NewOllamaClient(baseURL string, timeout time.Duration, logger *slog.Logger) Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ollamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "llm"),
	}
}

func (c *ollamaClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	startTime := time.Now()

	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	req.Stream = false

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.logger.Debug("LLM request",
		"model", req.Model,
		"prompt_length", len(req.Prompt),
		"format", req.Format)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("LLM returned status %d: %s", resp.StatusCode, string(body))
	}

	var genResp GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Info("LLM response received",
		"model", req.Model,
		"duration_ms", time.Since(startTime).Milliseconds(),
		"eval_count", genResp.EvalCount,
		"response_length", len(genResp.Response))

	return &genResp, nil
}

// Health lists installed models as a liveness check
func (c *ollamaClient) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// DefaultGenerateRequest creates a JSON-mode request with low temperature
func DefaultGenerateRequest(model, prompt string) GenerateRequest {
	return GenerateRequest{
		Model:  model,
		Prompt: prompt,
		Format: "json",
		Options: map[string]interface{}{
			"temperature": 0.2,
			"top_p":       0.9,
			"top_k":       40,
		},
		KeepAlive: "5m",
	}
}
