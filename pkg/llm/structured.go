package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseJSONResponse parses the model's JSON response into a target type.
// Models sometimes wrap JSON in a markdown fence; that is stripped first.
func ParseJSONResponse[T any](resp *GenerateResponse) (*T, error) {
	var result T

	body := stripFence(resp.Response)
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return nil, fmt.Errorf("failed to parse LLM JSON: %w (response: %s)", err, truncate(resp.Response, 200))
	}
	return &result, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
