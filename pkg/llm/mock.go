package llm

import (
	"context"
	"time"
)

// MockClient is a mock LLM client for testing
type MockClient struct {
	GenerateFunc func(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	HealthFunc   func(ctx context.Context) error
}

func (m *MockClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return &GenerateResponse{
		Model:     req.Model,
		Response:  `{}`,
		Done:      true,
		CreatedAt: time.Now(),
	}, nil
}

func (m *MockClient) Health(ctx context.Context) error {
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

// NewMockClient creates a mock client with default behavior
func NewMockClient() *MockClient {
	return &MockClient{}
}
