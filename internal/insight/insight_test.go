package insight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/mqtt-explorer/internal/message"
	"github.com/saaga0h/mqtt-explorer/pkg/llm"
)

func newTestService(fn func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error)) *Service {
	mock := llm.NewMockClient()
	mock.GenerateFunc = fn
	s := NewService(mock, "test-model", slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s
}

func respond(body string) func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	return func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
		return &llm.GenerateResponse{Model: req.Model, Response: body, Done: true, EvalCount: 42}, nil
	}
}

func TestAnalyze(t *testing.T) {
	var prompt llm.GenerateRequest
	s := newTestService(func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
		prompt = req
		return respond(`{
			"trends": ["temperature rising"],
			"anomalies": [],
			"recommendations": ["check sensor b"],
			"topicAnalysis": "Two sensors report regularly."
		}`)(ctx, req)
	})

	msgs := []message.Message{
		message.New("sensors/a", `{"temperature":21.5,"humidity":40}`, 2000, 0, false),
		message.New("sensors/a", `{"temperature":22.5,"humidity":41}`, 3000, 0, false),
		message.New("sensors/b", "17", 1000, 1, false),
		message.New("$SYS/broker/uptime", "100 seconds", 1500, 0, false),
	}

	report, err := s.Analyze(context.Background(), msgs, []string{"sensors/#"})
	require.NoError(t, err)

	assert.Equal(t, []string{"temperature rising"}, report.Trends)
	assert.Equal(t, []string{}, report.Anomalies)
	assert.Equal(t, []string{"check sensor b"}, report.Recommendations)
	assert.Equal(t, "Two sensors report regularly.", report.TopicAnalysis)
	assert.Equal(t, 3, report.MessageCount)
	assert.Equal(t, 2026, report.GeneratedAt.Year())

	assert.Equal(t, "test-model", prompt.Model)
	assert.Equal(t, "json", prompt.Format)
	assert.NotEmpty(t, prompt.System)
	assert.Contains(t, prompt.Prompt, "Subscribed topics: sensors/#")
	assert.Contains(t, prompt.Prompt, "sensors/a temperature: 21.5 / 22.5 / 22 / 22.5 (2 samples)")
	assert.NotContains(t, prompt.Prompt, "$SYS")

	// oldest first
	assert.Less(t, strings.Index(prompt.Prompt, "sensors/b 17"), strings.Index(prompt.Prompt, `sensors/a {"temperature":21.5`))

	m := s.Metrics()
	assert.EqualValues(t, 1, m.TotalRequests)
	assert.EqualValues(t, 42, m.TotalTokens)
}

func TestAnalyzeKeepsNewestMessages(t *testing.T) {
	var prompt string
	s := newTestService(func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
		prompt = req.Prompt
		return respond(`{"topicAnalysis":"busy"}`)(ctx, req)
	})

	var msgs []message.Message
	for i := 0; i < maxMessages+20; i++ {
		msgs = append(msgs, message.New(fmt.Sprintf("t/%03d", i), "x", int64(i), 0, false))
	}

	report, err := s.Analyze(context.Background(), msgs, nil)
	require.NoError(t, err)
	assert.Equal(t, maxMessages, report.MessageCount)
	assert.NotContains(t, prompt, "t/019 ")
	assert.Contains(t, prompt, "t/020 ")
	assert.Contains(t, prompt, fmt.Sprintf("t/%03d ", maxMessages+19))
}

func TestAnalyzeErrors(t *testing.T) {
	msgs := []message.Message{message.New("a", "1", 1, 0, false)}

	tests := []struct {
		name string
		msgs []message.Message
		gen  func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error)
		want error
	}{
		{
			name: "no messages",
			want: ErrNoMessages,
		},
		{
			name: "only $SYS",
			msgs: []message.Message{message.New("$SYS/broker/version", "2.0", 1, 0, false)},
			want: ErrNoMessages,
		},
		{
			name: "service down",
			msgs: msgs,
			gen: func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
				return nil, errors.New("connection refused")
			},
		},
		{name: "not json", msgs: msgs, gen: respond("sorry, I cannot help")},
		{name: "empty answer", msgs: msgs, gen: respond(`{"trends":[]}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestService(tt.gen)
			_, err := s.Analyze(context.Background(), tt.msgs, nil)
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestNumericStats(t *testing.T) {
	lines := numericStats([]message.Message{
		message.New("room", `{"env":{"temp":20},"label":"x"}`, 1, 0, false),
		message.New("room", `{"env":{"temp":24}}`, 2, 0, false),
		message.New("meter", "3.5", 3, 0, false),
		message.New("text", "hello", 4, 0, false),
	})
	assert.Equal(t, []string{
		"  meter: 3.5 / 3.5 / 3.5 / 3.5 (1 samples)",
		"  room env.temp: 20 / 24 / 22 / 24 (2 samples)",
	}, lines)
}
