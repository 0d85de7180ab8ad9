// Package insight asks a text generation service to describe recent message
// traffic. It only reads message history; nothing here feeds back into the
// session or the store.
package insight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/saaga0h/mqtt-explorer/internal/message"
	"github.com/saaga0h/mqtt-explorer/pkg/llm"
	"github.com/saaga0h/mqtt-explorer/pkg/payload"
)

// ErrNoMessages is returned when there is nothing to analyze
var ErrNoMessages = errors.New("no messages to analyze")

const (
	// maxMessages caps how much history goes into one prompt
	maxMessages = 50

	// maxPayload truncates each payload in the prompt
	maxPayload = 300
)

// Report is the categorized answer shown to users
type Report struct {
	Trends          []string  `json:"trends"`
	Anomalies       []string  `json:"anomalies"`
	Recommendations []string  `json:"recommendations"`
	TopicAnalysis   string    `json:"topicAnalysis"`
	MessageCount    int       `json:"messageCount"`
	GeneratedAt     time.Time `json:"generatedAt"`
}

// Input is a batch of recent messages and the topics they came from
type Input struct {
	Messages []message.Message
	Topics   []string
}

// Service generates reports through an LLM client
type Service struct {
	client  llm.Client
	model   string
	metrics *llm.MetricsCollector
	now     func() time.Time
	logger  *slog.Logger
}

// NewService creates a service using model on client
func NewService(client llm.Client, model string, logger *slog.Logger) *Service {
	return &Service{
		client:  client,
		model:   model,
		metrics: llm.NewMetricsCollector(),
		now:     time.Now,
		logger:  logger.With("component", "insight"),
	}
}

// Analyze describes the newest messages. $SYS messages are left out.
func (s *Service) Analyze(ctx context.Context, msgs []message.Message, topics []string) (*Report, error) {
	in := Input{Topics: topics}
	for _, m := range msgs {
		if !m.IsSys {
			in.Messages = append(in.Messages, m)
		}
	}
	if len(in.Messages) == 0 {
		return nil, ErrNoMessages
	}
	sort.SliceStable(in.Messages, func(i, j int) bool {
		return in.Messages[i].Timestamp < in.Messages[j].Timestamp
	})
	if len(in.Messages) > maxMessages {
		in.Messages = in.Messages[len(in.Messages)-maxMessages:]
	}

	report, err := llm.Analyze[Input, *Report](ctx, s.client, analyzer{}, s.model, in, s.metrics, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to generate insights: %w", err)
	}
	report.MessageCount = len(in.Messages)
	report.GeneratedAt = s.now()

	s.logger.Info("Insights generated",
		"messages", report.MessageCount,
		"trends", len(report.Trends),
		"anomalies", len(report.Anomalies),
		"recommendations", len(report.Recommendations))
	return report, nil
}

// Health checks the generation service
func (s *Service) Health(ctx context.Context) error {
	return s.client.Health(ctx)
}

// Metrics returns usage counters for the generation service
func (s *Service) Metrics() llm.Metrics {
	return s.metrics.Snapshot()
}

// analyzer implements llm.Analyzer for message batches
type analyzer struct{}

func (analyzer) System() string {
	return "You analyze MQTT message traffic from IoT devices. " +
		"Answer only with a JSON object with the keys trends, anomalies and recommendations " +
		"(arrays of short sentences) and topicAnalysis (one paragraph)."
}

func (analyzer) BuildPrompt(in Input) string {
	var b strings.Builder

	topics := append([]string(nil), in.Topics...)
	sort.Strings(topics)
	if len(topics) > 0 {
		fmt.Fprintf(&b, "Subscribed topics: %s\n\n", strings.Join(topics, ", "))
	}

	if stats := numericStats(in.Messages); len(stats) > 0 {
		b.WriteString("Numeric fields per topic (min / max / mean / last):\n")
		for _, line := range stats {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	fmt.Fprintf(&b, "Last %d messages, oldest first:\n", len(in.Messages))
	for _, m := range in.Messages {
		p := m.Payload
		if len(p) > maxPayload {
			p = p[:maxPayload] + "..."
		}
		fmt.Fprintf(&b, "%s qos=%d %s %s\n",
			time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339), m.QoS, m.Topic, p)
	}
	return b.String()
}

func (analyzer) ParseResponse(resp *llm.GenerateResponse) (*Report, error) {
	return llm.ParseJSONResponse[Report](resp)
}

func (analyzer) Validate(r *Report) error {
	if len(r.Trends)+len(r.Anomalies)+len(r.Recommendations) == 0 && strings.TrimSpace(r.TopicAnalysis) == "" {
		return errors.New("empty analysis")
	}
	if r.Trends == nil {
		r.Trends = []string{}
	}
	if r.Anomalies == nil {
		r.Anomalies = []string{}
	}
	if r.Recommendations == nil {
		r.Recommendations = []string{}
	}
	return nil
}

type fieldStats struct {
	min, max, sum, last float64
	n                   int
}

// numericStats summarizes numeric JSON fields, one line per topic and field
func numericStats(msgs []message.Message) []string {
	stats := make(map[string]*fieldStats)
	for _, m := range msgs {
		for field, v := range payload.Decode(m.Payload).NumericFields() {
			key := m.Topic
			if field != "" {
				key += " " + field
			}
			st, ok := stats[key]
			if !ok {
				st = &fieldStats{min: v, max: v}
				stats[key] = st
			}
			st.min = min(st.min, v)
			st.max = max(st.max, v)
			st.sum += v
			st.last = v
			st.n++
		}
	}

	lines := make([]string, 0, len(stats))
	for key, st := range stats {
		lines = append(lines, fmt.Sprintf("  %s: %g / %g / %.4g / %g (%d samples)",
			key, st.min, st.max, st.sum/float64(st.n), st.last, st.n))
	}
	sort.Strings(lines)
	return lines
}
