// Package publisher drives periodic publishes to the base topic.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/saaga0h/mqtt-explorer/pkg/payload"
)

// Modes
const (
	ModeNone   = "none"
	ModeAuto   = "auto"
	ModeManual = "manual"
)

var (
	// ErrInvalidPayload is returned when a manual payload is not valid JSON
	ErrInvalidPayload = errors.New("payload is not valid JSON")

	// ErrInvalidInterval is returned for non-positive intervals
	ErrInvalidInterval = errors.New("publish interval must be positive")

	// ErrInvalidTopic is returned for empty topics and topics with wildcards
	ErrInvalidTopic = errors.New("publish topic must be set and free of wildcards")
)

// TopicFor derives a publish topic from a subscription filter by dropping a
// trailing multi-level wildcard. It returns "" when wildcards remain.
func TopicFor(filter string) string {
	t := strings.TrimSuffix(filter, "/#")
	if !validTopic(t) {
		return ""
	}
	return t
}

func validTopic(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, "+#")
}

// Target receives scheduled publishes. Ticks are skipped while it reports
// not connected.
type Target interface {
	Connected() bool
	Publish(ctx context.Context, topic, payload string) error
}

// SensorReading is the synthetic payload published in auto mode
type SensorReading struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Pressure    float64 `json:"pressure"`
	Timestamp   string  `json:"timestamp"`
}

// Scheduler runs at most one publish loop at a time
type Scheduler struct {
	target Target
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	mode   string
	topic  string
	cancel context.CancelFunc
	ticker clockwork.Ticker

	published atomic.Int64
	failed    atomic.Int64
}

// NewScheduler creates an idle scheduler
func NewScheduler(target Target, clk clockwork.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		target: target,
		clock:  clk,
		logger: logger.With("component", "publisher"),
		mode:   ModeNone,
	}
}

// StartAuto publishes a synthetic sensor reading every interval, replacing
// any running loop
func (s *Scheduler) StartAuto(topic string, interval time.Duration) error {
	if !validTopic(topic) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if interval <= 0 {
		return ErrInvalidInterval
	}
	s.start(ModeAuto, topic, interval, s.SamplePayload)
	return nil
}

// StartManual republishes body every interval, replacing any running loop
func (s *Scheduler) StartManual(topic, body string, interval time.Duration) error {
	if !validTopic(topic) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if !payload.Valid(body) {
		return ErrInvalidPayload
	}
	if interval <= 0 {
		return ErrInvalidInterval
	}
	s.start(ModeManual, topic, interval, func() string { return body })
	return nil
}

func (s *Scheduler) start(mode, topic string, interval time.Duration, next func() string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	ticker := s.clock.NewTicker(interval)
	s.mode, s.topic, s.cancel, s.ticker = mode, topic, cancel, ticker

	s.logger.Info("Publish loop started", "mode", mode, "topic", topic, "interval", interval)
	go s.loop(ctx, ticker, topic, next)
}

func (s *Scheduler) loop(ctx context.Context, ticker clockwork.Ticker, topic string, next func() string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if ctx.Err() != nil {
				return
			}
			if !s.target.Connected() {
				s.logger.Debug("Skipping scheduled publish while disconnected", "topic", topic)
				continue
			}
			s.publish(ctx, topic, next())
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, topic, body string) {
	if err := s.target.Publish(ctx, topic, body); err != nil {
		s.failed.Add(1)
		s.logger.Warn("Scheduled publish failed", "topic", topic, "error", err)
		return
	}
	s.published.Add(1)
}

// Stop ends any running loop. An in-flight publish is cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	s.logger.Info("Publish loop stopped", "mode", s.mode, "topic", s.topic)
	s.mode, s.topic, s.cancel, s.ticker = ModeNone, "", nil, nil
}

// Mode returns the running mode, or ModeNone
func (s *Scheduler) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// PublishOnce publishes immediately, outside any loop. An empty body
// publishes a synthetic reading.
func (s *Scheduler) PublishOnce(ctx context.Context, topic, body string) error {
	if !validTopic(topic) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if body == "" {
		body = s.SamplePayload()
	} else if !payload.Valid(body) {
		return ErrInvalidPayload
	}
	if err := s.target.Publish(ctx, topic, body); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	s.published.Add(1)
	return nil
}

// SamplePayload returns one synthetic sensor reading as JSON
func (s *Scheduler) SamplePayload() string {
	reading := SensorReading{
		Temperature: round1(18 + rand.Float64()*10),
		Humidity:    round1(35 + rand.Float64()*30),
		Pressure:    round1(990 + rand.Float64()*40),
		Timestamp:   s.clock.Now().UTC().Format(time.RFC3339),
	}
	data, _ := json.Marshal(reading)
	return string(data)
}

// Stats reports loop counters
func (s *Scheduler) Stats() map[string]any {
	return map[string]any{
		"mode":      s.Mode(),
		"published": s.published.Load(),
		"failed":    s.failed.Load(),
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
