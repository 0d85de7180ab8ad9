package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	mu        sync.Mutex
	connected bool
	err       error
	sent      []sent
}

type sent struct {
	topic   string
	payload string
}

func (f *fakeTarget) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTarget) Publish(ctx context.Context, topic, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{topic, payload})
	return nil
}

func (f *fakeTarget) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeTarget) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTarget) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func newTestScheduler() (*Scheduler, *fakeTarget, *clockwork.FakeClock) {
	target := &fakeTarget{connected: true}
	clk := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScheduler(target, clk, logger), target, clk
}

// tick advances one interval and waits for the loop to publish
func tick(t *testing.T, clk *clockwork.FakeClock, target *fakeTarget, d time.Duration, want int) {
	t.Helper()
	clk.Advance(d)
	require.Eventually(t, func() bool { return target.count() == want },
		time.Second, time.Millisecond, "expected %d publishes", want)
}

func TestAutoModePublishesSyntheticReadings(t *testing.T) {
	s, target, clk := newTestScheduler()
	defer s.Stop()

	require.NoError(t, s.StartAuto("sensors/demo", 5*time.Second))
	assert.Equal(t, ModeAuto, s.Mode())

	clk.Advance(4 * time.Second)
	assert.Equal(t, 0, target.count())

	tick(t, clk, target, time.Second, 1)
	tick(t, clk, target, 5*time.Second, 2)

	got := target.last()
	assert.Equal(t, "sensors/demo", got.topic)

	var reading map[string]any
	require.NoError(t, json.Unmarshal([]byte(got.payload), &reading))
	for _, field := range []string{"temperature", "humidity", "pressure", "timestamp"} {
		assert.Contains(t, reading, field)
	}
	assert.Equal(t, "2025-06-01T12:00:10Z", reading["timestamp"])
}

func TestManualModeRepeatsPayload(t *testing.T) {
	s, target, clk := newTestScheduler()
	defer s.Stop()

	require.NoError(t, s.StartManual("sensors/demo", `{"temp":22.5}`, time.Second))
	assert.Equal(t, ModeManual, s.Mode())

	tick(t, clk, target, time.Second, 1)
	tick(t, clk, target, time.Second, 2)
	assert.Equal(t, `{"temp":22.5}`, target.last().payload)
}

func TestManualModeRejectsInvalidJSON(t *testing.T) {
	s, _, _ := newTestScheduler()

	err := s.StartManual("sensors/demo", `{"temp":`, time.Second)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Equal(t, ModeNone, s.Mode())
}

func TestInvalidInterval(t *testing.T) {
	s, _, _ := newTestScheduler()

	assert.ErrorIs(t, s.StartAuto("t", 0), ErrInvalidInterval)
	assert.ErrorIs(t, s.StartManual("t", `{}`, -time.Second), ErrInvalidInterval)
}

func TestStartingOneModeStopsTheOther(t *testing.T) {
	s, target, clk := newTestScheduler()
	defer s.Stop()

	require.NoError(t, s.StartAuto("sensors/demo", time.Second))
	require.NoError(t, s.StartManual("sensors/demo", `{"manual":true}`, time.Second))
	assert.Equal(t, ModeManual, s.Mode())

	tick(t, clk, target, time.Second, 1)
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return target.count() == 2 }, time.Second, time.Millisecond)

	target.mu.Lock()
	defer target.mu.Unlock()
	for _, m := range target.sent {
		assert.Equal(t, `{"manual":true}`, m.payload)
	}
}

func TestStopEndsLoop(t *testing.T) {
	s, target, clk := newTestScheduler()

	require.NoError(t, s.StartAuto("sensors/demo", time.Second))
	tick(t, clk, target, time.Second, 1)

	s.Stop()
	assert.Equal(t, ModeNone, s.Mode())

	clk.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, target.count())

	// stopping twice is harmless
	s.Stop()
}

func TestLoopSkipsWhileDisconnected(t *testing.T) {
	s, target, clk := newTestScheduler()
	defer s.Stop()

	target.setConnected(false)
	require.NoError(t, s.StartAuto("sensors/demo", time.Second))

	clk.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, target.count())

	target.setConnected(true)
	tick(t, clk, target, time.Second, 1)
}

func TestPublishOnce(t *testing.T) {
	s, target, _ := newTestScheduler()

	require.NoError(t, s.PublishOnce(context.Background(), "sensors/demo", `{"once":1}`))
	assert.Equal(t, `{"once":1}`, target.last().payload)
	assert.Equal(t, ModeNone, s.Mode())

	require.NoError(t, s.PublishOnce(context.Background(), "sensors/demo", ""))
	assert.Contains(t, target.last().payload, "temperature")

	assert.ErrorIs(t, s.PublishOnce(context.Background(), "sensors/demo", "not json"), ErrInvalidPayload)

	target.err = errors.New("broker gone")
	err := s.PublishOnce(context.Background(), "sensors/demo", `{}`)
	assert.ErrorContains(t, err, "broker gone")
	assert.Equal(t, int64(2), s.Stats()["published"])
}

func TestTopicFor(t *testing.T) {
	tests := []struct {
		filter string
		want   string
	}{
		{"sensors/demo", "sensors/demo"},
		{"sensors/#", "sensors"},
		{"#", ""},
		{"sensors/+/temp", ""},
		{"sensors/+/#", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicFor(tt.filter))
		})
	}
}

func TestWildcardTopicsAreRejected(t *testing.T) {
	s, target, _ := newTestScheduler()

	assert.ErrorIs(t, s.StartAuto("sensors/#", time.Second), ErrInvalidTopic)
	assert.ErrorIs(t, s.StartManual("sensors/+/temp", `{}`, time.Second), ErrInvalidTopic)
	assert.ErrorIs(t, s.StartAuto("", time.Second), ErrInvalidTopic)
	assert.ErrorIs(t, s.PublishOnce(context.Background(), "a/#", `{}`), ErrInvalidTopic)

	assert.Equal(t, ModeNone, s.Mode())
	assert.Equal(t, 0, target.count())
}
