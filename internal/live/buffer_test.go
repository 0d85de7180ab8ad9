package live

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/mqtt-explorer/internal/message"
	"github.com/saaga0h/mqtt-explorer/internal/store"
)

func payloads(msgs []message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Payload
	}
	return out
}

func TestBufferKeepsNewest(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		pushes   int
		wantLen  int
		first    string
		last     string
	}{
		{"empty", 100, 0, 0, "", ""},
		{"under capacity", 100, 40, 40, "0", "39"},
		{"exactly full", 100, 100, 100, "0", "99"},
		{"overflow", 100, 150, 100, "50", "149"},
		{"wraps many times", 3, 10, 3, "7", "9"},
		{"default capacity", 0, 120, DefaultCapacity, "20", "119"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuffer(tt.capacity)
			for i := 0; i < tt.pushes; i++ {
				b.Push(message.New("sensors/demo", fmt.Sprintf("%d", i), int64(i), 0, false))
			}

			snap := b.Snapshot()
			assert.Equal(t, tt.wantLen, b.Len())
			require.Len(t, snap, tt.wantLen)
			if tt.wantLen > 0 {
				assert.Equal(t, tt.first, snap[0].Payload)
				assert.Equal(t, tt.last, snap[len(snap)-1].Payload)
			}
		})
	}
}

func TestBufferArrivalOrder(t *testing.T) {
	b := NewBuffer(100)
	for i := 0; i < 150; i++ {
		b.Push(message.New("sensors/demo", fmt.Sprintf("%d", i), int64(i), 0, false))
	}

	want := make([]string, 100)
	for i := range want {
		want[i] = fmt.Sprintf("%d", 50+i)
	}
	assert.Equal(t, want, payloads(b.Snapshot()))
}

func TestBufferClear(t *testing.T) {
	b := NewBuffer(5)
	for i := 0; i < 7; i++ {
		b.Push(message.New("t", fmt.Sprintf("%d", i), int64(i), 0, false))
	}
	b.Clear()

	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Snapshot())

	b.Push(message.New("t", "after", 8, 0, false))
	assert.Equal(t, []string{"after"}, payloads(b.Snapshot()))
}

func TestSnapshotIsACopy(t *testing.T) {
	b := NewBuffer(2)
	b.Push(message.New("t", "a", 1, 0, false))

	snap := b.Snapshot()
	b.Push(message.New("t", "b", 2, 0, false))
	b.Push(message.New("t", "c", 3, 0, false))

	assert.Equal(t, []string{"a"}, payloads(snap))
}

func TestBufferAndStoreAreIndependent(t *testing.T) {
	ctx := context.Background()
	b := NewBuffer(10)
	s := store.NewMemoryStore()

	for i := 0; i < 5; i++ {
		m := message.New("sensors/demo", fmt.Sprintf("%d", i), int64(i), 0, false)
		b.Push(m)
		require.NoError(t, s.Store(ctx, m))
	}

	b.Clear()
	count, err := s.Count(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	b.Push(message.New("sensors/demo", "new", 9, 0, false))
	require.NoError(t, s.Clear(ctx))
	assert.Equal(t, 1, b.Len())
}

func TestBufferConcurrentPush(t *testing.T) {
	b := NewBuffer(50)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Push(message.New("t", fmt.Sprintf("%d-%d", w, i), int64(i), 0, false))
				_ = b.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 50, b.Len())
}
