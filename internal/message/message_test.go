package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSysTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  bool
	}{
		{"$SYS/broker/uptime", true},
		{"$SYS/", true},
		{"$SYS", false},
		{"$sys/broker/uptime", false},
		{"sensors/$SYS/x", false},
		{"sensors/demo", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSysTopic(tt.topic))
			assert.Equal(t, tt.want, New(tt.topic, "x", 1, 0, false).IsSys)
		})
	}
}

func TestNewGeneratesUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		m := New("a/b", "p", int64(i), 1, false)
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
}

func TestWithSyncCopies(t *testing.T) {
	orig := New("a/b", "p", 10, 1, false)
	orig.PendingSync = true

	updated := orig.WithSync(SyncState{PendingSync: false, SyncAttempts: 2, LastSyncAttempt: 99})

	assert.True(t, orig.PendingSync, "original must not change")
	assert.Equal(t, 0, orig.SyncAttempts)
	assert.False(t, updated.PendingSync)
	assert.Equal(t, 2, updated.SyncAttempts)
	assert.Equal(t, int64(99), updated.LastSyncAttempt)
	assert.Equal(t, orig.ID, updated.ID)
}
