// Package live keeps the most recent messages in memory for display.
package live

import (
	"sync"

	"github.com/saaga0h/mqtt-explorer/internal/message"
)

// DefaultCapacity is used when a buffer is created with a non-positive size
const DefaultCapacity = 100

// Buffer is a fixed-size ring of the newest messages. Pushing beyond
// capacity silently overwrites the oldest entry.
type Buffer struct {
	mu    sync.RWMutex
	items []message.Message
	head  int // next write position
	size  int
}

// NewBuffer creates a buffer holding up to capacity messages
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{items: make([]message.Message, capacity)}
}

// Push appends a message in O(1)
func (b *Buffer) Push(m message.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = m
	b.head = (b.head + 1) % len(b.items)
	if b.size < len(b.items) {
		b.size++
	}
}

// Snapshot returns the buffered messages oldest first
func (b *Buffer) Snapshot() []message.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]message.Message, b.size)
	start := (b.head - b.size + len(b.items)) % len(b.items)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(start+i)%len(b.items)]
	}
	return out
}

// Clear empties the buffer
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.items)
	b.head = 0
	b.size = 0
}

// Len returns the number of buffered messages
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the buffer capacity
func (b *Buffer) Cap() int {
	return len(b.items)
}
