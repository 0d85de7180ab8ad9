package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/saaga0h/mqtt-explorer/internal/message"
)

// MemoryStore keeps messages in process memory. It is used for tests and
// ephemeral sessions; everything is lost on exit.
type MemoryStore struct {
	mu    sync.RWMutex
	msgs  []message.Message
	index map[string]int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		index: make(map[string]int),
	}
}

// Store appends a message
func (s *MemoryStore) Store(ctx context.Context, msg message.Message) error {
	if msg.IsSys {
		return ErrSysMessage
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.index[msg.ID] = len(s.msgs)
	s.msgs = append(s.msgs, msg)
	return nil
}

// Query returns messages matching the filter
func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]message.Message, error) {
	return runQuery(ctx, s, f)
}

// Count returns the number of messages matching the filter
func (s *MemoryStore) Count(ctx context.Context, f Filter) (int, error) {
	return runCount(ctx, s, f)
}

func (s *MemoryStore) scanRange(ctx context.Context, start, end int64) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]message.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if m.Timestamp >= start && m.Timestamp <= end {
			out = append(out, m)
		}
	}
	sortAscending(out)
	return out, nil
}

// Clear removes every message. Stores racing with Clear land either before
// (and are wiped) or after (and survive), never half-way.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = nil
	s.index = make(map[string]int)
	return nil
}

// UpdateSync replaces the stored record with a copy carrying the new state
func (s *MemoryStore) UpdateSync(ctx context.Context, id string, st message.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.msgs[i] = s.msgs[i].WithSync(st)
	return nil
}

// Pending returns messages awaiting delivery, oldest first
func (s *MemoryStore) Pending(ctx context.Context) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []message.Message
	for _, m := range s.msgs {
		if m.PendingSync {
			out = append(out, m)
		}
	}
	sortAscending(out)
	return out, nil
}

// Topics returns the distinct topics stored, sorted
func (s *MemoryStore) Topics(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, m := range s.msgs {
		seen[m.Topic] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
