package session

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/saaga0h/mqtt-explorer/internal/message"
)

// EventKind classifies session events
type EventKind string

const (
	EventStatus    EventKind = "status"
	EventMessage   EventKind = "message"
	EventSys       EventKind = "sys"
	EventError     EventKind = "error"
	EventPublished EventKind = "published"
)

// Event is delivered to watchers. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind `json:"kind"`

	// status
	Snapshot *Snapshot `json:"snapshot,omitempty"`

	// message, and published (queued publishes carry the stored record)
	Message *message.Message `json:"message,omitempty"`

	// sys
	SysKey   string `json:"sysKey,omitempty"`
	SysValue string `json:"sysValue,omitempty"`

	// error
	Error string `json:"error,omitempty"`

	// published
	Topic     string `json:"topic,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Queued    bool   `json:"queued,omitempty"`
}

// Watcher receives session events on C until Close is called. A watcher
// that falls behind loses events rather than stalling ingestion.
type Watcher struct {
	C <-chan Event

	c       chan Event
	bus     *eventBus
	once    sync.Once
	dropped atomic.Int64
}

// Close stops delivery and closes C
func (w *Watcher) Close() {
	w.once.Do(func() {
		w.bus.remove(w)
		close(w.c)
	})
}

// Dropped returns how many events were discarded for this watcher
func (w *Watcher) Dropped() int64 {
	return w.dropped.Load()
}

type eventBus struct {
	mu       sync.RWMutex
	watchers map[*Watcher]struct{}
	logger   *slog.Logger
}

func newEventBus(logger *slog.Logger) *eventBus {
	return &eventBus{
		watchers: make(map[*Watcher]struct{}),
		logger:   logger,
	}
}

func (b *eventBus) watch(size int) *Watcher {
	if size <= 0 {
		size = 64
	}
	c := make(chan Event, size)
	w := &Watcher{C: c, c: c, bus: b}

	b.mu.Lock()
	b.watchers[w] = struct{}{}
	b.mu.Unlock()
	return w
}

func (b *eventBus) remove(w *Watcher) {
	b.mu.Lock()
	delete(b.watchers, w)
	b.mu.Unlock()
}

func (b *eventBus) emit(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for w := range b.watchers {
		select {
		case w.c <- ev:
		default:
			if w.dropped.Add(1)%100 == 1 {
				b.logger.Warn("Watcher is falling behind, dropping events", "kind", ev.Kind, "dropped", w.dropped.Load())
			}
		}
	}
}

func (b *eventBus) closeAll() {
	b.mu.Lock()
	watchers := b.watchers
	b.watchers = make(map[*Watcher]struct{})
	b.mu.Unlock()

	for w := range watchers {
		w.once.Do(func() { close(w.c) })
	}
}

func (b *eventBus) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.watchers)
}
