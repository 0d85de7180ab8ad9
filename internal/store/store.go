// Package store persists non-system messages independently of any session.
//
// Backends only retrieve a time range in ascending order; topic and payload
// substring filters, ordering and pagination are applied afterwards by one
// shared pipeline, so Query and Count always agree.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/saaga0h/mqtt-explorer/internal/message"
)

var (
	// ErrSchemaConflict is returned when the on-disk schema cannot be upgraded
	ErrSchemaConflict = errors.New("message store schema version conflict")

	// ErrNotFound is returned when a message ID does not exist
	ErrNotFound = errors.New("message not found")

	// ErrInvalidFilter is returned for unsupported ordering or negative paging
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrSysMessage is returned when a $SYS message is offered for storage
	ErrSysMessage = errors.New("$SYS messages are not stored")
)

// Order directions
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// Store is durable, queryable message persistence
type Store interface {
	// Store appends a message. Errors always propagate to the caller.
	Store(ctx context.Context, msg message.Message) error

	// Query returns messages matching the filter
	Query(ctx context.Context, f Filter) ([]message.Message, error)

	// Count returns the exact number of messages matching the filter,
	// ignoring Limit and Offset
	Count(ctx context.Context, f Filter) (int, error)

	// Clear irreversibly removes every message
	Clear(ctx context.Context) error

	// UpdateSync replaces a message's sync bookkeeping
	UpdateSync(ctx context.Context, id string, s message.SyncState) error

	// Pending returns messages still awaiting delivery, oldest first
	Pending(ctx context.Context) ([]message.Message, error)

	// Topics returns the distinct topics seen
	Topics(ctx context.Context) ([]string, error)

	// Ping reports whether the backend is reachable
	Ping(ctx context.Context) error

	// Close releases backend resources
	Close() error
}

// Filter selects messages. Time bounds are inclusive unix millis; substring
// matches are case-insensitive. A zero Limit means no limit.
type Filter struct {
	StartTime      *int64 `json:"startTime,omitempty"`
	EndTime        *int64 `json:"endTime,omitempty"`
	Topic          string `json:"topic,omitempty"`
	Payload        string `json:"payload,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	Offset         int    `json:"offset,omitempty"`
	OrderBy        string `json:"orderBy,omitempty"`
	OrderDirection string `json:"orderDirection,omitempty"`
}

// Bounds returns the inclusive time range, open ends widened to the int64 limits
func (f Filter) Bounds() (int64, int64) {
	start, end := int64(math.MinInt64), int64(math.MaxInt64)
	if f.StartTime != nil {
		start = *f.StartTime
	}
	if f.EndTime != nil {
		end = *f.EndTime
	}
	return start, end
}

// Validate checks ordering and paging parameters
func (f Filter) Validate() error {
	if f.OrderBy != "" && f.OrderBy != "timestamp" {
		return fmt.Errorf("%w: cannot order by %q", ErrInvalidFilter, f.OrderBy)
	}
	switch f.OrderDirection {
	case "", OrderAsc, OrderDesc:
	default:
		return fmt.Errorf("%w: order direction %q", ErrInvalidFilter, f.OrderDirection)
	}
	if f.Limit < 0 || f.Offset < 0 {
		return fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidFilter)
	}
	return nil
}

// Int64 returns a pointer to v, for building filters
func Int64(v int64) *int64 {
	return &v
}

// rangeScanner is implemented by each backend: messages with
// start <= timestamp <= end, ascending by timestamp then insertion order
type rangeScanner interface {
	scanRange(ctx context.Context, start, end int64) ([]message.Message, error)
}

func runQuery(ctx context.Context, r rangeScanner, f Filter) ([]message.Message, error) {
	matched, err := runMatch(ctx, r, f)
	if err != nil {
		return nil, err
	}
	return paginate(order(matched, f.OrderDirection), f.Limit, f.Offset), nil
}

func runCount(ctx context.Context, r rangeScanner, f Filter) (int, error) {
	matched, err := runMatch(ctx, r, f)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

func runMatch(ctx context.Context, r rangeScanner, f Filter) ([]message.Message, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	start, end := f.Bounds()
	if start > end {
		return nil, nil
	}

	msgs, err := r.scanRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return match(msgs, f.Topic, f.Payload), nil
}

// match is the linear post-filter applied after range retrieval
func match(msgs []message.Message, topic, payload string) []message.Message {
	if topic == "" && payload == "" {
		return msgs
	}
	topic = strings.ToLower(topic)
	payload = strings.ToLower(payload)

	out := msgs[:0:0]
	for _, m := range msgs {
		if topic != "" && !strings.Contains(strings.ToLower(m.Topic), topic) {
			continue
		}
		if payload != "" && !strings.Contains(strings.ToLower(m.Payload), payload) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// order reverses the ascending slice in place for descending order, which
// is the default
func order(msgs []message.Message, direction string) []message.Message {
	if direction == OrderAsc {
		return msgs
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}

func paginate(msgs []message.Message, limit, offset int) []message.Message {
	if offset >= len(msgs) {
		return []message.Message{}
	}
	msgs = msgs[offset:]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs
}

// sortAscending orders by timestamp, keeping insertion order for ties
func sortAscending(msgs []message.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp < msgs[j].Timestamp
	})
}
