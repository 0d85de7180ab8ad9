package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/saaga0h/mqtt-explorer/internal/message"
	"github.com/saaga0h/mqtt-explorer/pkg/redis"
)

// redisSchemaVersion is the newest layout this code understands:
//
//	1: {prefix}:messages sorted set (score=timestamp, member=seq:id)
//	   {prefix}:data hash (id -> message JSON), {prefix}:seq counter
//	2: {prefix}:topics set of distinct topics
//	3: {prefix}:pending set of ids awaiting delivery
const redisSchemaVersion = 3

// RedisStore keeps messages in Redis, indexed by timestamp
type RedisStore struct {
	redis  redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore opens the store, upgrading older layouts in place. A layout
// newer than this code is a conflict; with allowReset it is wiped after a
// warning, otherwise ErrSchemaConflict is returned.
func NewRedisStore(ctx context.Context, client redis.Client, prefix string, allowReset bool, logger *slog.Logger) (*RedisStore, error) {
	s := &RedisStore{
		redis:  client,
		prefix: prefix,
		logger: logger.With("component", "redis-store"),
	}
	if err := s.migrate(ctx, allowReset); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RedisStore) key(name string) string {
	return fmt.Sprintf("%s:%s", s.prefix, name)
}

func (s *RedisStore) allKeys() []string {
	return []string{
		s.key("messages"), s.key("data"), s.key("seq"),
		s.key("topics"), s.key("pending"), s.key("schema"),
	}
}

func (s *RedisStore) migrate(ctx context.Context, allowReset bool) error {
	version := 0
	raw, err := s.redis.Get(ctx, s.key("schema"))
	switch {
	case errors.Is(err, redis.ErrNil):
		// fresh store, or one written before versioning
	case err != nil:
		return fmt.Errorf("failed to read store schema version: %w", err)
	default:
		version, err = strconv.Atoi(raw)
		if err != nil {
			version = -1
		}
	}

	if version < 0 || version > redisSchemaVersion {
		if !allowReset {
			return fmt.Errorf("%w: on-disk version %q, supported %d", ErrSchemaConflict, raw, redisSchemaVersion)
		}
		s.logger.Warn("DESTRUCTIVE: message store schema cannot be upgraded, wiping all stored messages",
			"on_disk_version", raw,
			"supported_version", redisSchemaVersion)
		if err := s.redis.Del(ctx, s.allKeys()...); err != nil {
			return fmt.Errorf("failed to reset message store: %w", err)
		}
		version = 0
	}

	if version == redisSchemaVersion {
		return nil
	}

	s.logger.Info("Upgrading message store schema", "from", version, "to", redisSchemaVersion)

	data, err := s.redis.HGetAll(ctx, s.key("data"))
	if err != nil {
		return fmt.Errorf("failed to read messages for upgrade: %w", err)
	}

	return s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, raw := range data {
			var m message.Message
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				s.logger.Warn("Skipping unreadable message during upgrade", "id", id, "error", err)
				continue
			}
			if version < 2 {
				pipe.SAdd(ctx, s.key("topics"), m.Topic)
			}
			if m.PendingSync {
				pipe.SAdd(ctx, s.key("pending"), m.ID)
			}
		}
		pipe.Set(ctx, s.key("schema"), redisSchemaVersion, 0)
		return nil
	})
}

// Store appends a message atomically across all indexes
func (s *RedisStore) Store(ctx context.Context, msg message.Message) error {
	if msg.IsSys {
		return ErrSysMessage
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	seq, err := s.redis.Incr(ctx, s.key("seq"))
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	// zero-padded sequence keeps equal-timestamp members in insertion order
	member := fmt.Sprintf("%020d:%s", seq, msg.ID)

	err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key("data"), msg.ID, data)
		pipe.ZAdd(ctx, s.key("messages"), redis.Z{Score: float64(msg.Timestamp), Member: member})
		pipe.SAdd(ctx, s.key("topics"), msg.Topic)
		if msg.PendingSync {
			pipe.SAdd(ctx, s.key("pending"), msg.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

// Query returns messages matching the filter
func (s *RedisStore) Query(ctx context.Context, f Filter) ([]message.Message, error) {
	return runQuery(ctx, s, f)
}

// Count returns the number of messages matching the filter. An empty filter
// is answered from the index cardinality.
func (s *RedisStore) Count(ctx context.Context, f Filter) (int, error) {
	if f.StartTime == nil && f.EndTime == nil && f.Topic == "" && f.Payload == "" {
		n, err := s.redis.ZCard(ctx, s.key("messages"))
		if err != nil {
			return 0, fmt.Errorf("failed to count messages: %w", err)
		}
		return int(n), nil
	}
	return runCount(ctx, s, f)
}

func (s *RedisStore) scanRange(ctx context.Context, start, end int64) ([]message.Message, error) {
	members, err := s.redis.ZRangeByScore(ctx, s.key("messages"), scoreBound(start, "-inf"), scoreBound(end, "+inf"))
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m[strings.IndexByte(m, ':')+1:]
	}
	return s.load(ctx, ids)
}

func (s *RedisStore) load(ctx context.Context, ids []string) ([]message.Message, error) {
	raws, err := s.redis.HMGet(ctx, s.key("data"), ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	out := make([]message.Message, 0, len(raws))
	for i, raw := range raws {
		if raw == "" {
			// cleared between the range read and the load
			continue
		}
		var m message.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", ids[i], err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Clear removes every message in one MULTI/EXEC
func (s *RedisStore) Clear(ctx context.Context) error {
	err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key("messages"), s.key("data"), s.key("topics"), s.key("pending"))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	s.logger.Info("Message store cleared")
	return nil
}

// UpdateSync rewrites the stored JSON with the new sync state
func (s *RedisStore) UpdateSync(ctx context.Context, id string, st message.SyncState) error {
	raw, err := s.redis.HGet(ctx, s.key("data"), id)
	if errors.Is(err, redis.ErrNil) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load message %s: %w", id, err)
	}

	var m message.Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return fmt.Errorf("failed to decode message %s: %w", id, err)
	}
	updated, err := json.Marshal(m.WithSync(st))
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", id, err)
	}

	return s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key("data"), id, updated)
		if st.PendingSync {
			pipe.SAdd(ctx, s.key("pending"), id)
		} else {
			pipe.SRem(ctx, s.key("pending"), id)
		}
		return nil
	})
}

// Pending returns messages awaiting delivery, oldest first
func (s *RedisStore) Pending(ctx context.Context) ([]message.Message, error) {
	ids, err := s.redis.SMembers(ctx, s.key("pending"))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	msgs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortAscending(msgs)
	return msgs, nil
}

// Topics returns the distinct topics stored, sorted
func (s *RedisStore) Topics(ctx context.Context) ([]string, error) {
	topics, err := s.redis.SMembers(ctx, s.key("topics"))
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	sort.Strings(topics)
	return topics, nil
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx)
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.redis.Close()
}

func scoreBound(v int64, open string) string {
	if v == math.MinInt64 || v == math.MaxInt64 {
		return open
	}
	return strconv.FormatInt(v, 10)
}
