package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pipeliner is the go-redis transaction pipeline handed to TxPipelined callbacks
type Pipeliner = redis.Pipeliner

// Z is a sorted set member with its score
type Z = redis.Z

// Client represents a Redis client interface for testing and abstraction
type Client interface {
	// Set sets a key to a value with an optional TTL
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Get gets the value of a key; ErrNil if it does not exist
	Get(ctx context.Context, key string) (string, error)

	// Del removes keys
	Del(ctx context.Context, keys ...string) error

	// Incr atomically increments a counter key
	Incr(ctx context.Context, key string) (int64, error)

	// HGet gets a field from a hash; ErrNil if it does not exist
	HGet(ctx context.Context, key string, field string) (string, error)

	// HGetAll gets all fields from a hash
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HMGet gets several fields from a hash; missing fields are returned as ""
	HMGet(ctx context.Context, key string, fields ...string) ([]string, error)

	// ZRangeByScore returns members within a score range, lowest score first
	ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error)

	// ZCard returns the number of members in a sorted set
	ZCard(ctx context.Context, key string) (int64, error)

	// SMembers returns all members of a set
	SMembers(ctx context.Context, key string) ([]string, error)

	// TxPipelined runs fn inside MULTI/EXEC
	TxPipelined(ctx context.Context, fn func(Pipeliner) error) error

	// Ping checks the connection to Redis
	Ping(ctx context.Context) error

	// Close closes the Redis connection
	Close() error
}
