package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/saaga0h/mqtt-explorer/pkg/redis"
)

// Hash fields of {prefix}:settings
const (
	fieldProfiles        = "profiles"
	fieldActiveProfile   = "active_profile"
	fieldDefaultQoS      = "default_qos"
	fieldDefaultRetain   = "default_retain"
	fieldPublishInterval = "publish_interval_ms"
)

// RedisStore keeps settings in a single Redis hash
type RedisStore struct {
	redis  redis.Client
	key    string
	logger *slog.Logger
}

// NewRedisStore creates a store using the hash {prefix}:settings
func NewRedisStore(client redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		redis:  client,
		key:    prefix + ":settings",
		logger: logger.With("component", "settings", "backend", "redis"),
	}
}

func (r *RedisStore) Load(ctx context.Context) (Settings, error) {
	fields, err := r.redis.HGetAll(ctx, r.key)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	s := Defaults()
	if len(fields) == 0 {
		return s, nil
	}

	if raw := fields[fieldProfiles]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Profiles); err != nil {
			return Settings{}, fmt.Errorf("failed to decode saved profiles: %w", err)
		}
	}
	s.ActiveProfile = fields[fieldActiveProfile]

	if raw := fields[fieldDefaultQoS]; raw != "" {
		qos, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid saved %s %q: %w", fieldDefaultQoS, raw, err)
		}
		s.DefaultQoS = byte(qos)
	}
	if raw := fields[fieldDefaultRetain]; raw != "" {
		s.DefaultRetain, err = strconv.ParseBool(raw)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid saved %s %q: %w", fieldDefaultRetain, raw, err)
		}
	}
	if raw := fields[fieldPublishInterval]; raw != "" {
		s.PublishIntervalMs, err = strconv.Atoi(raw)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid saved %s %q: %w", fieldPublishInterval, raw, err)
		}
	}
	if s.Profiles == nil {
		s.Profiles = []Profile{}
	}
	return s, nil
}

// Save replaces the whole hash in one transaction
func (r *RedisStore) Save(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	profiles, err := json.Marshal(s.Profiles)
	if err != nil {
		return fmt.Errorf("failed to encode profiles: %w", err)
	}

	err = r.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.key)
		p.HSet(ctx, r.key, map[string]interface{}{
			fieldProfiles:        string(profiles),
			fieldActiveProfile:   s.ActiveProfile,
			fieldDefaultQoS:      strconv.Itoa(int(s.DefaultQoS)),
			fieldDefaultRetain:   strconv.FormatBool(s.DefaultRetain),
			fieldPublishInterval: strconv.Itoa(s.PublishIntervalMs),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	r.logger.Debug("Settings saved", "key", r.key, "profiles", len(s.Profiles))
	return nil
}
