// Package settings persists connection profiles and publishing defaults
// across explorer restarts.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/saaga0h/mqtt-explorer/internal/session"
	"github.com/saaga0h/mqtt-explorer/pkg/config"
	"github.com/saaga0h/mqtt-explorer/pkg/redis"
)

// ErrInvalidSettings is returned by Save for settings that fail validation
var ErrInvalidSettings = errors.New("invalid settings")

// Profile is a named, reusable set of connection options
type Profile struct {
	Name    string                    `json:"name" yaml:"name"`
	Options session.ConnectionOptions `json:"options" yaml:"options"`
}

// Settings is everything the explorer remembers between runs
type Settings struct {
	Profiles          []Profile `json:"profiles" yaml:"profiles"`
	ActiveProfile     string    `json:"activeProfile,omitempty" yaml:"activeProfile,omitempty"`
	DefaultQoS        byte      `json:"defaultQos" yaml:"defaultQos"`
	DefaultRetain     bool      `json:"defaultRetain" yaml:"defaultRetain"`
	PublishIntervalMs int       `json:"publishInterval" yaml:"publishInterval"`
}

// Defaults returns the settings used before anything has been saved
func Defaults() Settings {
	return Settings{
		Profiles:          []Profile{},
		PublishIntervalMs: int(session.DefaultPublishInterval.Milliseconds()),
	}
}

// Validate checks publish defaults and profile names
func (s Settings) Validate() error {
	if s.DefaultQoS > 2 {
		return fmt.Errorf("%w: default qos %d", ErrInvalidSettings, s.DefaultQoS)
	}
	if s.PublishIntervalMs < 0 {
		return fmt.Errorf("%w: negative publish interval", ErrInvalidSettings)
	}

	seen := make(map[string]bool, len(s.Profiles))
	for _, p := range s.Profiles {
		if p.Name == "" {
			return fmt.Errorf("%w: profile without a name", ErrInvalidSettings)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate profile %q", ErrInvalidSettings, p.Name)
		}
		seen[p.Name] = true
	}
	if s.ActiveProfile != "" && !seen[s.ActiveProfile] {
		return fmt.Errorf("%w: active profile %q does not exist", ErrInvalidSettings, s.ActiveProfile)
	}
	return nil
}

// Active returns the active profile, if one is set
func (s Settings) Active() (Profile, bool) {
	for _, p := range s.Profiles {
		if p.Name == s.ActiveProfile {
			return p, s.ActiveProfile != ""
		}
	}
	return Profile{}, false
}

// Upsert adds p, replacing any profile with the same name
func (s *Settings) Upsert(p Profile) {
	for i := range s.Profiles {
		if s.Profiles[i].Name == p.Name {
			s.Profiles[i] = p
			return
		}
	}
	s.Profiles = append(s.Profiles, p)
}

// Store loads and saves settings
type Store interface {
	// Load returns the saved settings, or Defaults when nothing is saved
	Load(ctx context.Context) (Settings, error)

	// Save validates and persists settings, replacing what was saved before
	Save(ctx context.Context, s Settings) error
}

// New returns the store selected by cfg.SettingsBackend. The Redis backend
// needs client; the file backend ignores it.
func New(cfg *config.Config, client redis.Client, logger *slog.Logger) (Store, error) {
	switch cfg.SettingsBackend {
	case "file":
		return NewFileStore(cfg.SettingsFile, logger), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis settings backend needs a redis client")
		}
		return NewRedisStore(client, cfg.RedisPrefix, logger), nil
	default:
		return nil, fmt.Errorf("unknown settings backend %q", cfg.SettingsBackend)
	}
}
