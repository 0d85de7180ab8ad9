package settings

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/mqtt-explorer/internal/session"
	"github.com/saaga0h/mqtt-explorer/pkg/config"
	"github.com/saaga0h/mqtt-explorer/pkg/redis"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sample() Settings {
	clean := false
	s := Defaults()
	s.DefaultQoS = 1
	s.DefaultRetain = true
	s.PublishIntervalMs = 2500
	s.Upsert(Profile{
		Name: "mosquitto",
		Options: session.ConnectionOptions{
			BrokerURL: "wss://test.mosquitto.org:8081",
			BaseTopic: "sensors/demo",
			Clean:     &clean,
			QoS:       1,
			EnableSys: true,
		},
	})
	s.Upsert(Profile{
		Name: "local",
		Options: session.ConnectionOptions{
			BrokerURL:     "mqtt://localhost:1883",
			BaseTopic:     "home/#",
			Username:      "explorer",
			Password:      "secret",
			PublishMode:   "manual",
			ManualPayload: `{"on":true}`,
		},
	})
	s.ActiveProfile = "local"
	return s
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(s *Settings)
		wantErr bool
	}{
		{name: "defaults", modify: func(s *Settings) { *s = Defaults() }},
		{name: "sample", modify: func(s *Settings) {}},
		{name: "qos too high", modify: func(s *Settings) { s.DefaultQoS = 3 }, wantErr: true},
		{name: "negative interval", modify: func(s *Settings) { s.PublishIntervalMs = -1 }, wantErr: true},
		{name: "unnamed profile", modify: func(s *Settings) { s.Profiles[0].Name = "" }, wantErr: true},
		{name: "duplicate profile", modify: func(s *Settings) { s.Profiles[1].Name = s.Profiles[0].Name }, wantErr: true},
		{name: "missing active profile", modify: func(s *Settings) { s.ActiveProfile = "gone" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := sample()
			tt.modify(&s)
			err := s.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSettings)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUpsertAndActive(t *testing.T) {
	s := sample()
	require.Len(t, s.Profiles, 2)

	s.Upsert(Profile{Name: "local", Options: session.ConnectionOptions{BrokerURL: "mqtt://other:1883", BaseTopic: "x"}})
	require.Len(t, s.Profiles, 2)

	active, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, "mqtt://other:1883", active.Options.BrokerURL)

	s.ActiveProfile = ""
	_, ok = s.Active()
	assert.False(t, ok)
}

func runStoreTests(t *testing.T, st Store) {
	ctx := context.Background()

	t.Run("defaults before first save", func(t *testing.T) {
		got, err := st.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, Defaults(), got)
	})

	t.Run("round trip", func(t *testing.T) {
		want := sample()
		require.NoError(t, st.Save(ctx, want))

		got, err := st.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("save replaces", func(t *testing.T) {
		want := Defaults()
		want.DefaultQoS = 2
		require.NoError(t, st.Save(ctx, want))

		got, err := st.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("invalid settings are not saved", func(t *testing.T) {
		bad := sample()
		bad.DefaultQoS = 7
		assert.ErrorIs(t, st.Save(ctx, bad), ErrInvalidSettings)

		got, err := st.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, byte(2), got.DefaultQoS)
	})
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	runStoreTests(t, NewFileStore(path, testLogger()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles: [unterminated"), 0o600))

	_, err := NewFileStore(path, testLogger()).Load(context.Background())
	assert.Error(t, err)
}

func TestFileStoreReadsHandWrittenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	doc := `
defaultQos: 1
profiles:
  - name: lab
    options:
      brokerUrl: mqtt://lab:1883
      baseTopic: lab/#
      enableSys: true
activeProfile: lab
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	got, err := NewFileStore(path, testLogger()).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(1), got.DefaultQoS)
	assert.Equal(t, 5000, got.PublishIntervalMs, "unset fields keep defaults")

	active, ok := got.Active()
	require.True(t, ok)
	assert.Equal(t, "lab/#", active.Options.BaseTopic)
	assert.True(t, active.Options.EnableSys)
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := config.NewConfig()
	cfg.SettingsFile = filepath.Join(t.TempDir(), "s.yaml")

	st, err := New(cfg, nil, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, st)

	cfg.SettingsBackend = "redis"
	_, err = New(cfg, nil, testLogger())
	assert.Error(t, err)

	cfg.SettingsBackend = "etcd"
	_, err = New(cfg, nil, testLogger())
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	if os.Getenv("EXPLORER_TEST_INTEGRATION") == "" {
		t.Skip("Integration test - set EXPLORER_TEST_INTEGRATION and EXPLORER_REDIS_* to run against Redis")
	}

	cfg := config.NewConfig()
	cfg.LoadFromEnv()
	client := redis.NewClient(cfg, testLogger())
	require.NoError(t, client.Ping(context.Background()))

	prefix := "explorer-test-" + uuid.NewString()[:8]
	st := NewRedisStore(client, prefix, testLogger())
	t.Cleanup(func() {
		_ = client.Del(context.Background(), st.key)
	})

	runStoreTests(t, st)
}
