package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "mqtt-explorer", cfg.ServiceName)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("EXPLORER_LOG_LEVEL", "debug")
	t.Setenv("EXPLORER_BRIDGE_PORT", "9100")
	t.Setenv("EXPLORER_BRIDGE_MAX_CONNECTIONS", "not-a-number")

	cfg := NewConfig()
	maxConns := cfg.BridgeMaxConnections
	cfg.LoadFromEnv()

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9100, cfg.BridgePort)
	assert.Equal(t, maxConns, cfg.BridgeMaxConnections, "unparsable values keep the default")
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("EXPLORER_STORE_BACKEND", "redis")

	cfg := NewConfig()
	cfg.LoadFromEnv()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--store", "postgres", "--api-port", "9200"}))

	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, 9200, cfg.APIPort)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty service name", func(c *Config) { c.ServiceName = "" }},
		{"bridge port out of range", func(c *Config) { c.BridgePort = 70000 }},
		{"zero max connections", func(c *Config) { c.BridgeMaxConnections = 0 }},
		{"negative jitter", func(c *Config) { c.ReconnectJitterMs = -1 }},
		{"zero live buffer", func(c *Config) { c.LiveBufferSize = 0 }},
		{"unknown store", func(c *Config) { c.StoreBackend = "sqlite" }},
		{"unknown settings backend", func(c *Config) { c.SettingsBackend = "etcd" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "trace" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPostgresConnectionStringQuotesValues(t *testing.T) {
	cfg := NewConfig()
	cfg.PostgresHost = "db"
	cfg.PostgresPort = 5433
	cfg.PostgresUser = "explorer"
	cfg.PostgresPassword = ""
	cfg.PostgresDB = "my db"
	cfg.PostgresSSLMode = "disable"

	assert.Equal(t,
		`host='db' port=5433 user='explorer' password='' dbname='my db' sslmode='disable' application_name='mqtt-explorer'`,
		cfg.PostgresConnectionString())

	assert.Equal(t, `'it\'s \\ here'`, dsnQuote(`it's \ here`))
}
