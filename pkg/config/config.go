package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config holds the configuration for the explorer bridge and session client
type Config struct {
	// Service configuration
	ServiceName string
	LogLevel    string

	// Bridge configuration
	BridgePort            int
	BridgeMaxConnections  int
	MQTTReconnectPeriodMs int
	MQTTConnectTimeoutSec int
	BridgeWriteTimeoutSec int

	// Session client configuration
	BridgeURL            string
	ReconnectIntervalMs  int
	ReconnectJitterMs    int
	ReconnectMaxAttempts int
	LiveBufferSize       int
	StoreWorkers         int
	MaxSyncAttempts      int
	APIPort              int

	// Message store configuration
	StoreBackend    string
	AllowStoreReset bool

	// Redis configuration
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Postgres configuration
	PostgresHost               string
	PostgresPort               int
	PostgresUser               string
	PostgresPassword           string
	PostgresDB                 string
	PostgresSSLMode            string
	PostgresMaxConnections     int
	PostgresMaxIdleConnections int
	PostgresConnMaxLifetime    time.Duration

	// Settings store configuration
	SettingsBackend string
	SettingsFile    string

	// Insight service configuration
	LLMEndpoint string
	LLMModel    string
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		ServiceName: "mqtt-explorer",
		LogLevel:    "info",

		BridgePort:            3000,
		BridgeMaxConnections:  64,
		MQTTReconnectPeriodMs: 5000,
		MQTTConnectTimeoutSec: 30,
		BridgeWriteTimeoutSec: 10,

		BridgeURL:            "ws://localhost:3000/ws",
		ReconnectIntervalMs:  2000,
		ReconnectJitterMs:    500,
		ReconnectMaxAttempts: 10,
		LiveBufferSize:       100,
		StoreWorkers:         4,
		MaxSyncAttempts:      5,
		APIPort:              3001,

		StoreBackend:    "memory",
		AllowStoreReset: false,

		RedisHost:   "localhost",
		RedisPort:   6379,
		RedisDB:     0,
		RedisPrefix: "explorer",

		PostgresHost:               "localhost",
		PostgresPort:               5432,
		PostgresUser:               "explorer",
		PostgresDB:                 "explorer",
		PostgresSSLMode:            "disable",
		PostgresMaxConnections:     10,
		PostgresMaxIdleConnections: 5,
		PostgresConnMaxLifetime:    30 * time.Minute,

		SettingsBackend: "file",
		SettingsFile:    "explorer-settings.yaml",

		LLMEndpoint: "http://localhost:11434",
		LLMModel:    "llama3.2:3b",
	}
}

// LoadFromEnv loads configuration from environment variables with EXPLORER_ prefix
func (c *Config) LoadFromEnv() {
	// Service configuration
	if v := os.Getenv("EXPLORER_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("EXPLORER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	// Bridge configuration
	envInt("EXPLORER_BRIDGE_PORT", &c.BridgePort)
	envInt("EXPLORER_BRIDGE_MAX_CONNECTIONS", &c.BridgeMaxConnections)
	envInt("EXPLORER_MQTT_RECONNECT_PERIOD_MS", &c.MQTTReconnectPeriodMs)
	envInt("EXPLORER_MQTT_CONNECT_TIMEOUT_SEC", &c.MQTTConnectTimeoutSec)
	envInt("EXPLORER_BRIDGE_WRITE_TIMEOUT_SEC", &c.BridgeWriteTimeoutSec)

	// Session client configuration
	if v := os.Getenv("EXPLORER_BRIDGE_URL"); v != "" {
		c.BridgeURL = v
	}
	envInt("EXPLORER_RECONNECT_INTERVAL_MS", &c.ReconnectIntervalMs)
	envInt("EXPLORER_RECONNECT_JITTER_MS", &c.ReconnectJitterMs)
	envInt("EXPLORER_RECONNECT_MAX_ATTEMPTS", &c.ReconnectMaxAttempts)
	envInt("EXPLORER_LIVE_BUFFER_SIZE", &c.LiveBufferSize)
	envInt("EXPLORER_STORE_WORKERS", &c.StoreWorkers)
	envInt("EXPLORER_MAX_SYNC_ATTEMPTS", &c.MaxSyncAttempts)
	envInt("EXPLORER_API_PORT", &c.APIPort)

	// Message store configuration
	if v := os.Getenv("EXPLORER_STORE_BACKEND"); v != "" {
		c.StoreBackend = v
	}
	if v := os.Getenv("EXPLORER_ALLOW_STORE_RESET"); v != "" {
		if allow, err := strconv.ParseBool(v); err == nil {
			c.AllowStoreReset = allow
		}
	}

	// Redis configuration
	if v := os.Getenv("EXPLORER_REDIS_HOST"); v != "" {
		c.RedisHost = v
	}
	envInt("EXPLORER_REDIS_PORT", &c.RedisPort)
	if v := os.Getenv("EXPLORER_REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	envInt("EXPLORER_REDIS_DB", &c.RedisDB)
	if v := os.Getenv("EXPLORER_REDIS_PREFIX"); v != "" {
		c.RedisPrefix = v
	}

	// Postgres configuration
	if v := os.Getenv("EXPLORER_POSTGRES_HOST"); v != "" {
		c.PostgresHost = v
	}
	envInt("EXPLORER_POSTGRES_PORT", &c.PostgresPort)
	if v := os.Getenv("EXPLORER_POSTGRES_USER"); v != "" {
		c.PostgresUser = v
	}
	if v := os.Getenv("EXPLORER_POSTGRES_PASSWORD"); v != "" {
		c.PostgresPassword = v
	}
	if v := os.Getenv("EXPLORER_POSTGRES_DB"); v != "" {
		c.PostgresDB = v
	}
	if v := os.Getenv("EXPLORER_POSTGRES_SSLMODE"); v != "" {
		c.PostgresSSLMode = v
	}
	envInt("EXPLORER_POSTGRES_MAX_CONNECTIONS", &c.PostgresMaxConnections)
	envInt("EXPLORER_POSTGRES_MAX_IDLE_CONNECTIONS", &c.PostgresMaxIdleConnections)
	if v := os.Getenv("EXPLORER_POSTGRES_CONN_MAX_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PostgresConnMaxLifetime = d
		}
	}

	// Settings store configuration
	if v := os.Getenv("EXPLORER_SETTINGS_BACKEND"); v != "" {
		c.SettingsBackend = v
	}
	if v := os.Getenv("EXPLORER_SETTINGS_FILE"); v != "" {
		c.SettingsFile = v
	}

	// Insight service configuration
	if v := os.Getenv("EXPLORER_LLM_ENDPOINT"); v != "" {
		c.LLMEndpoint = v
	}
	if v := os.Getenv("EXPLORER_LLM_MODEL"); v != "" {
		c.LLMModel = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// RegisterFlags binds config fields to the given flag set
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	// Service flags
	fs.StringVar(&c.ServiceName, "service-name", c.ServiceName, "Service name")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")

	// Bridge flags
	fs.IntVar(&c.BridgePort, "bridge-port", c.BridgePort, "Bridge HTTP/WebSocket port")
	fs.IntVar(&c.BridgeMaxConnections, "bridge-max-connections", c.BridgeMaxConnections, "Maximum concurrent WebSocket clients")
	fs.IntVar(&c.MQTTReconnectPeriodMs, "mqtt-reconnect-period-ms", c.MQTTReconnectPeriodMs, "Default broker reconnect period (ms)")
	fs.IntVar(&c.MQTTConnectTimeoutSec, "mqtt-connect-timeout", c.MQTTConnectTimeoutSec, "Broker connect timeout in seconds")
	fs.IntVar(&c.BridgeWriteTimeoutSec, "bridge-write-timeout", c.BridgeWriteTimeoutSec, "WebSocket write timeout in seconds")

	// Session client flags
	fs.StringVar(&c.BridgeURL, "bridge-url", c.BridgeURL, "Bridge WebSocket URL")
	fs.IntVar(&c.ReconnectIntervalMs, "reconnect-interval-ms", c.ReconnectIntervalMs, "Bridge reconnect interval (ms)")
	fs.IntVar(&c.ReconnectJitterMs, "reconnect-jitter-ms", c.ReconnectJitterMs, "Maximum random jitter added to the reconnect interval (ms)")
	fs.IntVar(&c.ReconnectMaxAttempts, "reconnect-max-attempts", c.ReconnectMaxAttempts, "Bridge reconnect attempts before giving up (0 = unlimited)")
	fs.IntVar(&c.LiveBufferSize, "live-buffer-size", c.LiveBufferSize, "Number of recent messages kept in memory")
	fs.IntVar(&c.StoreWorkers, "store-workers", c.StoreWorkers, "Concurrent message store writers")
	fs.IntVar(&c.MaxSyncAttempts, "max-sync-attempts", c.MaxSyncAttempts, "Delivery attempts for messages queued while offline")
	fs.IntVar(&c.APIPort, "api-port", c.APIPort, "Explorer HTTP API port")

	// Store flags
	fs.StringVar(&c.StoreBackend, "store", c.StoreBackend, "Message store backend (memory, redis, postgres)")
	fs.BoolVar(&c.AllowStoreReset, "allow-store-reset", c.AllowStoreReset, "Wipe the message store when its schema version cannot be upgraded")

	// Redis flags
	fs.StringVar(&c.RedisHost, "redis-host", c.RedisHost, "Redis hostname")
	fs.IntVar(&c.RedisPort, "redis-port", c.RedisPort, "Redis port")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "Redis database number")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", c.RedisPrefix, "Redis key prefix")

	// Postgres flags
	fs.StringVar(&c.PostgresHost, "postgres-host", c.PostgresHost, "Postgres hostname")
	fs.IntVar(&c.PostgresPort, "postgres-port", c.PostgresPort, "Postgres port")
	fs.StringVar(&c.PostgresUser, "postgres-user", c.PostgresUser, "Postgres user")
	fs.StringVar(&c.PostgresPassword, "postgres-password", c.PostgresPassword, "Postgres password")
	fs.StringVar(&c.PostgresDB, "postgres-db", c.PostgresDB, "Postgres database")
	fs.StringVar(&c.PostgresSSLMode, "postgres-sslmode", c.PostgresSSLMode, "Postgres sslmode")

	// Settings flags
	fs.StringVar(&c.SettingsBackend, "settings", c.SettingsBackend, "Settings backend (file, redis)")
	fs.StringVar(&c.SettingsFile, "settings-file", c.SettingsFile, "Settings YAML file")

	// Insight flags
	fs.StringVar(&c.LLMEndpoint, "llm-endpoint", c.LLMEndpoint, "LLM API base URL")
	fs.StringVar(&c.LLMModel, "llm-model", c.LLMModel, "LLM model name")
}

// LoadFromFlags parses command-line flags and overrides config values
func (c *Config) LoadFromFlags() {
	c.RegisterFlags(pflag.CommandLine)
	pflag.Parse()
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.BridgePort <= 0 || c.BridgePort > 65535 {
		return fmt.Errorf("bridge port must be between 1 and 65535")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API port must be between 1 and 65535")
	}
	if c.BridgeMaxConnections <= 0 {
		return fmt.Errorf("bridge max connections must be positive")
	}
	if c.MQTTReconnectPeriodMs <= 0 {
		return fmt.Errorf("MQTT reconnect period must be positive")
	}
	if c.BridgeURL == "" {
		return fmt.Errorf("bridge URL is required")
	}
	if c.ReconnectIntervalMs <= 0 {
		return fmt.Errorf("reconnect interval must be positive")
	}
	if c.ReconnectJitterMs < 0 || c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("reconnect jitter and max attempts must not be negative")
	}
	if c.LiveBufferSize <= 0 {
		return fmt.Errorf("live buffer size must be positive")
	}
	if c.StoreWorkers <= 0 {
		return fmt.Errorf("store workers must be positive")
	}

	switch c.StoreBackend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("invalid store backend: %s (must be memory, redis, or postgres)", c.StoreBackend)
	}

	switch c.SettingsBackend {
	case "file", "redis":
	default:
		return fmt.Errorf("invalid settings backend: %s (must be file or redis)", c.SettingsBackend)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// RedisAddress returns the full Redis address
func (c *Config) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// PostgresConnectionString returns a lib/pq connection string
func (c *Config) PostgresConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s application_name=%s",
		dsnQuote(c.PostgresHost), c.PostgresPort, dsnQuote(c.PostgresUser), dsnQuote(c.PostgresPassword),
		dsnQuote(c.PostgresDB), dsnQuote(c.PostgresSSLMode), dsnQuote(c.ServiceName))
}

// dsnQuote quotes a key/value DSN value so empty values and spaces survive parsing
func dsnQuote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return "'" + strings.ReplaceAll(v, "'", `\'`) + "'"
}

// ReconnectInterval returns the session reconnect interval
func (c *Config) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMs) * time.Millisecond
}

// ReconnectJitter returns the maximum session reconnect jitter
func (c *Config) ReconnectJitter() time.Duration {
	return time.Duration(c.ReconnectJitterMs) * time.Millisecond
}
