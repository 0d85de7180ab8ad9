package session

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/saaga0h/mqtt-explorer/internal/publisher"
	"github.com/saaga0h/mqtt-explorer/pkg/config"
	"github.com/saaga0h/mqtt-explorer/pkg/payload"
)

var (
	// ErrNotConnected is returned for operations that need a live broker session
	ErrNotConnected = errors.New("not connected to a broker")

	// ErrInvalidOptions is returned when connection options fail validation
	ErrInvalidOptions = errors.New("invalid connection options")

	// ErrInvalidPayload is returned by PublishJSON for malformed JSON
	ErrInvalidPayload = errors.New("payload is not valid JSON")

	// ErrInvalidTopic is returned for empty publish topics or ones with wildcards
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrReconnectExhausted ends a session whose transport could not be restored
	ErrReconnectExhausted = errors.New("bridge reconnect attempts exhausted")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("session client closed")
)

// Status is the connection state shown to users
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// DefaultPublishInterval applies when a publish mode is set without an interval
const DefaultPublishInterval = 5 * time.Second

// SysTopics are subscribed at QoS 0 when $SYS monitoring is enabled
var SysTopics = []string{
	"$SYS/broker/version",
	"$SYS/broker/uptime",
	"$SYS/broker/clients/connected",
	"$SYS/broker/clients/total",
	"$SYS/broker/messages/received",
	"$SYS/broker/messages/sent",
	"$SYS/broker/bytes/received",
	"$SYS/broker/bytes/sent",
	"$SYS/broker/subscriptions/count",
	"$SYS/broker/load/messages/received/1min",
	"$SYS/broker/load/messages/sent/1min",
}

// ConnectionOptions describe one connection attempt
type ConnectionOptions struct {
	BrokerURL         string `json:"brokerUrl" yaml:"brokerUrl" validate:"required,url"`
	BaseTopic         string `json:"baseTopic" yaml:"baseTopic" validate:"required,max=65535"`
	Username          string `json:"username,omitempty" yaml:"username,omitempty"`
	Password          string `json:"password,omitempty" yaml:"password,omitempty"`
	ClientID          string `json:"clientId,omitempty" yaml:"clientId,omitempty" validate:"omitempty,max=128"`
	Clean             *bool  `json:"clean,omitempty" yaml:"clean,omitempty"`
	QoS               byte   `json:"qos" yaml:"qos" validate:"lte=2"`
	Retain            bool   `json:"retain" yaml:"retain"`
	EnableSys         bool   `json:"enableSys" yaml:"enableSys"`
	ReconnectPeriodMs int    `json:"reconnectPeriod,omitempty" yaml:"reconnectPeriod,omitempty" validate:"gte=0"`

	PublishMode       string `json:"publishMode,omitempty" yaml:"publishMode,omitempty" validate:"omitempty,oneof=none auto manual"`
	PublishIntervalMs int    `json:"publishInterval,omitempty" yaml:"publishInterval,omitempty" validate:"gte=0"`
	ManualPayload     string `json:"manualPayload,omitempty" yaml:"manualPayload,omitempty"`
}

var validate = validator.New()

// Validate checks the options before any network call
func (o ConnectionOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidOptions, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if o.PublishMode == publisher.ModeManual && !payload.Valid(o.ManualPayload) {
		return fmt.Errorf("%w: manual payload is not valid JSON", ErrInvalidOptions)
	}
	return nil
}

// CleanSession returns the clean-session flag, defaulting to true
func (o ConnectionOptions) CleanSession() bool {
	return o.Clean == nil || *o.Clean
}

// PublishInterval returns the publish loop interval
func (o ConnectionOptions) PublishInterval() time.Duration {
	if o.PublishIntervalMs <= 0 {
		return DefaultPublishInterval
	}
	return time.Duration(o.PublishIntervalMs) * time.Millisecond
}

// redacted returns a copy safe to show in status output
func (o ConnectionOptions) redacted() *ConnectionOptions {
	if o.Password != "" {
		o.Password = "********"
	}
	return &o
}

// PublishOptions apply to a single publish
type PublishOptions struct {
	QoS    byte `json:"qos"`
	Retain bool `json:"retain"`
}

// Delivery reports what Publish did with a message
type Delivery string

const (
	DeliverySent   Delivery = "sent"
	DeliveryQueued Delivery = "queued"
)

// ReconnectPolicy governs re-dialing the bridge after transport loss.
// MaxAttempts of zero retries forever.
type ReconnectPolicy struct {
	Interval    time.Duration
	Jitter      time.Duration
	MaxAttempts int
}

// Delay returns the wait before the next attempt; r is uniform in [0,1)
func (p ReconnectPolicy) Delay(r float64) time.Duration {
	return p.Interval + time.Duration(r*float64(p.Jitter))
}

// Exhausted reports whether attempt is past the limit
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Config tunes a Client
type Config struct {
	BridgeURL       string
	Reconnect       ReconnectPolicy
	DialTimeout     time.Duration
	MaxSyncAttempts int
	StoreWorkers    int

	// Rand supplies reconnect jitter; defaults to math/rand
	Rand func() float64
}

// ConfigFrom maps service configuration onto the client
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		BridgeURL: cfg.BridgeURL,
		Reconnect: ReconnectPolicy{
			Interval:    cfg.ReconnectInterval(),
			Jitter:      cfg.ReconnectJitter(),
			MaxAttempts: cfg.ReconnectMaxAttempts,
		},
		DialTimeout:     10 * time.Second,
		MaxSyncAttempts: cfg.MaxSyncAttempts,
		StoreWorkers:    cfg.StoreWorkers,
	}
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MaxSyncAttempts <= 0 {
		c.MaxSyncAttempts = 5
	}
	if c.StoreWorkers <= 0 {
		c.StoreWorkers = 4
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
}
