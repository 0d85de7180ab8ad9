package mqtt

import (
	"context"
	"time"
)

// Client represents an MQTT client interface for testing and abstraction
type Client interface {
	// Connect starts connecting to the broker. It returns once the first
	// attempt has been dispatched; the outcome is reported via Options callbacks
	// and the returned channel, which yields at most one error.
	Connect(ctx context.Context) <-chan error

	// Disconnect closes the connection, waiting up to quiesce for in-flight work.
	// A zero quiesce force-closes the connection.
	Disconnect(quiesce time.Duration)

	// Subscribe subscribes to a topic with the given QoS and handler.
	// A nil handler delivers to Options.OnMessage.
	Subscribe(topic string, qos byte, handler MessageHandler) error

	// Unsubscribe removes a subscription
	Unsubscribe(topic string) error

	// Publish publishes a message to a topic
	Publish(topic string, qos byte, retained bool, payload []byte) error

	// IsConnected returns whether the client is currently connected
	IsConnected() bool
}

// Factory creates a Client for the given options
type Factory func(opts Options) Client

// Options describes a single broker connection
type Options struct {
	BrokerURL       string
	ClientID        string
	Username        string
	Password        string
	CleanSession    bool
	ReconnectPeriod time.Duration
	ConnectTimeout  time.Duration

	// Lifecycle callbacks, invoked from client goroutines
	OnConnect        func()
	OnReconnecting   func()
	OnConnectionLost func(err error)
	OnMessage        MessageHandler
}

// MessageHandler is a callback function for handling incoming MQTT messages
type MessageHandler func(Message)

// Message represents an MQTT message
type Message interface {
	// Topic returns the topic the message was published to
	Topic() string

	// Payload returns the message payload
	Payload() []byte

	// Qos returns the delivery QoS
	Qos() byte

	// Retained reports whether the broker delivered a retained message
	Retained() bool

	// Ack acknowledges the message (for QoS > 0)
	Ack()
}
