package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// operationTimeout bounds subscribe, unsubscribe and publish round trips
const operationTimeout = 10 * time.Second

// mqttClient implements the Client interface using the Paho MQTT client
type mqttClient struct {
	client pahomqtt.Client
	opts   Options
	logger *slog.Logger
}

// NewFactory returns a Factory producing Paho-backed clients
func NewFactory(logger *slog.Logger) Factory {
	return func(opts Options) Client {
		return NewClient(opts, logger)
	}
}

// NewClient creates a new MQTT client with the given options
func NewClient(o Options, logger *slog.Logger) Client {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(o.BrokerURL)

	// Set client ID (auto-generate if not provided)
	if o.ClientID != "" {
		opts.SetClientID(o.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("explorer-%d", time.Now().UnixNano()))
	}

	// Set credentials if provided
	if o.Username != "" {
		opts.SetUsername(o.Username)
	}
	if o.Password != "" {
		opts.SetPassword(o.Password)
	}

	reconnect := o.ReconnectPeriod
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}

	// The first attempt fails fast so bad credentials surface as an error;
	// once connected, lost connections are retried by paho itself.
	// Subscriptions are re-issued by the session client, not resumed here.
	opts.SetCleanSession(o.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	// paho backs off from 1s, doubling up to this cap
	opts.SetMaxReconnectInterval(reconnect)
	opts.SetResumeSubs(false)
	opts.SetOrderMatters(true)
	if o.ConnectTimeout > 0 {
		opts.SetConnectTimeout(o.ConnectTimeout)
	}

	if o.OnMessage != nil {
		opts.SetDefaultPublishHandler(func(c pahomqtt.Client, msg pahomqtt.Message) {
			o.OnMessage(&mqttMessage{msg: msg})
		})
	}

	// Connection handlers
	opts.OnConnect = func(c pahomqtt.Client) {
		logger.Info("Connected to MQTT broker", "broker", o.BrokerURL)
		if o.OnConnect != nil {
			o.OnConnect()
		}
	}

	opts.OnConnectionLost = func(c pahomqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "broker", o.BrokerURL, "error", err)
		if o.OnConnectionLost != nil {
			o.OnConnectionLost(err)
		}
	}

	opts.OnReconnecting = func(c pahomqtt.Client, opts *pahomqtt.ClientOptions) {
		logger.Info("MQTT reconnecting...", "broker", o.BrokerURL)
		if o.OnReconnecting != nil {
			o.OnReconnecting()
		}
	}

	return &mqttClient{
		client: pahomqtt.NewClient(opts),
		opts:   o,
		logger: logger,
	}
}

// Connect establishes a connection to the MQTT broker in the background
func (m *mqttClient) Connect(ctx context.Context) <-chan error {
	m.logger.Info("Connecting to MQTT broker", "broker", m.opts.BrokerURL)

	result := make(chan error, 1)
	token := m.client.Connect()

	go func() {
		defer close(result)
		select {
		case <-token.Done():
			if token.Error() != nil {
				result <- fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
			}
		case <-ctx.Done():
			result <- fmt.Errorf("connection cancelled: %w", ctx.Err())
		}
	}()

	return result
}

// Disconnect closes the connection to the MQTT broker
func (m *mqttClient) Disconnect(quiesce time.Duration) {
	m.logger.Info("Disconnecting from MQTT broker", "broker", m.opts.BrokerURL, "quiesce", quiesce)
	m.client.Disconnect(uint(quiesce.Milliseconds()))
}

// Subscribe subscribes to a topic with the given QoS and handler
func (m *mqttClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	m.logger.Info("Subscribing to MQTT topic", "topic", topic, "qos", qos)

	// A nil handler routes the topic to Options.OnMessage, so overlapping
	// subscriptions deliver each message once
	var pahoHandler pahomqtt.MessageHandler
	if handler != nil {
		pahoHandler = func(client pahomqtt.Client, msg pahomqtt.Message) {
			handler(&mqttMessage{msg: msg})
		}
	}

	token := m.client.Subscribe(topic, qos, pahoHandler)
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("timed out subscribing to topic %s", topic)
	}

	if token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	m.logger.Info("Successfully subscribed to topic", "topic", topic)
	return nil
}

// Unsubscribe removes a topic subscription
func (m *mqttClient) Unsubscribe(topic string) error {
	token := m.client.Unsubscribe(topic)
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("timed out unsubscribing from topic %s", topic)
	}

	if token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe from topic %s: %w", topic, token.Error())
	}

	m.logger.Info("Unsubscribed from topic", "topic", topic)
	return nil
}

// Publish publishes a message to a topic
func (m *mqttClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := m.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("timed out publishing to topic %s", topic)
	}

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	m.logger.Debug("Published message", "topic", topic, "size", len(payload))
	return nil
}

// IsConnected returns whether the client is currently connected
func (m *mqttClient) IsConnected() bool {
	return m.client.IsConnected()
}

// mqttMessage wraps a Paho MQTT message to implement our Message interface
type mqttMessage struct {
	msg pahomqtt.Message
}

func (m *mqttMessage) Topic() string {
	return m.msg.Topic()
}

func (m *mqttMessage) Payload() []byte {
	return m.msg.Payload()
}

func (m *mqttMessage) Qos() byte {
	return m.msg.Qos()
}

func (m *mqttMessage) Retained() bool {
	return m.msg.Retained()
}

func (m *mqttMessage) Ack() {
	m.msg.Ack()
}
