// Package protocol defines the JSON frames exchanged between the session
// client and the bridge over a WebSocket. Every frame is a single JSON object
// with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Control frame types (client -> bridge)
const (
	TypeConnect     = "connect"
	TypeDisconnect  = "disconnect"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
)

// Event frame types (bridge -> client)
const (
	TypeInfo             = "info"
	TypeError            = "error"
	TypeMQTTConnected    = "mqtt-connected"
	TypeMQTTReconnecting = "mqtt-reconnecting"
	TypeMQTTOffline      = "mqtt-offline"
	TypeMQTTDisconnected = "mqtt-disconnected"
	TypeMQTTError        = "mqtt-error"
	TypeMQTTMessage      = "mqtt-message"
	TypeMQTTSubscribed   = "mqtt-subscribed"
	TypeMQTTUnsubscribed = "mqtt-unsubscribed"
	TypeMQTTPublished    = "mqtt-published"
)

// ErrMalformedFrame is returned when a frame cannot be decoded or validated
var ErrMalformedFrame = errors.New("malformed frame")

// ControlFrame is the union of all client -> bridge frames. Fields that do
// not apply to a given type are left zero.
type ControlFrame struct {
	Type string `json:"type" validate:"required,oneof=connect disconnect subscribe unsubscribe publish"`

	// connect
	BrokerURL       string `json:"brokerUrl,omitempty"`
	ClientID        string `json:"clientId,omitempty" validate:"omitempty,max=128"`
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`
	Clean           *bool  `json:"clean,omitempty"`
	ReconnectPeriod int    `json:"reconnectPeriod,omitempty" validate:"gte=0"`
	Attempt         uint64 `json:"attempt,omitempty"`

	// subscribe, unsubscribe, publish
	Topic string `json:"topic,omitempty"`
	QoS   *byte  `json:"qos,omitempty" validate:"omitempty,lte=2"`

	// publish
	Message string `json:"message,omitempty"`
	Retain  bool   `json:"retain,omitempty"`
}

// QoSOrDefault returns the frame QoS, or def when the frame carries none
func (f *ControlFrame) QoSOrDefault(def byte) byte {
	if f.QoS == nil {
		return def
	}
	return *f.QoS
}

// CleanOrDefault returns the clean-session flag, defaulting to true
func (f *ControlFrame) CleanOrDefault() bool {
	if f.Clean == nil {
		return true
	}
	return *f.Clean
}

// EventFrame is the union of all bridge -> client frames
type EventFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	// Op names the control frame an error or mqtt-error answers; empty for
	// connection-level errors
	Op        string `json:"op,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Payload   string `json:"payload,omitempty"`
	QoS       *byte  `json:"qos,omitempty"`
	Retain    bool   `json:"retain,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Attempt   uint64 `json:"attempt,omitempty"`
}

// MarshalJSON writes payload, qos and retain on every mqtt-message frame,
// including empty retained-clear payloads
func (f EventFrame) MarshalJSON() ([]byte, error) {
	type plain EventFrame
	if f.Type != TypeMQTTMessage {
		return json.Marshal(plain(f))
	}

	var qos byte
	if f.QoS != nil {
		qos = *f.QoS
	}
	return json.Marshal(struct {
		plain
		Payload string `json:"payload"`
		QoS     byte   `json:"qos"`
		Retain  bool   `json:"retain"`
	}{plain(f), f.Payload, qos, f.Retain})
}

var validate = validator.New()

// DecodeControl parses and validates a control frame
func DecodeControl(data []byte) (*ControlFrame, error) {
	var frame ControlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedFrame, err)
	}
	if err := validate.Struct(&frame); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, describeValidation(err))
	}

	var field, rule, value string
	switch frame.Type {
	case TypeConnect:
		field, rule, value = "brokerUrl", "required,url", frame.BrokerURL
	case TypeSubscribe, TypeUnsubscribe:
		field, rule, value = "topic", "required,max=65535", frame.Topic
	case TypePublish:
		// wildcards are only valid in subscriptions
		field, rule, value = "topic", "required,max=65535,excludesall=+#", frame.Topic
	}
	if rule != "" {
		if err := validate.Var(value, rule); err != nil {
			return nil, fmt.Errorf("%w: %s %s", ErrMalformedFrame, field, describeValidation(err))
		}
	}
	return &frame, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Field() == "" {
			parts = append(parts, "failed "+fe.Tag())
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// QoS returns a pointer to q for frame construction
func QoS(q byte) *byte {
	return &q
}

// Connect builds a connect control frame
func Connect(brokerURL, clientID, username, password string, clean bool, reconnectPeriod int, attempt uint64) ControlFrame {
	return ControlFrame{
		Type:            TypeConnect,
		BrokerURL:       brokerURL,
		ClientID:        clientID,
		Username:        username,
		Password:        password,
		Clean:           &clean,
		ReconnectPeriod: reconnectPeriod,
		Attempt:         attempt,
	}
}

// Subscribe builds a subscribe control frame
func Subscribe(topic string, qos byte) ControlFrame {
	return ControlFrame{Type: TypeSubscribe, Topic: topic, QoS: QoS(qos)}
}

// Unsubscribe builds an unsubscribe control frame
func Unsubscribe(topic string) ControlFrame {
	return ControlFrame{Type: TypeUnsubscribe, Topic: topic}
}

// Publish builds a publish control frame
func Publish(topic, message string, qos byte, retain bool) ControlFrame {
	return ControlFrame{Type: TypePublish, Topic: topic, Message: message, QoS: QoS(qos), Retain: retain}
}

// Disconnect builds a disconnect control frame
func Disconnect() ControlFrame {
	return ControlFrame{Type: TypeDisconnect}
}
