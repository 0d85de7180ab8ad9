package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/saaga0h/mqtt-explorer/pkg/mqtt"
	"github.com/saaga0h/mqtt-explorer/pkg/protocol"
)

// disconnectQuiesce is the grace period for a client-requested disconnect
const disconnectQuiesce = 250 * time.Millisecond

// connection serves one WebSocket client
type connection struct {
	id     string
	ws     *websocket.Conn
	bridge *Bridge
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	closed  atomic.Bool

	// gen is bumped on every connect; callbacks from older broker clients
	// compare against it and drop their events
	gen atomic.Uint64
}

func newConnection(id string, ws *websocket.Conn, b *Bridge) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		id:     id,
		ws:     ws,
		bridge: b,
		logger: b.logger.With("conn", id),
		ctx:    ctx,
		cancel: cancel,
	}
}

// serve runs the read loop until the WebSocket closes, then tears down the
// broker session so no MQTT connection outlives its WebSocket
func (c *connection) serve() {
	defer c.close()

	c.send(protocol.EventFrame{Type: protocol.TypeInfo, Message: "Connected to MQTT bridge"})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket connection error", "error", err)
			}
			return
		}

		frame, err := protocol.DecodeControl(data)
		if err != nil {
			c.logger.Warn("Invalid control frame", "error", err, "size", len(data))
			c.send(protocol.EventFrame{Type: protocol.TypeError, Message: err.Error()})
			continue
		}

		c.logger.Debug("Control frame received", "type", frame.Type, "topic", frame.Topic)
		c.handle(frame)
	}
}

func (c *connection) handle(frame *protocol.ControlFrame) {
	switch frame.Type {
	case protocol.TypeConnect:
		c.handleConnect(frame)
	case protocol.TypeDisconnect:
		c.handleDisconnect()
	case protocol.TypeSubscribe:
		c.handleSubscribe(frame)
	case protocol.TypeUnsubscribe:
		c.handleUnsubscribe(frame)
	case protocol.TypePublish:
		c.handlePublish(frame)
	}
}

func (c *connection) handleConnect(frame *protocol.ControlFrame) {
	gen := c.gen.Add(1)

	if prev := c.bridge.sessions.Remove(c.id); prev != nil {
		c.logger.Info("Force-closing previous MQTT client before reconnect", "generation", prev.gen)
		prev.client.Disconnect(0)
	}

	clientID := frame.ClientID
	if clientID == "" {
		clientID = "explorer-" + uuid.NewString()[:8]
	}

	attempt := frame.Attempt
	relay := func(f protocol.EventFrame) {
		c.relay(gen, f)
	}

	opts := mqtt.Options{
		BrokerURL:       frame.BrokerURL,
		ClientID:        clientID,
		Username:        frame.Username,
		Password:        frame.Password,
		CleanSession:    frame.CleanOrDefault(),
		ReconnectPeriod: c.bridge.reconnectPeriod(frame.ReconnectPeriod),
		ConnectTimeout:  time.Duration(c.bridge.cfg.MQTTConnectTimeoutSec) * time.Second,
		OnConnect: func() {
			relay(protocol.EventFrame{Type: protocol.TypeMQTTConnected, Attempt: attempt})
		},
		OnReconnecting: func() {
			relay(protocol.EventFrame{Type: protocol.TypeMQTTReconnecting, Attempt: attempt})
		},
		OnConnectionLost: func(err error) {
			relay(protocol.EventFrame{Type: protocol.TypeMQTTOffline, Attempt: attempt})
			relay(protocol.EventFrame{Type: protocol.TypeMQTTError, Error: err.Error(), Attempt: attempt})
		},
		OnMessage: func(msg mqtt.Message) {
			c.bridge.relayed.Add(1)
			relay(protocol.EventFrame{
				Type:      protocol.TypeMQTTMessage,
				Topic:     msg.Topic(),
				Payload:   string(msg.Payload()),
				QoS:       protocol.QoS(msg.Qos()),
				Retain:    msg.Retained(),
				Timestamp: time.Now().UnixMilli(),
			})
		},
	}

	sess := newBrokerSession(gen)
	sess.client = c.bridge.factory(opts)
	c.bridge.sessions.Put(c.id, sess)

	c.logger.Info("Connecting to broker", "broker", frame.BrokerURL, "client_id", clientID, "generation", gen)
	c.send(protocol.EventFrame{Type: protocol.TypeInfo, Message: fmt.Sprintf("Connecting to %s", frame.BrokerURL)})

	result := sess.client.Connect(c.ctx)
	go func() {
		for err := range result {
			// The first attempt failed: report it and drop the session so the
			// client can retry with corrected options
			relay(protocol.EventFrame{Type: protocol.TypeMQTTError, Error: err.Error(), Attempt: attempt})
			if !c.gen.CompareAndSwap(gen, gen+1) {
				continue
			}
			if c.bridge.sessions.RemoveIf(c.id, sess) {
				sess.client.Disconnect(0)
			}
			c.send(protocol.EventFrame{Type: protocol.TypeMQTTDisconnected, Attempt: attempt})
		}
	}()
}

func (c *connection) handleDisconnect() {
	c.gen.Add(1)
	if sess := c.bridge.sessions.Remove(c.id); sess != nil {
		sess.client.Disconnect(disconnectQuiesce)
	}
	c.send(protocol.EventFrame{Type: protocol.TypeMQTTDisconnected})
}

func (c *connection) handleSubscribe(frame *protocol.ControlFrame) {
	sess := c.current(frame)
	if sess == nil {
		return
	}

	qos := frame.QoSOrDefault(0)
	if err := sess.client.Subscribe(frame.Topic, qos, nil); err != nil {
		c.logger.Warn("Subscribe failed", "topic", frame.Topic, "error", err)
		c.send(protocol.EventFrame{Type: protocol.TypeMQTTError, Op: protocol.TypeSubscribe, Topic: frame.Topic, Error: err.Error()})
		return
	}

	sess.addTopic(frame.Topic, qos)
	c.send(protocol.EventFrame{Type: protocol.TypeMQTTSubscribed, Topic: frame.Topic, QoS: protocol.QoS(qos)})
}

func (c *connection) handleUnsubscribe(frame *protocol.ControlFrame) {
	sess := c.current(frame)
	if sess == nil {
		return
	}

	if err := sess.client.Unsubscribe(frame.Topic); err != nil {
		c.logger.Warn("Unsubscribe failed", "topic", frame.Topic, "error", err)
		c.send(protocol.EventFrame{Type: protocol.TypeMQTTError, Op: protocol.TypeUnsubscribe, Topic: frame.Topic, Error: err.Error()})
		return
	}

	sess.removeTopic(frame.Topic)
	c.send(protocol.EventFrame{Type: protocol.TypeMQTTUnsubscribed, Topic: frame.Topic})
}

func (c *connection) handlePublish(frame *protocol.ControlFrame) {
	sess := c.current(frame)
	if sess == nil {
		return
	}

	qos := frame.QoSOrDefault(0)
	if err := sess.client.Publish(frame.Topic, qos, frame.Retain, []byte(frame.Message)); err != nil {
		c.logger.Warn("Publish failed", "topic", frame.Topic, "error", err)
		c.send(protocol.EventFrame{Type: protocol.TypeMQTTError, Op: protocol.TypePublish, Topic: frame.Topic, Error: err.Error()})
		return
	}

	c.send(protocol.EventFrame{Type: protocol.TypeMQTTPublished, Topic: frame.Topic, Timestamp: time.Now().UnixMilli()})
}

// current returns the live broker session, reporting an error frame if there is none
func (c *connection) current(frame *protocol.ControlFrame) *brokerSession {
	sess := c.bridge.sessions.Get(c.id)
	if sess == nil {
		c.send(protocol.EventFrame{Type: protocol.TypeError, Op: frame.Type, Topic: frame.Topic, Message: "not connected to a broker"})
	}
	return sess
}

// relay forwards a broker event if it belongs to the current generation
func (c *connection) relay(gen uint64, frame protocol.EventFrame) {
	if gen != c.gen.Load() {
		c.logger.Debug("Dropping stale broker event", "type", frame.Type, "generation", gen)
		return
	}
	c.send(frame)
}

// send writes a frame if the WebSocket is still open. Writes are serialized
// because broker callbacks run on their own goroutines.
func (c *connection) send(frame protocol.EventFrame) {
	if c.closed.Load() {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.bridge.writeTimeout()))
	if err := c.ws.WriteJSON(frame); err != nil {
		c.logger.Debug("Failed to write frame", "type", frame.Type, "error", err)
	}
}

func (c *connection) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()

	if sess := c.bridge.sessions.Remove(c.id); sess != nil {
		c.logger.Info("Ending MQTT client for closed WebSocket", "generation", sess.gen)
		sess.client.Disconnect(0)
	}

	c.writeMu.Lock()
	c.ws.Close()
	c.writeMu.Unlock()
}
