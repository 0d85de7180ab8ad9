package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/mqtt-explorer/pkg/config"
	"github.com/saaga0h/mqtt-explorer/pkg/health"
	"github.com/saaga0h/mqtt-explorer/pkg/mqtt"
	"github.com/saaga0h/mqtt-explorer/pkg/protocol"
)

type fakeMessage struct {
	topic   string
	payload []byte
	qos     byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }
func (m fakeMessage) Qos() byte       { return m.qos }
func (m fakeMessage) Retained() bool  { return false }
func (m fakeMessage) Ack()            {}

// fakeClient stands in for a paho client
type fakeClient struct {
	opts       mqtt.Options
	connectErr error
	failTopic  string

	mu         sync.Mutex
	connected  bool
	ended      bool
	quiesce    time.Duration
	subscribed map[string]byte
	published  []string
}

func (c *fakeClient) Connect(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	if c.connectErr != nil {
		ch <- c.connectErr
	}
	close(ch)
	return ch
}

func (c *fakeClient) Disconnect(quiesce time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = true
	c.connected = false
	c.quiesce = quiesce
}

func (c *fakeClient) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	if topic == c.failTopic {
		return errors.New("subscription refused")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[topic] = qos
	return nil
}

func (c *fakeClient) Unsubscribe(topic string) error {
	if topic == c.failTopic {
		return errors.New("unsubscribe refused")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribed, topic)
	return nil
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if topic == c.failTopic {
		return errors.New("publish refused")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, string(payload))
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) isEnded() (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended, c.quiesce
}

// brokerConnected simulates the broker accepting the connection
func (c *fakeClient) brokerConnected() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.opts.OnConnect()
}

type fakeFactory struct {
	mu         sync.Mutex
	clients    []*fakeClient
	connectErr error
	failTopic  string
}

func (f *fakeFactory) build(opts mqtt.Options) mqtt.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeClient{
		opts:       opts,
		connectErr: f.connectErr,
		failTopic:  f.failTopic,
		subscribed: make(map[string]byte),
	}
	f.clients = append(f.clients, c)
	return c
}

func (f *fakeFactory) failWith(connectErr error, topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = connectErr
	f.failTopic = topic
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[i]
}

type testBridge struct {
	bridge  *Bridge
	factory *fakeFactory
	server  *httptest.Server
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()

	cfg := config.NewConfig()
	cfg.BridgeMaxConnections = 2
	factory := &fakeFactory{}
	b := New(cfg, factory.build, slog.New(slog.NewTextHandler(io.Discard, nil)))

	srv := httptest.NewServer(b.Routes())
	t.Cleanup(func() {
		srv.Close()
		b.Shutdown()
	})
	return &testBridge{bridge: b, factory: factory, server: srv}
}

// dial opens a WebSocket and consumes the greeting
func (tb *testBridge) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws := tb.dialRaw(t)
	greeting := readFrame(t, ws)
	require.Equal(t, protocol.TypeInfo, greeting.Type)
	assert.Equal(t, "Connected to MQTT bridge", greeting.Message)
	return ws
}

func (tb *testBridge) dialRaw(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tb.server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.EventFrame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.EventFrame
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

// readUntil skips info frames and returns the next frame of another type
func readUntil(t *testing.T, ws *websocket.Conn) protocol.EventFrame {
	t.Helper()
	for {
		frame := readFrame(t, ws)
		if frame.Type != protocol.TypeInfo {
			return frame
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, frame any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(frame))
}

// connect sends a connect frame and waits for the factory to build a client
func (tb *testBridge) connect(t *testing.T, ws *websocket.Conn, broker string, attempt uint64) *fakeClient {
	t.Helper()
	before := tb.factory.count()
	send(t, ws, protocol.Connect(broker, "", "", "", true, 0, attempt))

	info := readFrame(t, ws)
	require.Equal(t, protocol.TypeInfo, info.Type)
	assert.Equal(t, "Connecting to "+broker, info.Message)

	require.Equal(t, before+1, tb.factory.count())
	return tb.factory.client(before)
}

func TestConnectRelaysLifecycle(t *testing.T) {
	tb := newTestBridge(t)
	ws := tb.dial(t)

	client := tb.connect(t, ws, "mqtt://broker.test:1883", 7)
	assert.Equal(t, "mqtt://broker.test:1883", client.opts.BrokerURL)
	assert.True(t, strings.HasPrefix(client.opts.ClientID, "explorer-"))
	assert.True(t, client.opts.CleanSession)
	assert.Equal(t, 5*time.Second, client.opts.ReconnectPeriod)

	client.brokerConnected()
	frame := readUntil(t, ws)
	assert.Equal(t, protocol.TypeMQTTConnected, frame.Type)
	assert.Equal(t, uint64(7), frame.Attempt)

	client.opts.OnReconnecting()
	frame = readUntil(t, ws)
	assert.Equal(t, protocol.TypeMQTTReconnecting, frame.Type)

	client.opts.OnConnectionLost(errors.New("EOF"))
	assert.Equal(t, protocol.TypeMQTTOffline, readUntil(t, ws).Type)
	frame = readUntil(t, ws)
	assert.Equal(t, protocol.TypeMQTTError, frame.Type)
	assert.Equal(t, "EOF", frame.Error)
	assert.Equal(t, uint64(7), frame.Attempt)
}

func TestSubscribePublishAndMessages(t *testing.T) {
	tb := newTestBridge(t)
	ws := tb.dial(t)
	client := tb.connect(t, ws, "mqtt://broker.test:1883", 1)
	client.brokerConnected()
	readUntil(t, ws)

	send(t, ws, protocol.Subscribe("sensors/#", 1))
	frame := readUntil(t, ws)
	assert.Equal(t, protocol.TypeMQTTSubscribed, frame.Type)
	assert.Equal(t, "sensors/#", frame.Topic)
	require.NotNil(t, frame.QoS)
	assert.Equal(t, byte(1), *frame.QoS)

	client.opts.OnMessage(fakeMessage{topic: "sensors/a", payload: []byte(`{"t":1}`), qos: 1})
	frame = readUntil(t, ws)
	assert.Equal(t, protocol.TypeMQTTMessage, frame.Type)
	assert.Equal(t, "sensors/a", frame.Topic)
	assert.Equal(t, `{"t":1}`, frame.Payload)
	assert.NotZero(t, frame.Timestamp)

	send(t, ws, protocol.Publish("sensors/b", "hello", 0, false))
	frame = readUntil(t, ws)
	assert.Equal(t, protocol.TypeMQTTPublished, frame.Type)
	assert.Equal(t, "sensors/b", frame.Topic)

	send(t, ws, protocol.Unsubscribe("sensors/#"))
	assert.Equal(t, protocol.TypeMQTTUnsubscribed, readUntil(t, ws).Type)

	client.mu.Lock()
	assert.Equal(t, []string{"hello"}, client.published)
	assert.Empty(t, client.subscribed)
	client.mu.Unlock()

	assert.Equal(t, int64(1), tb.bridge.Stats()["messages_relayed"])
}

func TestOperationFailuresAreReported(t *testing.T) {
	tb := newTestBridge(t)
	tb.factory.failWith(nil, "forbidden")
	ws := tb.dial(t)
	tb.connect(t, ws, "mqtt://broker.test:1883", 1)

	for _, frame := range []protocol.ControlFrame{
		protocol.Subscribe("forbidden", 0),
		protocol.Unsubscribe("forbidden"),
		protocol.Publish("forbidden", "x", 0, false),
	} {
		send(t, ws, frame)
		got := readUntil(t, ws)
		assert.Equal(t, protocol.TypeMQTTError, got.Type, frame.Type)
		assert.Equal(t, frame.Type, got.Op, "error names the failed operation")
		assert.Equal(t, "forbidden", got.Topic)
		assert.NotEmpty(t, got.Error)
	}

	// the bridge keeps serving
	send(t, ws, protocol.Subscribe("allowed", 0))
	assert.Equal(t, protocol.TypeMQTTSubscribed, readUntil(t, ws).Type)
}

func TestOperationsWithoutBrokerReturnError(t *testing.T) {
	tb := newTestBridge(t)
	ws := tb.dial(t)

	send(t, ws, protocol.Subscribe("a/b", 0))
	frame := readUntil(t, ws)
	assert.Equal(t, protocol.TypeError, frame.Type)
	assert.Equal(t, "a/b", frame.Topic)
	assert.Equal(t, protocol.TypeSubscribe, frame.Op)
	assert.Contains(t, frame.Message, "not connected")
}

func TestMalformedFramesKeepSocketOpen(t *testing.T) {
	tb := newTestBridge(t)
	ws := tb.dial(t)

	for _, raw := range []string{
		`not json`,
		`{"type":"explode"}`,
		`{"type":"connect"}`,
		`{"type":"connect","brokerUrl":"mqtt://x:1883","clientId":"` + strings.Repeat("a", 200) + `"}`,
		`{"type":"subscribe","topic":"a","qos":3}`,
		`{"type":"publish","topic":"a/#","message":"x"}`,
	} {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(raw)))
		frame := readUntil(t, ws)
		assert.Equal(t, protocol.TypeError, frame.Type, raw)
		assert.Contains(t, frame.Message, "malformed frame", raw)
	}
	assert.Equal(t, 0, tb.factory.count())

	// still usable
	tb.connect(t, ws, "mqtt://broker.test:1883", 1)
}

func TestReconnectForceEndsPreviousClient(t *testing.T) {
	tb := newTestBridge(t)
	ws := tb.dial(t)

	first := tb.connect(t, ws, "mqtt://one.test:1883", 1)
	second := tb.connect(t, ws, "mqtt://two.test:1883", 2)

	ended, quiesce := first.isEnded()
	assert.True(t, ended)
	assert.Zero(t, quiesce, "previous client is force-closed")
	ended, _ = second.isEnded()
	assert.False(t, ended)
	assert.Equal(t, 1, tb.bridge.Sessions().Len())

	// late callbacks from the superseded client are dropped
	first.opts.OnConnect()
	first.opts.OnMessage(fakeMessage{topic: "stale", payload: []byte("x")})
	second.brokerConnected()

	frame := readUntil(t, ws)
	assert.Equal(t, protocol.TypeMQTTConnected, frame.Type)
	assert.Equal(t, uint64(2), frame.Attempt)
}

func TestConnectFailureDropsSession(t *testing.T) {
	tb := newTestBridge(t)
	tb.factory.failWith(errors.New("connection refused"), "")
	ws := tb.dial(t)

	client := tb.connect(t, ws, "mqtt://down.test:1883", 3)

	frame := readUntil(t, ws)
	assert.Equal(t, protocol.TypeMQTTError, frame.Type)
	assert.Equal(t, "connection refused", frame.Error)

	frame = readUntil(t, ws)
	assert.Equal(t, protocol.TypeMQTTDisconnected, frame.Type)
	assert.Equal(t, uint64(3), frame.Attempt)

	ended, _ := client.isEnded()
	assert.True(t, ended)
	assert.Equal(t, 0, tb.bridge.Sessions().Len())
}

func TestDisconnectFrame(t *testing.T) {
	tb := newTestBridge(t)
	ws := tb.dial(t)
	client := tb.connect(t, ws, "mqtt://broker.test:1883", 1)

	send(t, ws, protocol.Disconnect())
	assert.Equal(t, protocol.TypeMQTTDisconnected, readUntil(t, ws).Type)

	ended, quiesce := client.isEnded()
	assert.True(t, ended)
	assert.Equal(t, disconnectQuiesce, quiesce)
	assert.Equal(t, 0, tb.bridge.Sessions().Len())

	// disconnecting again is harmless
	send(t, ws, protocol.Disconnect())
	assert.Equal(t, protocol.TypeMQTTDisconnected, readUntil(t, ws).Type)
}

func TestWebSocketCloseEndsBrokerClient(t *testing.T) {
	tb := newTestBridge(t)
	ws := tb.dial(t)
	client := tb.connect(t, ws, "mqtt://broker.test:1883", 1)
	require.Equal(t, 1, tb.bridge.Sessions().Len())

	ws.Close()

	require.Eventually(t, func() bool {
		ended, _ := client.isEnded()
		return ended && tb.bridge.Sessions().Len() == 0
	}, 2*time.Second, 5*time.Millisecond)

	ended, quiesce := client.isEnded()
	assert.True(t, ended)
	assert.Zero(t, quiesce)
	require.Eventually(t, func() bool {
		return tb.bridge.Stats()["websocket_clients"] == int64(0)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMaxConnections(t *testing.T) {
	tb := newTestBridge(t)
	tb.dial(t)
	tb.dial(t)

	ws := tb.dialRaw(t)
	frame := readFrame(t, ws)
	assert.Equal(t, protocol.TypeError, frame.Type)
	assert.Equal(t, "too many connections", frame.Message)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "rejected socket is closed")
}

func TestStatusEndpoint(t *testing.T) {
	tb := newTestBridge(t)
	ws := tb.dial(t)
	client := tb.connect(t, ws, "mqtt://broker.test:1883", 1)
	client.brokerConnected()
	readUntil(t, ws)

	resp, err := http.Get(tb.server.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status health.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "mqtt-explorer", status.Service)
	assert.EqualValues(t, 1, status.Stats["websocket_clients"])
	assert.EqualValues(t, 1, status.Stats["mqtt_clients"])
	assert.EqualValues(t, 1, status.Stats["mqtt_connected_clients"])
	assert.NotZero(t, status.Memory.SysBytes)

	liveness, err := http.Get(tb.server.URL + "/health")
	require.NoError(t, err)
	liveness.Body.Close()
	assert.Equal(t, http.StatusOK, liveness.StatusCode)
}
