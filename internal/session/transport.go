package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saaga0h/mqtt-explorer/pkg/protocol"
)

// WebSocketDialer dials the bridge with gorilla/websocket
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Dial opens a WebSocket to the bridge
func (d WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}
	ws, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bridge %s: %w", rawURL, err)
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsConn{ws: ws, writeTimeout: writeTimeout}, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (c *wsConn) Send(frame protocol.ControlFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(frame)
}

func (c *wsConn) Receive() (protocol.EventFrame, error) {
	var frame protocol.EventFrame
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, err)
	}
	return frame, nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// TCPReachability considers the host online when a TCP connection to Address
// succeeds within Timeout
type TCPReachability struct {
	Address string
	Timeout time.Duration
}

// NewBridgeReachability checks the host and port of a bridge WebSocket URL
func NewBridgeReachability(bridgeURL string, timeout time.Duration) (*TCPReachability, error) {
	u, err := url.Parse(bridgeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge URL %q: %w", bridgeURL, err)
	}

	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "wss" || u.Scheme == "https" {
			port = "443"
		}
	}
	return &TCPReachability{Address: net.JoinHostPort(u.Hostname(), port), Timeout: timeout}, nil
}

// Online dials the configured address
func (p *TCPReachability) Online() bool {
	conn, err := net.DialTimeout("tcp", p.Address, p.Timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
