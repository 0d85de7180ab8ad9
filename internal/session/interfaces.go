package session

import (
	"context"

	"github.com/saaga0h/mqtt-explorer/pkg/protocol"
)

// Dialer opens a transport to the bridge
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one open transport to the bridge. Send is only called with the
// client lock held; Receive is only called from the read goroutine.
type Conn interface {
	// Send writes a control frame
	Send(frame protocol.ControlFrame) error

	// Receive blocks for the next event frame. Errors wrapping
	// protocol.ErrMalformedFrame are recoverable; anything else ends the
	// transport.
	Receive() (protocol.EventFrame, error)

	// Close closes the transport, unblocking Receive
	Close() error
}

// Connectivity reports whether the host has network access. Publishes made
// while disconnected are queued only when this reports offline.
type Connectivity interface {
	Online() bool
}
