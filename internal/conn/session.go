// ABOUTME: Transport-neutral session interface and connection callbacks.
// ABOUTME: Implemented by the gRPC and WebSocket transports and by test fakes.

package conn

import (
	"context"

	"github.com/2389/agenthub/internal/auth"
	"github.com/2389/agenthub/internal/protocol"
)

// Session is one bidirectional, message-framed transport stream.
// Send is only ever called from a single goroutine.
type Session interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close() error
	RemoteAddr() string
}

// Handler receives connection events. Calls for a given connection are made
// from its read loop in frame order, except ConnectionDegraded (monitor
// goroutine) and ConnectionClosed (whichever goroutine closed it).
// ConnectionDegraded and ConnectionRecovered never overlap for one
// connection, and they alternate starting with ConnectionDegraded.
type Handler interface {
	HandleMessage(c *Connection, msg protocol.Message)
	HandleDecodeError(c *Connection, err error)
	ConnectionDegraded(c *Connection)
	ConnectionRecovered(c *Connection)
	ConnectionClosed(c *Connection, reason error)
}

// Authenticator verifies registration credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, agentID string, cred auth.Credential) (*auth.AuthContext, error)
}

// Observer receives connection counters.
type Observer interface {
	ConnectionOpened(p protocol.ProtocolKind)
	ConnectionClosed(p protocol.ProtocolKind)
	MalformedFrame(p protocol.ProtocolKind)
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened(protocol.ProtocolKind) {}
func (nopObserver) ConnectionClosed(protocol.ProtocolKind) {}
func (nopObserver) MalformedFrame(protocol.ProtocolKind) {}
