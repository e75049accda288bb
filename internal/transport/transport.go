// ABOUTME: Shared pieces of the agent transports: the accept hook and protocol pins.
// ABOUTME: A pin restricts an endpoint to one protocol kind.

package transport

import (
	"context"

	"github.com/2389/agenthub/internal/conn"
	"github.com/2389/agenthub/internal/protocol"
)

// AcceptFunc runs the registration handshake on a new session and serves it
// until the connection ends. Its error describes why the session ended.
type AcceptFunc func(ctx context.Context, s conn.Session) error

// ProtocolHeader is the gRPC metadata key (and WebSocket query parameter)
// that pins a session to one protocol kind.
const (
	ProtocolHeader = "x-agenthub-protocol"
	ProtocolQuery  = "protocol"
)

type pinKey struct{}

// WithProtocolPin records that the endpoint only accepts kind.
func WithProtocolPin(ctx context.Context, kind protocol.ProtocolKind) context.Context {
	return context.WithValue(ctx, pinKey{}, kind)
}

// ProtocolPin returns the pinned kind, if any.
func ProtocolPin(ctx context.Context) (protocol.ProtocolKind, bool) {
	kind, ok := ctx.Value(pinKey{}).(protocol.ProtocolKind)
	return kind, ok && kind != ""
}
