// ABOUTME: Canonical message envelope shared by every protocol adapter.
// ABOUTME: Defines message kinds, protocol kinds, and decode errors.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedPayload indicates a frame could not be decoded.
var ErrMalformedPayload = errors.New("malformed payload")

// ErrProtocolMismatch indicates an unknown or disallowed protocol kind.
var ErrProtocolMismatch = errors.New("protocol mismatch")

// Kind is the canonical message kind.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindError
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ProtocolKind names a wire protocol an agent can speak.
type ProtocolKind string

const (
	Native ProtocolKind = "native"
	MCP    ProtocolKind = "mcp"
	A2A    ProtocolKind = "a2a"
)

// ParseProtocolKind normalizes s into a known ProtocolKind.
// An empty string selects Native.
func ParseProtocolKind(s string) (ProtocolKind, error) {
	switch ProtocolKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", Native:
		return Native, nil
	case MCP:
		return MCP, nil
	case A2A:
		return A2A, nil
	default:
		return "", fmt.Errorf("%w: unknown protocol %q", ErrProtocolMismatch, s)
	}
}

// Message is the protocol-neutral envelope. For outbound requests Peer is
// the target agent; for inbound frames it is whatever the sender declared.
type Message struct {
	Kind          Kind
	CorrelationID string
	Peer          string
	Payload       json.RawMessage
	Error         string
	Timestamp     time.Time

	// ReplyExpected is set on inbound heartbeats that were sent as requests,
	// such as a JSON-RPC ping with an id. Answer them with Pong.
	ReplyExpected bool
}

// Pong is the reply to a heartbeat with ReplyExpected set. JSON-RPC codecs
// encode a heartbeat that carries a correlation id as an empty result.
func Pong(ping Message) Message {
	return Message{Kind: KindHeartbeat, CorrelationID: ping.CorrelationID}
}

// DecodeError describes a frame that failed to decode. CorrelationID is set
// when the frame carried a recognizable id.
type DecodeError struct {
	Protocol      ProtocolKind
	CorrelationID string
	Reason        string
}

func (e *DecodeError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("malformed %s frame (id %s): %s", e.Protocol, e.CorrelationID, e.Reason)
	}
	return fmt.Sprintf("malformed %s frame: %s", e.Protocol, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformedPayload }

func malformed(p ProtocolKind, id, format string, args ...any) error {
	return &DecodeError{Protocol: p, CorrelationID: id, Reason: fmt.Sprintf(format, args...)}
}
