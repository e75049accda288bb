// ABOUTME: The routing error taxonomy in one place, with stable reason codes.
// ABOUTME: Reason codes are what the HTTP API and audit log report for failures.

package router

import (
	"errors"

	"github.com/2389/agenthub/internal/auth"
	"github.com/2389/agenthub/internal/conn"
	"github.com/2389/agenthub/internal/correlator"
	"github.com/2389/agenthub/internal/protocol"
	"github.com/2389/agenthub/internal/registry"
)

// Errors callers of the router can match with errors.Is.
var (
	ErrAgentNotFound    = registry.ErrAgentNotFound
	ErrAgentOffline     = registry.ErrAgentOffline
	ErrAgentUnavailable = correlator.ErrAgentUnavailable
	ErrConnectionClosed = conn.ErrConnectionClosed
	ErrMalformedPayload = protocol.ErrMalformedPayload
	ErrCancelled        = correlator.ErrCancelled
	ErrTimedOut         = correlator.ErrTimedOut
	ErrAuthRejected     = auth.ErrAuthRejected
	ErrProtocolMismatch = protocol.ErrProtocolMismatch
)

// ErrRelayLimit rejects an agent request while that connection already has
// the maximum number of relays in flight.
var ErrRelayLimit = errors.New("too many relayed requests in flight")

// Reason codes.
const (
	ReasonAgentNotFound    = "agent_not_found"
	ReasonAgentOffline     = "agent_offline"
	ReasonAgentUnavailable = "agent_unavailable"
	ReasonConnectionClosed = "connection_closed"
	ReasonMalformedPayload = "malformed_payload"
	ReasonCancelled        = "cancelled"
	ReasonTimedOut         = "timed_out"
	ReasonAuthRejected     = "auth_rejected"
	ReasonProtocolMismatch = "protocol_mismatch"
	ReasonRemoteError      = "remote_error"
	ReasonRelayLimit       = "relay_limit"
	ReasonInternal         = "internal"
)

// Reason maps err to its reason code. A nil error has no reason.
func Reason(err error) string {
	var remote *correlator.RemoteError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return ReasonCancelled
	case errors.Is(err, ErrTimedOut):
		return ReasonTimedOut
	case errors.Is(err, ErrAgentUnavailable):
		return ReasonAgentUnavailable
	case errors.Is(err, ErrConnectionClosed):
		return ReasonConnectionClosed
	case errors.Is(err, ErrMalformedPayload):
		return ReasonMalformedPayload
	case errors.As(err, &remote):
		return ReasonRemoteError
	case errors.Is(err, ErrAgentNotFound):
		return ReasonAgentNotFound
	case errors.Is(err, ErrAgentOffline):
		return ReasonAgentOffline
	case errors.Is(err, ErrAuthRejected):
		return ReasonAuthRejected
	case errors.Is(err, ErrProtocolMismatch):
		return ReasonProtocolMismatch
	case errors.Is(err, ErrRelayLimit):
		return ReasonRelayLimit
	default:
		return ReasonInternal
	}
}
