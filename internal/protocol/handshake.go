// ABOUTME: Registration handshake frames exchanged before any protocol traffic.
// ABOUTME: Hello from the agent, Welcome or Rejection from the hub, all plain JSON.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/a2aproject/a2a-go/a2a"
)

// ErrInvalidHello indicates the first frame was not a usable registration.
var ErrInvalidHello = errors.New("invalid registration frame")

const (
	frameRegister = "register"
	frameWelcome  = "welcome"
	frameRejected = "rejected"
)

// Rejection reasons sent to agents.
const (
	RejectAuth             = "auth_rejected"
	RejectProtocolMismatch = "protocol_mismatch"
	RejectInvalid          = "invalid"
)

// Registration outcomes reported in Welcome.
const (
	OutcomeRegistered  = "registered"
	OutcomeReconnected = "reconnected"
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]{0,127}$`)

// Hello is the registration frame an agent sends first.
type Hello struct {
	Type         string         `json:"type"`
	AgentID      string         `json:"agent_id"`
	Name         string         `json:"name,omitempty"`
	Description  string         `json:"description,omitempty"`
	Protocol     string         `json:"protocol,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Credential   string         `json:"credential,omitempty"`
	CardURL      string         `json:"card_url,omitempty"`
	Card         *a2a.AgentCard `json:"card,omitempty"`
}

// Welcome acknowledges a successful registration.
type Welcome struct {
	Type                string `json:"type"`
	AgentID             string `json:"agent_id"`
	ConnectionID        string `json:"connection_id"`
	ServerID            string `json:"server_id"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
	Outcome             string `json:"outcome"`
}

// Rejection tells an agent why registration failed. The hub closes the
// connection right after sending it.
type Rejection struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("registration rejected (%s): %s", r.Reason, r.Message)
}

// ValidAgentID reports whether id is acceptable as an agent identifier.
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// ParseHello decodes and validates a registration frame.
func ParseHello(frame []byte) (*Hello, error) {
	var h Hello
	if err := json.Unmarshal(frame, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	if h.Type != frameRegister {
		return nil, fmt.Errorf("%w: expected type %q, got %q", ErrInvalidHello, frameRegister, h.Type)
	}
	if !ValidAgentID(h.AgentID) {
		return nil, fmt.Errorf("%w: invalid agent_id %q", ErrInvalidHello, h.AgentID)
	}
	return &h, nil
}

// EncodeHello renders h with its type set.
func EncodeHello(h Hello) ([]byte, error) {
	h.Type = frameRegister
	return json.Marshal(h)
}

// EncodeWelcome renders w with its type set.
func EncodeWelcome(w Welcome) ([]byte, error) {
	w.Type = frameWelcome
	return json.Marshal(w)
}

// EncodeRejection renders a rejection frame.
func EncodeRejection(reason, message string) ([]byte, error) {
	return json.Marshal(Rejection{Type: frameRejected, Reason: reason, Message: message})
}

// ParseWelcome decodes the hub's reply to a Hello. A rejection is returned
// as a *Rejection error.
func ParseWelcome(frame []byte) (*Welcome, error) {
	var shape struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &shape); err != nil {
		return nil, fmt.Errorf("decode handshake reply: %w", err)
	}

	switch shape.Type {
	case frameWelcome:
		var w Welcome
		if err := json.Unmarshal(frame, &w); err != nil {
			return nil, fmt.Errorf("decode welcome: %w", err)
		}
		return &w, nil
	case frameRejected:
		var r Rejection
		if err := json.Unmarshal(frame, &r); err != nil {
			return nil, fmt.Errorf("decode rejection: %w", err)
		}
		return nil, &r
	default:
		return nil, fmt.Errorf("unexpected handshake reply type %q", shape.Type)
	}
}
