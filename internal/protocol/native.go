// ABOUTME: Native JSON codec: one flat object per frame with a type field.
// ABOUTME: The simplest wire format, used by agents written against the hub directly.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type nativeFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Agent   string          `json:"agent,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	TS      int64           `json:"ts,omitempty"`
}

type nativeCodec struct{}

func (nativeCodec) Protocol() ProtocolKind { return Native }

func (nativeCodec) Encode(msg Message) ([]byte, error) {
	f := nativeFrame{
		ID:      msg.CorrelationID,
		Agent:   msg.Peer,
		Payload: msg.Payload,
		Error:   msg.Error,
	}
	if !msg.Timestamp.IsZero() {
		f.TS = msg.Timestamp.UnixMilli()
	}

	switch msg.Kind {
	case KindRequest:
		f.Type = "request"
	case KindResponse:
		f.Type = "response"
	case KindError:
		f.Type = "error"
	case KindHeartbeat:
		f.Type = "heartbeat"
	default:
		return nil, fmt.Errorf("native: cannot encode %s", msg.Kind)
	}
	return json.Marshal(f)
}

func (nativeCodec) Decode(frame []byte) (Message, error) {
	var f nativeFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return Message{}, malformed(Native, "", "invalid json: %v", err)
	}

	msg := Message{
		CorrelationID: f.ID,
		Peer:          f.Agent,
		Payload:       f.Payload,
		Error:         f.Error,
	}
	if f.TS > 0 {
		msg.Timestamp = time.UnixMilli(f.TS)
	}

	switch f.Type {
	case "request":
		msg.Kind = KindRequest
	case "response":
		msg.Kind = KindResponse
	case "error":
		msg.Kind = KindError
		if msg.Error == "" {
			msg.Error = "agent reported an error"
		}
	case "heartbeat":
		msg.Kind = KindHeartbeat
		return msg, nil
	case "":
		return Message{}, malformed(Native, f.ID, "missing type")
	default:
		return Message{}, malformed(Native, f.ID, "unknown type %q", f.Type)
	}

	if f.ID == "" {
		return Message{}, malformed(Native, "", "%s frame without id", f.Type)
	}
	return msg, nil
}
