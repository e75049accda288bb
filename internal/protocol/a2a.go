// ABOUTME: A2A codec: requests become JSON-RPC message/send, Task results map back.
// ABOUTME: Converts opaque payloads to and from A2A content parts.

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"
)

const (
	a2aMethodSend      = "message/send"
	a2aMethodHeartbeat = "hub/heartbeat"
	a2aPeerMetaKey     = "agenthub.peer"
)

type a2aCodec struct{}

func (a2aCodec) Protocol() ProtocolKind { return A2A }

func (a2aCodec) Encode(msg Message) ([]byte, error) {
	switch msg.Kind {
	case KindHeartbeat:
		if msg.CorrelationID != "" {
			return emptyResult(msg.CorrelationID)
		}
		return notification(a2aMethodHeartbeat)

	case KindRequest:
		parts, err := payloadToParts(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("a2a: encode request %s: %w", msg.CorrelationID, err)
		}
		m := &a2a.Message{
			ID:    msg.CorrelationID,
			Role:  a2a.MessageRole("user"),
			Parts: parts,
		}
		if msg.Peer != "" {
			m.Metadata = map[string]any{a2aPeerMetaKey: msg.Peer}
		}
		params, err := json.Marshal(a2a.MessageSendParams{Message: m})
		if err != nil {
			return nil, err
		}
		return json.Marshal(rpcFrame{
			JSONRPC: jsonrpcVersion,
			ID:      rpcID(msg.CorrelationID),
			Method:  a2aMethodSend,
			Params:  params,
		})

	case KindResponse:
		parts, err := payloadToParts(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("a2a: encode response %s: %w", msg.CorrelationID, err)
		}
		task := &a2a.Task{
			ID:     a2a.TaskID(msg.CorrelationID),
			Status: a2a.TaskStatus{State: a2a.TaskStateCompleted},
			Artifacts: []*a2a.Artifact{{
				ID:    a2a.ArtifactID(msg.CorrelationID + "-result"),
				Name:  "result",
				Parts: parts,
			}},
		}
		return encodeA2AResult(msg.CorrelationID, task)

	case KindError:
		task := &a2a.Task{
			ID: a2a.TaskID(msg.CorrelationID),
			Status: a2a.TaskStatus{
				State: a2a.TaskStateFailed,
				Message: &a2a.Message{
					ID:    msg.CorrelationID + "-error",
					Role:  a2a.MessageRole("agent"),
					Parts: a2a.ContentParts{&a2a.TextPart{Text: msg.Error}},
				},
			},
		}
		return encodeA2AResult(msg.CorrelationID, task)

	default:
		return nil, fmt.Errorf("a2a: cannot encode %s", msg.Kind)
	}
}

func encodeA2AResult(id string, task *a2a.Task) ([]byte, error) {
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rpcFrame{JSONRPC: jsonrpcVersion, ID: rpcID(id), Result: raw})
}

func (a2aCodec) Decode(frame []byte) (Message, error) {
	f, id, err := parseRPC(A2A, frame)
	if err != nil {
		return Message{}, err
	}

	if f.Method != "" {
		switch f.Method {
		case a2aMethodHeartbeat:
			return Message{Kind: KindHeartbeat, CorrelationID: id, ReplyExpected: id != ""}, nil
		case a2aMethodSend:
			return decodeA2ASend(id, f.Params)
		default:
			return Message{}, malformed(A2A, id, "unsupported method %q", f.Method)
		}
	}

	if id == "" {
		return Message{}, malformed(A2A, "", "response without id")
	}
	if f.Error != nil {
		return Message{Kind: KindError, CorrelationID: id, Error: f.Error.Message}, nil
	}
	if len(f.Result) == 0 {
		return Message{}, malformed(A2A, id, "response has neither result nor error")
	}
	return decodeA2AResult(id, f.Result)
}

func decodeA2ASend(id string, raw json.RawMessage) (Message, error) {
	if id == "" {
		return Message{}, malformed(A2A, "", "message/send without id")
	}
	var params a2a.MessageSendParams
	if err := json.Unmarshal(raw, &params); err != nil || params.Message == nil {
		return Message{}, malformed(A2A, id, "invalid message/send params")
	}
	payload, err := partsToPayload(params.Message.Parts)
	if err != nil {
		return Message{}, malformed(A2A, id, "unreadable parts: %v", err)
	}
	msg := Message{Kind: KindRequest, CorrelationID: id, Payload: payload}
	if peer, ok := params.Message.Metadata[a2aPeerMetaKey].(string); ok {
		msg.Peer = peer
	}
	return msg, nil
}

// decodeA2AResult accepts either a Task or a bare Message as the result of
// message/send. Non-terminal task states are treated as progress.
func decodeA2AResult(id string, raw json.RawMessage) (Message, error) {
	var shape struct {
		Kind   string          `json:"kind"`
		Status json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return Message{}, malformed(A2A, id, "result is not an object")
	}

	if shape.Kind == "message" || (shape.Kind == "" && len(shape.Status) == 0) {
		var m a2a.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return Message{}, malformed(A2A, id, "invalid message result: %v", err)
		}
		payload, err := partsToPayload(m.Parts)
		if err != nil {
			return Message{}, malformed(A2A, id, "unreadable parts: %v", err)
		}
		return Message{Kind: KindResponse, CorrelationID: id, Payload: payload}, nil
	}

	var task a2a.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Message{}, malformed(A2A, id, "invalid task result: %v", err)
	}

	switch task.Status.State {
	case a2a.TaskStateCompleted:
		var parts a2a.ContentParts
		for _, art := range task.Artifacts {
			if art != nil {
				parts = append(parts, art.Parts...)
			}
		}
		if len(parts) == 0 && task.Status.Message != nil {
			parts = task.Status.Message.Parts
		}
		payload, err := partsToPayload(parts)
		if err != nil {
			return Message{}, malformed(A2A, id, "unreadable artifacts: %v", err)
		}
		return Message{Kind: KindResponse, CorrelationID: id, Payload: payload}, nil

	case a2a.TaskStateFailed, a2a.TaskStateRejected, a2a.TaskStateCanceled,
		a2a.TaskStateInputRequired, a2a.TaskStateAuthRequired:
		reason := "task " + string(task.Status.State)
		if task.Status.Message != nil {
			if text := partsText(task.Status.Message.Parts); text != "" {
				reason = text
			}
		}
		return Message{Kind: KindError, CorrelationID: id, Error: reason}, nil

	case a2a.TaskStateSubmitted, a2a.TaskStateWorking:
		return Message{Kind: KindHeartbeat, CorrelationID: id}, nil

	default:
		return Message{}, malformed(A2A, id, "unknown task state %q", task.Status.State)
	}
}

// payloadToParts maps an object payload to a DataPart, a string to a
// TextPart, and anything else to a DataPart under "value".
func payloadToParts(payload json.RawMessage) (a2a.ContentParts, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case map[string]any:
		return a2a.ContentParts{&a2a.DataPart{Data: t}}, nil
	case string:
		return a2a.ContentParts{&a2a.TextPart{Text: t}}, nil
	default:
		return a2a.ContentParts{&a2a.DataPart{Data: map[string]any{"value": t}}}, nil
	}
}

// partsToPayload is the inverse of payloadToParts for single-part content.
// Multi-part content becomes an array of {"text"} / {"data"} objects.
func partsToPayload(parts a2a.ContentParts) (json.RawMessage, error) {
	if len(parts) == 0 {
		return nil, nil
	}
	if len(parts) == 1 {
		switch p := parts[0].(type) {
		case *a2a.TextPart:
			return json.Marshal(p.Text)
		case a2a.TextPart:
			return json.Marshal(p.Text)
		case *a2a.DataPart:
			return marshalData(p.Data)
		case a2a.DataPart:
			return marshalData(p.Data)
		}
	}

	out := make([]map[string]any, 0, len(parts))
	for _, part := range parts {
		switch p := part.(type) {
		case *a2a.TextPart:
			out = append(out, map[string]any{"text": p.Text})
		case a2a.TextPart:
			out = append(out, map[string]any{"text": p.Text})
		case *a2a.DataPart:
			out = append(out, map[string]any{"data": p.Data})
		case a2a.DataPart:
			out = append(out, map[string]any{"data": p.Data})
		default:
			out = append(out, map[string]any{"part": part})
		}
	}
	return json.Marshal(out)
}

func marshalData(data map[string]any) (json.RawMessage, error) {
	if v, ok := data["value"]; ok && len(data) == 1 {
		return json.Marshal(v)
	}
	return json.Marshal(data)
}

func partsText(parts a2a.ContentParts) string {
	var texts []string
	for _, part := range parts {
		switch p := part.(type) {
		case *a2a.TextPart:
			texts = append(texts, p.Text)
		case a2a.TextPart:
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
