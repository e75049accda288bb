// ABOUTME: MCP codec: requests become JSON-RPC tools/call, results map back to responses.
// ABOUTME: ping and notifications count as heartbeats; a ping with an id gets an empty result.

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	mcpMethodToolsCall = "tools/call"
	mcpMethodPing      = "ping"
	mcpDefaultTool     = "task"
	mcpPeerMetaKey     = "agenthub/peer"
)

type mcpCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      map[string]any  `json:"_meta,omitempty"`
}

type mcpContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type mcpCallResult struct {
	Content           []mcpContent    `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

type mcpCodec struct{}

func (mcpCodec) Protocol() ProtocolKind { return MCP }

func (mcpCodec) Encode(msg Message) ([]byte, error) {
	switch msg.Kind {
	case KindHeartbeat:
		if msg.CorrelationID != "" {
			return emptyResult(msg.CorrelationID)
		}
		return notification(mcpMethodPing)

	case KindRequest:
		params, err := mcpParamsFor(msg)
		if err != nil {
			return nil, fmt.Errorf("mcp: encode request %s: %w", msg.CorrelationID, err)
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rpcFrame{
			JSONRPC: jsonrpcVersion,
			ID:      rpcID(msg.CorrelationID),
			Method:  mcpMethodToolsCall,
			Params:  raw,
		})

	case KindResponse:
		result := mcpCallResult{Content: []mcpContent{{Type: "text", Text: string(msg.Payload)}}}
		if isJSONObject(msg.Payload) {
			result.StructuredContent = msg.Payload
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rpcFrame{JSONRPC: jsonrpcVersion, ID: rpcID(msg.CorrelationID), Result: raw})

	case KindError:
		return json.Marshal(rpcFrame{
			JSONRPC: jsonrpcVersion,
			ID:      rpcID(msg.CorrelationID),
			Error:   &RPCError{Code: JSONRPCServerError, Message: msg.Error},
		})

	default:
		return nil, fmt.Errorf("mcp: cannot encode %s", msg.Kind)
	}
}

// mcpParamsFor splits a {"tool": ..., "arguments": ...} payload into a named
// tool call. Any other payload is passed whole as the arguments of "task".
func mcpParamsFor(msg Message) (mcpCallParams, error) {
	params := mcpCallParams{Name: mcpDefaultTool}
	if msg.Peer != "" {
		params.Meta = map[string]any{mcpPeerMetaKey: msg.Peer}
	}

	var named struct {
		Tool      string          `json:"tool"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if isJSONObject(msg.Payload) {
		if err := json.Unmarshal(msg.Payload, &named); err == nil && named.Tool != "" {
			params.Name = named.Tool
			params.Arguments = named.Arguments
			if len(params.Arguments) == 0 {
				params.Arguments = json.RawMessage(`{}`)
			}
			return params, nil
		}
	}

	args, err := objectPayload(msg.Payload)
	if err != nil {
		return params, err
	}
	params.Arguments, err = json.Marshal(args)
	return params, err
}

func (mcpCodec) Decode(frame []byte) (Message, error) {
	f, id, err := parseRPC(MCP, frame)
	if err != nil {
		return Message{}, err
	}

	if f.Method != "" {
		switch {
		case f.Method == mcpMethodPing:
			return Message{Kind: KindHeartbeat, CorrelationID: id, ReplyExpected: id != ""}, nil
		case strings.HasPrefix(f.Method, "notifications/"):
			return Message{Kind: KindHeartbeat, CorrelationID: id}, nil
		case f.Method == mcpMethodToolsCall:
			return decodeMCPCall(id, f.Params)
		default:
			return Message{}, malformed(MCP, id, "unsupported method %q", f.Method)
		}
	}

	if id == "" {
		return Message{}, malformed(MCP, "", "response without id")
	}
	if f.Error != nil {
		return Message{Kind: KindError, CorrelationID: id, Error: f.Error.Message}, nil
	}
	if len(f.Result) == 0 {
		return Message{}, malformed(MCP, id, "response has neither result nor error")
	}
	return decodeMCPResult(id, f.Result)
}

func decodeMCPCall(id string, raw json.RawMessage) (Message, error) {
	if id == "" {
		return Message{}, malformed(MCP, "", "tools/call without id")
	}
	var params mcpCallParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return Message{}, malformed(MCP, id, "invalid tools/call params: %v", err)
	}

	msg := Message{Kind: KindRequest, CorrelationID: id, Payload: params.Arguments}
	if peer, ok := params.Meta[mcpPeerMetaKey].(string); ok {
		msg.Peer = peer
	}
	if params.Name != "" && params.Name != mcpDefaultTool {
		payload, err := json.Marshal(map[string]json.RawMessage{
			"tool":      mustJSON(params.Name),
			"arguments": params.Arguments,
		})
		if err != nil {
			return Message{}, malformed(MCP, id, "invalid arguments: %v", err)
		}
		msg.Payload = payload
	}
	return msg, nil
}

func decodeMCPResult(id string, raw json.RawMessage) (Message, error) {
	var result mcpCallResult
	if err := json.Unmarshal(raw, &result); err != nil || result.Content == nil {
		// Not a tool result shape; pass the raw result through.
		return Message{Kind: KindResponse, CorrelationID: id, Payload: raw}, nil
	}

	if result.IsError {
		return Message{Kind: KindError, CorrelationID: id, Error: joinMCPText(result.Content)}, nil
	}
	if len(result.StructuredContent) > 0 {
		return Message{Kind: KindResponse, CorrelationID: id, Payload: result.StructuredContent}, nil
	}

	text := joinMCPText(result.Content)
	if json.Valid([]byte(text)) {
		return Message{Kind: KindResponse, CorrelationID: id, Payload: json.RawMessage(text)}, nil
	}
	return Message{Kind: KindResponse, CorrelationID: id, Payload: mustJSON(text)}, nil
}

func joinMCPText(content []mcpContent) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func isJSONObject(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return strings.HasPrefix(s, "{")
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return b
}
