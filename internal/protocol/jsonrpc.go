// ABOUTME: JSON-RPC 2.0 envelope shared by the MCP and A2A codecs.
// ABOUTME: Handles id encoding and the standard error codes.

package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
)

const jsonrpcVersion = "2.0"

// Standard JSON-RPC error codes.
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
	JSONRPCServerError    = -32000
)

// rpcFrame covers requests, notifications and responses in one shape so a
// frame can be classified after a single unmarshal.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// rpcID encodes id for the wire. An id that arrived as a JSON integer is
// written back as one so the peer can match its own request.
func rpcID(id string) json.RawMessage {
	if id == "" {
		return nil
	}
	if n, err := strconv.ParseInt(id, 10, 64); err == nil && strconv.FormatInt(n, 10) == id {
		return json.RawMessage(id)
	}
	b, _ := json.Marshal(id)
	return b
}

// emptyResult answers a JSON-RPC request that has nothing to return.
func emptyResult(id string) ([]byte, error) {
	return json.Marshal(rpcFrame{JSONRPC: jsonrpcVersion, ID: rpcID(id), Result: json.RawMessage(`{}`)})
}

// idString returns a string id verbatim and a numeric id as its literal text.
func idString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func parseRPC(p ProtocolKind, frame []byte) (*rpcFrame, string, error) {
	var f rpcFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, "", malformed(p, "", "invalid json-rpc: %v", err)
	}
	id := idString(f.ID)
	if f.JSONRPC != jsonrpcVersion {
		return nil, id, malformed(p, id, "unsupported jsonrpc version %q", f.JSONRPC)
	}
	return &f, id, nil
}

func notification(method string) ([]byte, error) {
	return json.Marshal(rpcFrame{JSONRPC: jsonrpcVersion, Method: method})
}

// objectPayload returns payload as a JSON object, wrapping scalars and
// arrays under "input" so they fit object-only wire fields.
func objectPayload(payload json.RawMessage) (map[string]any, error) {
	if len(payload) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"input": v}, nil
}
