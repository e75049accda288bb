// Package transport carries agent sessions over gRPC and WebSocket.
//
// Both transports move opaque frames and adapt to [conn.Session]; framing
// inside a frame (native JSON, MCP or A2A JSON-RPC) is the protocol
// package's concern.
//
// # gRPC
//
// The service is declared by hand instead of generated from a .proto file.
// It has one bidirectional streaming method whose messages are
// google.protobuf.BytesValue:
//
//	service AgentHub {
//	    rpc Connect(stream google.protobuf.BytesValue) returns (stream google.protobuf.BytesValue);
//	}
//
// # WebSocket
//
// Agents connect to /ws/agent and exchange one text message per frame.
// Adding ?protocol=mcp (or a2a, native) pins the endpoint to one protocol
// kind; a hello that declares another kind is rejected.
//
// Server-side, each accepted session is handed to an [AcceptFunc] that runs
// the handshake and serves the connection until it ends.
package transport
