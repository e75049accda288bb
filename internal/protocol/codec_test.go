// ABOUTME: Tests for the native, MCP and A2A codecs.
// ABOUTME: Covers round trips, wire shapes, heartbeats, and malformed frames.

package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProtocolKind(t *testing.T) {
	tests := []struct {
		in      string
		want    ProtocolKind
		wantErr bool
	}{
		{"", Native, false},
		{"native", Native, false},
		{"MCP", MCP, false},
		{" a2a ", A2A, false},
		{"grpc", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProtocolKind(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrProtocolMismatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCodecFor_Known(t *testing.T) {
	for _, kind := range []ProtocolKind{Native, MCP, A2A} {
		c, err := CodecFor(kind)
		require.NoError(t, err, kind)
		assert.Equal(t, kind, c.Protocol())
	}
}

func TestCodecFor_Unknown(t *testing.T) {
	for _, kind := range []ProtocolKind{"smoke-signals", "", "MCP", "native "} {
		_, err := CodecFor(kind)
		assert.ErrorIs(t, err, ErrProtocolMismatch, "%q", kind)
	}

	_, err := Decode([]byte(`{}`), "smoke-signals")
	assert.ErrorIs(t, err, ErrProtocolMismatch)
}

// Every codec must round-trip the kinds an agent exchanges with the hub.
func TestCodecs_RoundTrip(t *testing.T) {
	for _, kind := range []ProtocolKind{Native, MCP, A2A} {
		t.Run(string(kind), func(t *testing.T) {
			t.Run("request", func(t *testing.T) {
				in := Message{
					Kind:          KindRequest,
					CorrelationID: "task-1",
					Peer:          "summarizer",
					Payload:       json.RawMessage(`{"doc":"abc","n":3}`),
				}
				out := roundTrip(t, kind, in)
				assert.Equal(t, KindRequest, out.Kind)
				assert.Equal(t, "task-1", out.CorrelationID)
				assert.Equal(t, "summarizer", out.Peer)
				assert.JSONEq(t, `{"doc":"abc","n":3}`, string(out.Payload))
			})

			t.Run("response object", func(t *testing.T) {
				out := roundTrip(t, kind, Message{
					Kind:          KindResponse,
					CorrelationID: "task-2",
					Payload:       json.RawMessage(`{"summary":"short"}`),
				})
				assert.Equal(t, KindResponse, out.Kind)
				assert.Equal(t, "task-2", out.CorrelationID)
				assert.JSONEq(t, `{"summary":"short"}`, string(out.Payload))
			})

			t.Run("response string", func(t *testing.T) {
				out := roundTrip(t, kind, Message{
					Kind:          KindResponse,
					CorrelationID: "task-3",
					Payload:       json.RawMessage(`"plain text"`),
				})
				assert.Equal(t, KindResponse, out.Kind)
				assert.JSONEq(t, `"plain text"`, string(out.Payload))
			})

			t.Run("error", func(t *testing.T) {
				out := roundTrip(t, kind, Message{
					Kind:          KindError,
					CorrelationID: "task-4",
					Error:         "model overloaded",
				})
				assert.Equal(t, KindError, out.Kind)
				assert.Equal(t, "task-4", out.CorrelationID)
				assert.Equal(t, "model overloaded", out.Error)
			})

			t.Run("heartbeat", func(t *testing.T) {
				out := roundTrip(t, kind, Message{Kind: KindHeartbeat})
				assert.Equal(t, KindHeartbeat, out.Kind)
			})
		})
	}
}

func roundTrip(t *testing.T, kind ProtocolKind, in Message) Message {
	t.Helper()
	frame, err := Encode(in, kind)
	require.NoError(t, err)
	out, err := Decode(frame, kind)
	require.NoError(t, err, "frame: %s", frame)
	return out
}

func TestNative_WireShape(t *testing.T) {
	ts := time.UnixMilli(1_760_000_000_000)
	frame, err := Encode(Message{
		Kind:          KindRequest,
		CorrelationID: "abc",
		Peer:          "echo",
		Payload:       json.RawMessage(`{"x":1}`),
		Timestamp:     ts,
	}, Native)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"request","id":"abc","agent":"echo","payload":{"x":1},"ts":1760000000000}`, string(frame))

	msg, err := Decode(frame, Native)
	require.NoError(t, err)
	assert.True(t, ts.Equal(msg.Timestamp))
}

func TestNative_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		frame  string
		wantID string
	}{
		{"not json", `{{{`, ""},
		{"missing type", `{"id":"t1"}`, "t1"},
		{"unknown type", `{"type":"gossip","id":"t2"}`, "t2"},
		{"response without id", `{"type":"response","payload":{}}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame), Native)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedPayload)

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, Native, de.Protocol)
			assert.Equal(t, tt.wantID, de.CorrelationID)
		})
	}
}

func TestNative_ErrorDefaultsMessage(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"error","id":"t9"}`), Native)
	require.NoError(t, err)
	assert.Equal(t, KindError, msg.Kind)
	assert.NotEmpty(t, msg.Error)
}

func TestMCP_RequestWireShape(t *testing.T) {
	t.Run("default tool", func(t *testing.T) {
		frame, err := Encode(Message{
			Kind:          KindRequest,
			CorrelationID: "c1",
			Payload:       json.RawMessage(`{"q":"hi"}`),
		}, MCP)
		require.NoError(t, err)
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":"c1","method":"tools/call","params":{"name":"task","arguments":{"q":"hi"}}}`, string(frame))
	})

	t.Run("named tool", func(t *testing.T) {
		payload := json.RawMessage(`{"tool":"search","arguments":{"query":"go"}}`)
		frame, err := Encode(Message{Kind: KindRequest, CorrelationID: "c2", Payload: payload}, MCP)
		require.NoError(t, err)
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":"c2","method":"tools/call","params":{"name":"search","arguments":{"query":"go"}}}`, string(frame))

		msg, err := Decode(frame, MCP)
		require.NoError(t, err)
		assert.JSONEq(t, string(payload), string(msg.Payload))
	})

	t.Run("scalar payload wrapped", func(t *testing.T) {
		frame, err := Encode(Message{Kind: KindRequest, CorrelationID: "c3", Payload: json.RawMessage(`42`)}, MCP)
		require.NoError(t, err)
		assert.Contains(t, string(frame), `"arguments":{"input":42}`)
	})
}

func TestMCP_DecodeResults(t *testing.T) {
	tests := []struct {
		name        string
		frame       string
		wantKind    Kind
		wantPayload string
		wantErr     string
	}{
		{
			name:        "text content holding json",
			frame:       `{"jsonrpc":"2.0","id":"r1","result":{"content":[{"type":"text","text":"{\"ok\":true}"}]}}`,
			wantKind:    KindResponse,
			wantPayload: `{"ok":true}`,
		},
		{
			name:        "plain text content",
			frame:       `{"jsonrpc":"2.0","id":"r2","result":{"content":[{"type":"text","text":"done"}]}}`,
			wantKind:    KindResponse,
			wantPayload: `"done"`,
		},
		{
			name:     "tool error",
			frame:    `{"jsonrpc":"2.0","id":"r3","result":{"content":[{"type":"text","text":"boom"}],"isError":true}}`,
			wantKind: KindError,
			wantErr:  "boom",
		},
		{
			name:     "json-rpc error",
			frame:    `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"no such tool"}}`,
			wantKind: KindError,
			wantErr:  "no such tool",
		},
		{
			name:        "non tool result passes through",
			frame:       `{"jsonrpc":"2.0","id":"r5","result":{"anything":1}}`,
			wantKind:    KindResponse,
			wantPayload: `{"anything":1}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.frame), MCP)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, msg.Kind)
			if tt.wantPayload != "" {
				assert.JSONEq(t, tt.wantPayload, string(msg.Payload))
			}
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, msg.Error)
			}
		})
	}
}

func TestMCP_NumericID(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":7,"result":{"x":1}}`), MCP)
	require.NoError(t, err)
	assert.Equal(t, "7", msg.CorrelationID)
}

func TestMCP_NotificationsAreHeartbeats(t *testing.T) {
	for _, frame := range []string{
		`{"jsonrpc":"2.0","method":"ping"}`,
		`{"jsonrpc":"2.0","id":"p1","method":"ping"}`,
		`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`,
	} {
		msg, err := Decode([]byte(frame), MCP)
		require.NoError(t, err, frame)
		assert.Equal(t, KindHeartbeat, msg.Kind, frame)
	}
}

func TestPingRequestsGetEmptyResult(t *testing.T) {
	tests := []struct {
		name  string
		kind  ProtocolKind
		frame string
		want  string
	}{
		{"mcp numeric id", MCP, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, `{"jsonrpc":"2.0","id":1,"result":{}}`},
		{"mcp string id", MCP, `{"jsonrpc":"2.0","id":"p1","method":"ping"}`, `{"jsonrpc":"2.0","id":"p1","result":{}}`},
		{"a2a heartbeat request", A2A, `{"jsonrpc":"2.0","id":"h1","method":"hub/heartbeat"}`, `{"jsonrpc":"2.0","id":"h1","result":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.frame), tt.kind)
			require.NoError(t, err)
			assert.Equal(t, KindHeartbeat, msg.Kind)
			require.True(t, msg.ReplyExpected)

			frame, err := Encode(Pong(msg), tt.kind)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(frame))
		})
	}
}

func TestOneWayHeartbeatsExpectNoReply(t *testing.T) {
	tests := []struct {
		name  string
		kind  ProtocolKind
		frame string
	}{
		{"mcp ping notification", MCP, `{"jsonrpc":"2.0","method":"ping"}`},
		{"mcp progress notification", MCP, `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`},
		{"a2a heartbeat notification", A2A, `{"jsonrpc":"2.0","method":"hub/heartbeat"}`},
		{"a2a working status", A2A, `{"jsonrpc":"2.0","id":"t1","result":{"kind":"task","id":"t1","contextId":"ctx","status":{"state":"working"}}}`},
		{"native heartbeat with id", Native, `{"type":"heartbeat","id":"h1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.frame), tt.kind)
			require.NoError(t, err)
			assert.Equal(t, KindHeartbeat, msg.Kind)
			assert.False(t, msg.ReplyExpected)
		})
	}
}

func TestRPCID_KeepsIntegerIDs(t *testing.T) {
	assert.JSONEq(t, `42`, string(rpcID("42")))
	assert.JSONEq(t, `"042"`, string(rpcID("042")))
	assert.JSONEq(t, `"task-9"`, string(rpcID("task-9")))
	assert.Nil(t, rpcID(""))
}

func TestMCP_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		frame  string
		wantID string
	}{
		{"not json", `nope`, ""},
		{"wrong version", `{"jsonrpc":"1.0","id":"m1","result":{}}`, "m1"},
		{"unknown method", `{"jsonrpc":"2.0","id":"m2","method":"resources/list"}`, "m2"},
		{"empty response", `{"jsonrpc":"2.0","id":"m3"}`, "m3"},
		{"response without id", `{"jsonrpc":"2.0","result":{}}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame), MCP)
			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.wantID, de.CorrelationID)
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestA2A_RequestUsesMessageSend(t *testing.T) {
	frame, err := Encode(Message{
		Kind:          KindRequest,
		CorrelationID: "a1",
		Payload:       json.RawMessage(`"translate this"`),
	}, A2A)
	require.NoError(t, err)

	var f rpcFrame
	require.NoError(t, json.Unmarshal(frame, &f))
	assert.Equal(t, "2.0", f.JSONRPC)
	assert.Equal(t, "message/send", f.Method)
	assert.JSONEq(t, `"a1"`, string(f.ID))
	assert.Contains(t, string(f.Params), "translate this")
}

func TestA2A_DecodeTaskStates(t *testing.T) {
	tests := []struct {
		name     string
		result   string
		wantKind Kind
		check    func(t *testing.T, msg Message)
	}{
		{
			name:     "completed with text artifact",
			result:   `{"kind":"task","id":"t1","contextId":"ctx","status":{"state":"completed"},"artifacts":[{"artifactId":"art","parts":[{"kind":"text","text":"bonjour"}]}]}`,
			wantKind: KindResponse,
			check: func(t *testing.T, msg Message) {
				assert.JSONEq(t, `"bonjour"`, string(msg.Payload))
			},
		},
		{
			name:     "failed with status message",
			result:   `{"kind":"task","id":"t2","contextId":"ctx","status":{"state":"failed","message":{"kind":"message","messageId":"m","role":"agent","parts":[{"kind":"text","text":"quota exceeded"}]}}}`,
			wantKind: KindError,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, "quota exceeded", msg.Error)
			},
		},
		{
			name:     "rejected without message",
			result:   `{"kind":"task","id":"t3","contextId":"ctx","status":{"state":"rejected"}}`,
			wantKind: KindError,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, "task rejected", msg.Error)
			},
		},
		{
			name:     "working is progress",
			result:   `{"kind":"task","id":"t4","contextId":"ctx","status":{"state":"working"}}`,
			wantKind: KindHeartbeat,
		},
		{
			name:     "bare message result",
			result:   `{"kind":"message","messageId":"m2","role":"agent","parts":[{"kind":"data","data":{"score":0.5}}]}`,
			wantKind: KindResponse,
			check: func(t *testing.T, msg Message) {
				assert.JSONEq(t, `{"score":0.5}`, string(msg.Payload))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := `{"jsonrpc":"2.0","id":"corr-1","result":` + tt.result + `}`
			msg, err := Decode([]byte(frame), A2A)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, msg.Kind)
			assert.Equal(t, "corr-1", msg.CorrelationID)
			if tt.check != nil {
				tt.check(t, msg)
			}
		})
	}
}

func TestA2A_Malformed(t *testing.T) {
	_, err := Decode([]byte(`{"jsonrpc":"2.0","id":"x1","method":"tasks/resubscribe"}`), A2A)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "x1", de.CorrelationID)

	_, err = Decode([]byte(`{"jsonrpc":"2.0","id":"x2","result":"just a string"}`), A2A)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "x2", de.CorrelationID)
}

func TestPayloadParts_ScalarValue(t *testing.T) {
	parts, err := payloadToParts(json.RawMessage(`[1,2,3]`))
	require.NoError(t, err)
	require.Len(t, parts, 1)

	payload, err := partsToPayload(parts)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(payload))
}

func TestEncode_UnknownKind(t *testing.T) {
	for _, kind := range []ProtocolKind{Native, MCP, A2A} {
		_, err := Encode(Message{Kind: Kind(99)}, kind)
		assert.Error(t, err, kind)
	}
}
