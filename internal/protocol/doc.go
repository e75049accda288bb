// Package protocol translates between the hub's canonical Message envelope
// and the wire formats spoken by connected agents.
//
// # Canonical Envelope
//
// Every frame that crosses the hub is reduced to a [Message]: a [Kind]
// (request, response, error, heartbeat), a correlation id, the peer agent id,
// an opaque JSON payload and a timestamp. Nothing outside this package looks
// at wire bytes, and nothing inside it looks at payload business content.
//
// # Codecs
//
// A [Codec] exists per [ProtocolKind]:
//
//   - native: a flat JSON object with a "type" discriminator
//   - mcp: JSON-RPC 2.0 where requests are tools/call invocations
//   - a2a: JSON-RPC 2.0 carrying A2A message/send params and Task results
//
// Codecs are stateless and safe for concurrent use. Decode failures are
// returned as *[DecodeError], which wraps [ErrMalformedPayload] and carries
// the correlation id when the frame was intact enough to expose one.
//
// # Handshake
//
// The first frame on any connection is a [Hello] regardless of protocol.
// The hub answers with a [Welcome] or a [Rejection]; both are plain JSON.
//
// # Discovery
//
// A2A agents advertise an agent card. [Discovery] fetches cards from the
// well-known path, collapses concurrent fetches for the same URL, and caches
// the result for the life of the process.
package protocol
