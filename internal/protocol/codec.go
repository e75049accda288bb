// ABOUTME: Codec interface and protocol dispatch for encode/decode.
// ABOUTME: Selects the stateless codec for a ProtocolKind.

package protocol

import "fmt"

// Codec converts between canonical messages and one wire format.
type Codec interface {
	Protocol() ProtocolKind
	Encode(msg Message) ([]byte, error)
	Decode(frame []byte) (Message, error)
}

// CodecFor returns the codec for kind.
func CodecFor(kind ProtocolKind) (Codec, error) {
	switch kind {
	case Native:
		return nativeCodec{}, nil
	case MCP:
		return mcpCodec{}, nil
	case A2A:
		return a2aCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: no codec for %q", ErrProtocolMismatch, kind)
	}
}

// Encode renders msg in the wire format of kind.
func Encode(msg Message, kind ProtocolKind) ([]byte, error) {
	c, err := CodecFor(kind)
	if err != nil {
		return nil, err
	}
	return c.Encode(msg)
}

// Decode parses frame from the wire format of kind.
func Decode(frame []byte, kind ProtocolKind) (Message, error) {
	c, err := CodecFor(kind)
	if err != nil {
		return Message{}, err
	}
	return c.Decode(frame)
}
