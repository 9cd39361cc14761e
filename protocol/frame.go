package protocol

import (
	"fmt"
	"unicode/utf8"
)

// Envelope is a fully decoded frame.
type Envelope struct {
	ID         int32
	IsResponse bool

	// TypeName is the type name exactly as it appeared on the wire, i.e. still
	// abbreviated.
	TypeName string

	Payload []byte
}

// AppendFrame appends the encoded frame for env to dst and returns the
// extended slice. The whole frame is produced in one buffer so it can be handed
// to a transport in a single write.
func AppendFrame(dst []byte, env Envelope) ([]byte, error) {
	if len(env.Payload) > MaxPayloadLength {
		return dst, fmt.Errorf("Payload of %d bytes: %w", len(env.Payload), ErrOversizedFrame)
	}

	if len(env.TypeName) > MaxTypeNameLength {
		return dst, fmt.Errorf("Type name of %d bytes: %w", len(env.TypeName), ErrOversizedFrame)
	}

	if !utf8.ValidString(env.TypeName) {
		return dst, fmt.Errorf("Type name %q is not valid UTF-8", env.TypeName)
	}

	h := Header{
		Magic:          Magic,
		ID:             env.ID,
		IsResponse:     env.IsResponse,
		TypeNameLength: int32(len(env.TypeName)),
		PayloadLength:  int32(len(env.Payload)),
	}

	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	PutHeader(dst[start:], h)

	dst = append(dst, env.TypeName...)
	dst = append(dst, env.Payload...)

	return dst, nil
}

// EncodeFrame encodes env into a new buffer.
func EncodeFrame(env Envelope) ([]byte, error) {
	return AppendFrame(make([]byte, 0, HeaderSize+len(env.TypeName)+len(env.Payload)), env)
}
