package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic opens every frame on the wire ("THR1").
	Magic uint32 = 0x54485231

	// HeaderSize is the fixed size of an encoded Header.
	HeaderSize = 20

	// MaxPayloadLength caps the payload of a single frame. A header claiming more
	// than this is rejected before any payload buffer is allocated.
	MaxPayloadLength = 10 * 1024 * 1024

	// MaxTypeNameLength caps the abbreviated type name of a single frame.
	MaxTypeNameLength = 64 * 1024
)

var (
	ErrCorruptFrame   = errors.New("Frame is corrupt")
	ErrOversizedFrame = errors.New("Frame exceeds the maximum allowed size")
	ErrShortHeader    = errors.New("Header is too short")
)

// Header is the fixed-size prefix of every frame.
type Header struct {
	Magic          uint32
	ID             int32
	IsResponse     bool
	TypeNameLength int32
	PayloadLength  int32
}

// FrameLength is the total number of bytes the frame described by h occupies
// on the wire.
func (h Header) FrameLength() int {
	return HeaderSize + int(h.TypeNameLength) + int(h.PayloadLength)
}

// EncodeHeader encodes h into a new HeaderSize byte slice.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	PutHeader(buf, h)
	return buf
}

// PutHeader encodes h into the first HeaderSize bytes of buf. It panics if buf
// is too small, like binary.BigEndian does.
func PutHeader(buf []byte, h Header) {
	var isResponse uint32
	if h.IsResponse {
		isResponse = 1
	}

	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.ID))
	binary.BigEndian.PutUint32(buf[8:12], isResponse)
	binary.BigEndian.PutUint32(buf[12:16], uint32(h.TypeNameLength))
	binary.BigEndian.PutUint32(buf[16:20], uint32(h.PayloadLength))
}

// DecodeHeader parses and validates a header.
//
// A header whose magic does not match, whose response flag is not 0 or 1, or
// whose lengths are negative fails with ErrCorruptFrame. A header whose lengths
// exceed MaxPayloadLength or MaxTypeNameLength fails with ErrOversizedFrame.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("Got %d bytes: %w", len(b), ErrShortHeader)
	}

	magic := binary.BigEndian.Uint32(b[0:4])
	if magic != Magic {
		return Header{}, fmt.Errorf("Unexpected magic %#08x: %w", magic, ErrCorruptFrame)
	}

	h := Header{
		Magic:          magic,
		ID:             int32(binary.BigEndian.Uint32(b[4:8])),
		TypeNameLength: int32(binary.BigEndian.Uint32(b[12:16])),
		PayloadLength:  int32(binary.BigEndian.Uint32(b[16:20])),
	}

	switch binary.BigEndian.Uint32(b[8:12]) {
	case 0:
		h.IsResponse = false
	case 1:
		h.IsResponse = true
	default:
		return Header{}, fmt.Errorf("Invalid response flag: %w", ErrCorruptFrame)
	}

	if h.TypeNameLength < 0 || h.PayloadLength < 0 {
		return Header{}, fmt.Errorf("Negative length (typeName=%d payload=%d): %w",
			h.TypeNameLength, h.PayloadLength, ErrCorruptFrame)
	}

	if h.PayloadLength > MaxPayloadLength {
		return Header{}, fmt.Errorf("Payload of %d bytes: %w", h.PayloadLength, ErrOversizedFrame)
	}

	if h.TypeNameLength > MaxTypeNameLength {
		return Header{}, fmt.Errorf("Type name of %d bytes: %w", h.TypeNameLength, ErrOversizedFrame)
	}

	return h, nil
}
