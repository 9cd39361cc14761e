package protocol

import (
	"go.uber.org/multierr"
)

// AssemblerState is the stage of the frame the Assembler is currently reading.
type AssemblerState int

const (
	AwaitingHeader AssemblerState = iota
	AwaitingTypeName
	AwaitingPayload
)

func (s AssemblerState) String() string {
	switch s {
	case AwaitingHeader:
		return "AwaitingHeader"
	case AwaitingTypeName:
		return "AwaitingTypeName"
	case AwaitingPayload:
		return "AwaitingPayload"
	default:
		return "Unknown"
	}
}

// Assembler reconstructs frames from a byte stream that may be chunked at
// arbitrary boundaries.
//
// Each stage reads into a buffer of exactly the size it needs. The type name
// and payload buffers are only allocated once the header has been validated,
// so a header claiming an oversized payload never causes a large allocation.
//
// When a header fails validation the Assembler drops those HeaderSize bytes,
// goes back to AwaitingHeader and keeps parsing whatever follows. Whether the
// stream is still worth reading after that is the caller's decision.
//
// An Assembler is not safe for concurrent use.
type Assembler struct {
	state  AssemblerState
	header Header

	headerBuf [HeaderSize]byte
	typeName  []byte
	payload   []byte

	// filled is the number of bytes read into the current stage's buffer
	filled int
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// State returns the stage the next byte will be read into.
func (a *Assembler) State() AssemblerState {
	return a.state
}

// Buffered returns the number of bytes held for the frame currently being
// assembled.
func (a *Assembler) Buffered() int {
	switch a.state {
	case AwaitingTypeName:
		return HeaderSize + a.filled
	case AwaitingPayload:
		return HeaderSize + len(a.typeName) + a.filled
	default:
		return a.filled
	}
}

// Reset discards any partially assembled frame.
func (a *Assembler) Reset() {
	a.state = AwaitingHeader
	a.header = Header{}
	a.typeName = nil
	a.payload = nil
	a.filled = 0
}

// Feed consumes data and returns every frame it completed, in stream order.
//
// Header errors do not stop parsing: each one is appended to the returned
// error (see multierr.Errors) and the remaining bytes are still consumed.
// Callers can test for ErrCorruptFrame and ErrOversizedFrame with errors.Is.
func (a *Assembler) Feed(data []byte) (envelopes []Envelope, err error) {
	for a.fill(&data) {
		switch a.state {
		case AwaitingHeader:
			h, herr := DecodeHeader(a.headerBuf[:])
			if herr != nil {
				err = multierr.Append(err, herr)
				a.Reset()
				continue
			}

			a.header = h
			a.typeName = make([]byte, h.TypeNameLength)
			a.filled = 0
			a.state = AwaitingTypeName

		case AwaitingTypeName:
			a.payload = make([]byte, a.header.PayloadLength)
			a.filled = 0
			a.state = AwaitingPayload

		case AwaitingPayload:
			envelopes = append(envelopes, Envelope{
				ID:         a.header.ID,
				IsResponse: a.header.IsResponse,
				TypeName:   string(a.typeName),
				Payload:    a.payload,
			})
			a.Reset()
		}
	}

	return envelopes, err
}

// fill copies as much of data as fits into the current stage's buffer and
// advances data past it. It reports whether the buffer is now full.
func (a *Assembler) fill(data *[]byte) bool {
	var buf []byte

	switch a.state {
	case AwaitingHeader:
		buf = a.headerBuf[:]
	case AwaitingTypeName:
		buf = a.typeName
	case AwaitingPayload:
		buf = a.payload
	}

	if a.filled == len(buf) {
		// Zero length stage, nothing to read
		return true
	}

	n := copy(buf[a.filled:], *data)
	a.filled += n
	*data = (*data)[n:]

	return a.filled == len(buf)
}
