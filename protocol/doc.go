// Package protocol implements the framing used by tether peers to talk to
// each other over a byte stream.
//
// The protocol aims to be
//
// - cheap to parse incrementally
// - bounded in memory per frame
// - symmetric, either peer can send any kind of message
//
// There are three kinds of message
//
// - `Command`  - a one way message, nobody replies to it
// - `Request`  - a message the sender expects a `Response` to
// - `Response` - the reply to a request, it reuses the request's id
//
// === Frame layout
//
// Every frame is a fixed 20 byte header followed by a type name and a payload.
// All integers are big endian.
//
//	offset 0     u32 magic          0x54485231 ("THR1")
//	offset 4     i32 id
//	offset 8     i32 isResponse     0 or 1
//	offset 12    i32 typeNameLength N
//	offset 16    i32 payloadLength  M
//	offset 20    N bytes            abbreviated type name, UTF-8
//	offset 20+N  M bytes            payload
//
// Payloads larger than MaxPayloadLength (10MiB) are rejected. Receivers must
// drop the connection when they see one, the length field can't be trusted.
//
// === Type names
//
// The type name says how to decode the payload. Names are usually long fully
// qualified Go type names, so both peers share a table of abbreviations (see
// TypeNameCodec) that is applied before the name goes on the wire.
//
// === Ids
//
// Ids are chosen by the sender of a command or request and only need to be
// unique among that sender's outstanding requests. A peer never interprets the
// other peer's ids except to echo them back on a response.
package protocol
