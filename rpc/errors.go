package rpc

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why a message could not be handled. Codes travel on
// the wire inside error responses, so existing values must never change.
type ErrorCode int

const (
	CodeOK ErrorCode = iota
	CodeTimeout
	CodeHandlerException
	CodeUnknownType
	CodeUnhandledType
	CodeUnexpectedResponse
	CodeDisconnected
	CodeSendFailed
	CodeRateLimited
	CodeCorruptFrame
	CodeOversizedFrame
	CodeInvalidPayload
)

var codeNames = map[ErrorCode]string{
	CodeOK:                 "OK",
	CodeTimeout:            "Timeout",
	CodeHandlerException:   "HandlerException",
	CodeUnknownType:        "UnknownType",
	CodeUnhandledType:      "UnhandledType",
	CodeUnexpectedResponse: "UnexpectedResponse",
	CodeDisconnected:       "Disconnected",
	CodeSendFailed:         "SendFailed",
	CodeRateLimited:        "RateLimited",
	CodeCorruptFrame:       "CorruptFrame",
	CodeOversizedFrame:     "OversizedFrame",
	CodeInvalidPayload:     "InvalidPayload",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}

	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error makes codes usable as errors, so callers can write
// errors.Is(err, rpc.CodeTimeout).
func (c ErrorCode) Error() string {
	return c.String()
}

// RemoteError is an error reported by the peer in an error response, or
// synthesized locally when a response could not be understood.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Code
}

var (
	ErrClosed           = errors.New("Connection is closed")
	ErrDuplicateHandler = errors.New("A handler is already registered for this type")
	ErrDuplicateID      = errors.New("A request with this id is already pending")
	ErrNilHandler       = errors.New("Handler must not be nil")
)

// CodeOf returns the ErrorCode carried by err, CodeOK for a nil error, or
// CodeHandlerException for any error that carries no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}

	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}

	return CodeHandlerException
}

// errorReply is the payload of an error response.
type errorReply struct {
	Code    ErrorCode `msgpack:"code" json:"code"`
	Message string    `msgpack:"message" json:"message"`
}
