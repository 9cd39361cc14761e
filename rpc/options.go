package rpc

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luma/tether/protocol"
)

const (
	// Infinite disables a timeout or interval.
	Infinite time.Duration = -1

	DefaultKeepAliveInterval = 10 * time.Second
)

// DefaultVersion is the protocol version peers announce unless configured
// otherwise.
var DefaultVersion = protocol.Version{Major: 1, Minor: 0, Revision: 0}

// Transport is the byte stream a Conn runs on.
type Transport interface {
	// Send writes one whole frame. Frames passed to concurrent calls must not
	// interleave on the wire.
	Send(frame []byte) error

	Close() error
}

type Options struct {
	Log *zap.Logger

	// Serializer encodes payloads. Defaults to MsgpackSerializer.
	Serializer Serializer

	// TypeNames abbreviates type names on the wire. Defaults to a codec for
	// protocol.DefaultAbbreviations.
	TypeNames *protocol.TypeNameCodec

	// Version is announced to, and compared with, the peer's.
	// Defaults to DefaultVersion.
	Version protocol.Version

	// KeepAliveInterval defaults to DefaultKeepAliveInterval. Infinite
	// disables keepalives.
	KeepAliveInterval time.Duration

	// DefaultRequestTimeout applies to requests sent without an explicit
	// timeout. Zero means Infinite.
	DefaultRequestTimeout time.Duration

	// InboundRate limits the commands and requests dispatched per second.
	// Zero means unlimited.
	InboundRate  float64
	InboundBurst int
}

func (o Options) withDefaults() Options {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	if o.Serializer == nil {
		o.Serializer = MsgpackSerializer{}
	}

	if o.TypeNames == nil {
		o.TypeNames = protocol.MustTypeNameCodec(protocol.DefaultAbbreviations)
	}

	if o.Version == (protocol.Version{}) {
		o.Version = DefaultVersion
	}

	if o.KeepAliveInterval == 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}

	if o.DefaultRequestTimeout == 0 {
		o.DefaultRequestTimeout = Infinite
	}

	if o.InboundRate > 0 && o.InboundBurst < 1 {
		o.InboundBurst = 1
	}

	return o
}

func (o Options) limiter() *rate.Limiter {
	if o.InboundRate <= 0 {
		return nil
	}

	return rate.NewLimiter(rate.Limit(o.InboundRate), o.InboundBurst)
}

// MessageOption tweaks how a single message or handler is treated.
type MessageOption func(*messageOptions)

type messageOptions struct {
	logEnabled bool
}

// Quiet turns off the per message debug logs, for chatty message types.
func Quiet() MessageOption {
	return func(o *messageOptions) {
		o.logEnabled = false
	}
}

func applyMessageOptions(opts []MessageOption) messageOptions {
	o := messageOptions{logEnabled: true}
	for _, opt := range opts {
		opt(&o)
	}

	return o
}
