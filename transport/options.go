package transport

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultReadBufferSize = 32 * 1024
	DefaultWriteQueueSize = 127
	DefaultQueueTimeout   = 5 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on. 0 picks a free port, see TCP.Addr.
	Port int

	// Reuseport controls setting SO_REUSEPORT, which lets NumListeners
	// listeners accept on the same port.
	// TODO(rolly) this https://blog.cloudflare.com/graceful-upgrades-in-go/
	Reuseport bool

	// NumListeners defaults to one per CPU when Reuseport is set, and is
	// always 1 otherwise.
	NumListeners int

	// OnConnect is called for every accepted connection. The Receiver it
	// returns gets the connection's bytes.
	OnConnect ConnectFunc

	Stream StreamOptions

	Log *zap.Logger
}

type StreamOptions struct {
	// ReadBufferSize is the largest chunk handed to a Receiver at once.
	ReadBufferSize int

	// WriteQueueSize is the number of frames Send can queue before it blocks.
	WriteQueueSize int

	// QueueTimeout is how long Send waits for room in a full write queue.
	// A Stream that stays full that long is closed.
	QueueTimeout time.Duration

	// WriteTimeout bounds each write to the connection. A peer that does not
	// read for that long is disconnected.
	WriteTimeout time.Duration

	// Trace will log every chunk read and frame written at debug level. This
	// is only useful in local debugging
	Trace bool
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.ReadBufferSize < 1 {
		o.ReadBufferSize = DefaultReadBufferSize
	}

	if o.WriteQueueSize < 1 {
		o.WriteQueueSize = DefaultWriteQueueSize
	}

	if o.QueueTimeout <= 0 {
		o.QueueTimeout = DefaultQueueTimeout
	}

	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}

	return o
}
