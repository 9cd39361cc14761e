package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrNoConnectFunc = errors.New("OnConnect must be set")

// TCP accepts connections on one or more listeners and hands each one to
// Options.OnConnect as a started Stream.
type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr string

	numListeners int
	reuseport    bool
	listeners    []*TCPListener

	onConnect     ConnectFunc
	streamOptions StreamOptions

	log *zap.Logger
}

func NewTCP(options Options) *TCP {
	numListeners := options.NumListeners

	if !options.Reuseport {
		numListeners = 1
	} else if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &TCP{
		addr:          net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		numListeners:  numListeners,
		reuseport:     options.Reuseport,
		listeners:     make([]*TCPListener, 0, numListeners),
		onConnect:     options.OnConnect,
		streamOptions: options.Stream,
		log:           log,
	}
}

// Start binds every listener and starts accepting. It returns once the
// listeners are bound.
func (w *TCP) Start(parentCtx context.Context) error {
	if w.onConnect == nil {
		return ErrNoConnectFunc
	}

	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	w.log.Info("Starting tcp listeners", zap.Int("count", w.numListeners))

	addr := w.addr
	for i := 0; i < w.numListeners; i++ {
		listener, err := w.listen(addr)
		if err != nil {
			cancel()
			return multierr.Append(
				fmt.Errorf("Failed to listen on %s: %w", addr, err),
				w.closeListeners(),
			)
		}

		// With port 0 the first listener picks the port, the others share it
		addr = listener.Addr().String()

		w.startListener(ctx, listener)
	}

	return nil
}

// Addr returns the address the listeners are bound to, or nil before Start.
func (w *TCP) Addr() net.Addr {
	if len(w.listeners) == 0 {
		return nil
	}

	return w.listeners[0].listener.Addr()
}

func (w *TCP) listen(addr string) (net.Listener, error) {
	if w.reuseport {
		return reuseport.Listen("tcp", addr)
	}

	return net.Listen("tcp", addr)
}

func (w *TCP) startListener(ctx context.Context, listener net.Listener) {
	w.stopWaiter.Add(1)

	tcpListener := NewTCPListener(
		ctx,
		listener,
		w.onConnect,
		w.streamOptions,
		w.log.Named("listener").With(zap.Int("listener", len(w.listeners))),
	)

	w.listeners = append(w.listeners, tcpListener)

	go func() {
		defer w.stopWaiter.Done()

		if err := tcpListener.Accept(); err != nil {
			// TODO(rolly) as any of the listeners can fail, but we don't treat this as fatal,
			//             you can end up with less than the required amount of listeners running
			w.log.Error("Failed to accept", zap.Error(err))
		}
	}()
}

// Close immediately closes all listeners and their connections and waits for
// them to stop.
func (w *TCP) Close() error {
	w.log.Info("Stopping TCP server")

	if w.cancel != nil {
		w.cancel()
	}

	err := w.closeListeners()

	w.stopWaiter.Wait()
	w.log.Info("TCP server stopped")

	return err
}

func (w *TCP) closeListeners() (err error) {
	for _, listener := range w.listeners {
		err = multierr.Append(err, listener.Close())
	}

	return err
}

// TCPListener accepts connections from one listener and tracks the Streams it
// started.
type TCPListener struct {
	ctx context.Context

	listener net.Listener
	log      *zap.Logger

	onConnect     ConnectFunc
	streamOptions StreamOptions

	mu            sync.Mutex
	activeStreams map[*Stream]struct{}
	closeOnce     sync.Once
	loopWaiter    sync.WaitGroup
}

func NewTCPListener(
	ctx context.Context,
	listener net.Listener,
	onConnect ConnectFunc,
	streamOptions StreamOptions,
	log *zap.Logger,
) *TCPListener {
	return &TCPListener{
		ctx:           ctx,
		listener:      listener,
		onConnect:     onConnect,
		streamOptions: streamOptions,
		activeStreams: make(map[*Stream]struct{}),
		log:           log,
	}
}

// Close stops accepting and closes every Stream this listener started.
func (t *TCPListener) Close() (err error) {
	t.closeOnce.Do(func() {
		if lerr := t.listener.Close(); lerr != nil && !errors.Is(lerr, net.ErrClosed) {
			err = multierr.Append(err, lerr)
		}

		t.mu.Lock()
		streams := make([]*Stream, 0, len(t.activeStreams))
		for stream := range t.activeStreams {
			streams = append(streams, stream)
		}
		t.mu.Unlock()

		for _, stream := range streams {
			err = multierr.Append(err, stream.Close())
		}
	})

	return err
}

// Accept runs until the listener is closed. It waits for the loops of every
// Stream it started before returning.
func (t *TCPListener) Accept() error {
	defer t.loopWaiter.Wait()

	go func() {
		<-t.ctx.Done()
		t.Close()
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// The listener was closed while we were waiting for new connections
				// that's fine.
				t.log.Info("Stopped accepting new connections")
				return nil
			}

			// TODO(rolly) can we recover from some classes of err?
			return err
		}

		stream := NewStream(conn, t.streamOptions, t.log.Named("stream"))
		t.addStream(stream)

		// Close snapshots the streams after the context is cancelled, so
		// anything added before this check is closed by it
		if t.ctx.Err() != nil {
			t.removeStream(stream)
			stream.Close()
			continue
		}

		receiver := t.onConnect(stream)
		if receiver == nil {
			t.log.Warn("Connection rejected", zap.Stringer("remote", conn.RemoteAddr()))
			t.removeStream(stream)
			stream.Close()
			continue
		}

		stream.Start(receiver)

		t.loopWaiter.Add(1)
		go func() {
			defer t.loopWaiter.Done()

			stream.Wait()
			t.removeStream(stream)
		}()
	}
}

// Streams returns the number of open Streams.
func (t *TCPListener) Streams() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.activeStreams)
}

func (t *TCPListener) addStream(stream *Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeStreams[stream] = struct{}{}
}

func (t *TCPListener) removeStream(stream *Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeStreams, stream)
}
