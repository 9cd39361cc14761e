package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// drainTimeout bounds how long Close spends flushing queued frames
const drainTimeout = time.Second

var (
	ErrClosed    = errors.New("Stream is closed")
	ErrQueueFull = errors.New("Write queue stayed full")
)

// Receiver consumes the bytes read from a Stream.
type Receiver interface {
	// OnReceived is called with each chunk read, in order, from a single
	// goroutine. The chunk is only valid until OnReceived returns.
	OnReceived(chunk []byte)

	// OnDisconnected is called once, after the last OnReceived.
	OnDisconnected(err error)
}

// ConnectFunc returns the Receiver for a newly accepted Stream.
type ConnectFunc func(s *Stream) Receiver

// Stream runs a read loop and a write loop over one net.Conn.
//
// Send queues whole frames for the write loop, so frames from concurrent
// senders never interleave on the wire.
type Stream struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup

	conn net.Conn

	writeQueue chan []byte

	started atomic.Bool
	closed  atomic.Bool

	options StreamOptions
	log     *zap.Logger
}

func NewStream(conn net.Conn, options StreamOptions, log *zap.Logger) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	options = options.withDefaults()

	if log == nil {
		log = zap.NewNop()
	}

	return &Stream{
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		writeQueue: make(chan []byte, options.WriteQueueSize),
		options:    options,
		log:        log.With(zap.Stringer("remote", conn.RemoteAddr())),
	}
}

// Dial connects to addr and returns a Stream that has not been started yet.
func Dial(ctx context.Context, addr string, options StreamOptions, log *zap.Logger) (*Stream, error) {
	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return NewStream(conn, options, log), nil
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Stream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Start runs the read and write loops, delivering everything read to
// receiver. It returns immediately. Calling it more than once has no effect.
func (s *Stream) Start(receiver Receiver) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.loopWaiter.Add(2)

	go func() {
		defer s.loopWaiter.Done()
		s.readLoop(receiver)
	}()

	go func() {
		defer s.loopWaiter.Done()
		s.writeLoop()
	}()
}

// Wait blocks until both loops have exited.
func (s *Stream) Wait() {
	s.loopWaiter.Wait()
}

// Done is closed once Close has been called.
func (s *Stream) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Send queues frame to be written. It blocks while the write queue is full,
// for at most QueueTimeout, and fails with ErrClosed once the Stream is
// closed. A Stream whose queue stays full is closed and Send returns
// ErrQueueFull.
func (s *Stream) Send(frame []byte) error {
	if !s.isRunning() {
		return ErrClosed
	}

	select {
	case s.writeQueue <- frame:
		return nil

	case <-s.ctx.Done():
		return ErrClosed

	default:
	}

	timer := time.NewTimer(s.options.QueueTimeout)
	defer timer.Stop()

	select {
	case s.writeQueue <- frame:
		return nil

	case <-s.ctx.Done():
		return ErrClosed

	case <-timer.C:
		s.log.Warn("Peer is not keeping up, closing",
			zap.Duration("queueTimeout", s.options.QueueTimeout),
			zap.Int("queued", len(s.writeQueue)))
		s.Close()
		return ErrQueueFull
	}
}

// Close stops the Stream. Frames that are already queued are still written,
// within a short deadline. Close does not wait for the loops to exit, use
// Wait for that. Calling it more than once is harmless.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.cancel()

	if !s.started.Load() {
		return s.conn.Close()
	}

	// The write loop closes the connection once it has drained
	return nil
}

func (s *Stream) readLoop(receiver Receiver) {
	log := s.log.Named("readLoop")
	buf := make([]byte, s.options.ReadBufferSize)

	var err error
	for {
		var n int
		n, err = s.conn.Read(buf)

		if n > 0 {
			if s.options.Trace {
				log.Debug("Read", zap.Binary("chunk", buf[:n]))
			}

			receiver.OnReceived(buf[:n])
		}

		if err != nil {
			break
		}
	}

	if !s.isRunning() {
		err = ErrClosed
	} else if errors.Is(err, io.EOF) {
		log.Info("Peer closed the connection")
	} else {
		log.Warn("Failed to read from connection", zap.Error(err))
	}

	s.Close()
	receiver.OnDisconnected(err)
}

func (s *Stream) writeLoop() {
	log := s.log.Named("writeLoop")

	defer func() {
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Warn("Connection did not close cleanly", zap.Error(err))
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.drain(log)
			return

		case frame := <-s.writeQueue:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout)); err != nil {
				log.Warn("Failed to set write deadline", zap.Error(err))
				s.Close()
				return
			}

			if err := s.write(frame); err != nil {
				log.Warn("Failed to write frame", zap.Error(err))
				s.Close()
				return
			}
		}
	}
}

// drain writes whatever is still queued when the Stream is closed.
func (s *Stream) drain(log *zap.Logger) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(drainTimeout)); err != nil {
		return
	}

	for {
		select {
		case frame := <-s.writeQueue:
			if err := s.write(frame); err != nil {
				log.Debug("Dropped queued frames on close", zap.Error(err))
				return
			}

		default:
			return
		}
	}
}

func (s *Stream) write(frame []byte) error {
	if s.options.Trace {
		s.log.Debug("Write", zap.Binary("frame", frame))
	}

	_, err := s.conn.Write(frame)
	return err
}

// isRunning returns true if Close has not been called
func (s *Stream) isRunning() bool {
	select {
	case <-s.ctx.Done():
		return false

	default:
		return true
	}
}
