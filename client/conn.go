package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/tether/rpc"
	"github.com/luma/tether/service"
	"github.com/luma/tether/transport"
)

const (
	UpdateBufferSize      = 255
	DefaultVersionTimeout = 5 * time.Second
)

var (
	ErrNotFound        = errors.New("Key not found")
	ErrVersionMismatch = errors.New("Server speaks an incompatible protocol version")
)

type Update struct {
	Key     string
	Value   []byte
	Deleted bool
}

type Options struct {
	Conn   rpc.Options
	Stream transport.StreamOptions

	// VersionTimeout bounds the version check made by Connect. Defaults to
	// DefaultVersionTimeout.
	VersionTimeout time.Duration

	// SkipVersionCheck connects without checking the server's version.
	SkipVersionCheck bool
}

// Conn is a client of the KV service.
type Conn struct {
	conn   *rpc.Conn
	stream *transport.Stream

	updateMu   sync.Mutex
	updateChan chan *Update
	closed     bool

	options Options
	log     *zap.Logger
}

func New(log *zap.Logger, options Options) *Conn {
	if log == nil {
		log = zap.NewNop()
	}

	if options.VersionTimeout <= 0 {
		options.VersionTimeout = DefaultVersionTimeout
	}

	if options.Conn.Log == nil {
		options.Conn.Log = log
	}

	return &Conn{
		log:        log,
		options:    options,
		updateChan: make(chan *Update, UpdateBufferSize),
	}
}

// Connect dials addr and checks that the server speaks a compatible protocol
// version.
func (c *Conn) Connect(ctx context.Context, addr string) error {
	stream, err := transport.Dial(ctx, addr, c.options.Stream, c.log.Named("stream"))
	if err != nil {
		return err
	}

	c.stream = stream
	c.conn = rpc.NewConn(stream, c.options.Conn)

	if err := rpc.AddCommandHandler(c.conn, c.handleKeyUpdated, rpc.Quiet()); err != nil {
		c.conn.Disconnect()
		return err
	}

	stream.Start(c.conn)

	go func() {
		<-c.conn.Done()
		c.closeUpdateChan()
	}()

	if c.options.SkipVersionCheck {
		return nil
	}

	if result := c.conn.CheckProtocolVersion(c.options.VersionTimeout); result != rpc.VersionOK {
		c.conn.Disconnect()
		return fmt.Errorf("Version check against %s returned %s: %w", addr, result, ErrVersionMismatch)
	}

	return nil
}

// RPC returns the underlying rpc connection.
func (c *Conn) RPC() *rpc.Conn {
	return c.conn
}

// Disconnect closes the connection and waits for its loops to exit.
func (c *Conn) Disconnect() error {
	if c.conn == nil {
		return nil
	}

	err := c.conn.Disconnect()
	c.stream.Wait()

	return err
}

// UpdateChan receives every change the server pushes. It is closed when the
// connection closes.
func (c *Conn) UpdateChan() <-chan *Update {
	return c.updateChan
}

// Ping checks that the server is responsive.
func (c *Conn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *Conn) Set(ctx context.Context, key string, value []byte) error {
	_, err := rpc.Call[service.SetRequest, service.SetResponse](ctx, c.conn, &service.SetRequest{
		Key:   key,
		Value: value,
	})

	return err
}

func (c *Conn) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := rpc.Call[service.GetRequest, service.GetResponse](ctx, c.conn, &service.GetRequest{Key: key})
	if err != nil {
		return nil, err
	}

	if !resp.Found {
		return nil, fmt.Errorf("Failed to get %q: %w", key, ErrNotFound)
	}

	return resp.Value, nil
}

// Delete asks the server to delete key. It does not wait for the deletion, a
// matching Update arrives once it happened.
func (c *Conn) Delete(ctx context.Context, key string) error {
	return rpc.SendCommand(c.conn, &service.DeleteCommand{Key: key})
}

func (c *Conn) handleKeyUpdated(cmd *service.KeyUpdated) error {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	if c.closed {
		return nil
	}

	update := &Update{Key: cmd.Key, Value: cmd.Value, Deleted: cmd.Deleted}

	select {
	case c.updateChan <- update:
		return nil

	default:
		return fmt.Errorf("Update buffer is full, dropped update of %q", cmd.Key)
	}
}

func (c *Conn) closeUpdateChan() {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.updateChan)
	}
}
