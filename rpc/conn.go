package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luma/tether/protocol"
)

// State is where a Conn is in its lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateVersionChecked
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnected:
		return "Connected"
	case StateVersionChecked:
		return "VersionChecked"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var errorReplyName = TypeName[errorReply]()

// Conn multiplexes commands, requests and responses over one Transport.
//
// Inbound bytes are delivered through OnReceived. They are assembled into
// frames and dispatched in stream order on the goroutine that delivered them:
// handlers and completion callbacks must not block waiting for a response on
// the same Conn.
//
// Outbound calls are safe from any goroutine.
type Conn struct {
	id string

	ctx    context.Context
	cancel context.CancelFunc

	transport  Transport
	serializer Serializer
	typeNames  *protocol.TypeNameCodec
	version    protocol.Version

	registry *Registry
	pending  *PendingTable

	recvMu    sync.Mutex
	assembler *protocol.Assembler
	limiter   *rate.Limiter

	sendMu sync.Mutex
	nextID atomic.Int32

	state  atomic.Int32
	closed atomic.Bool

	errMu sync.Mutex
	err   error

	keepAliveInterval atomic.Int64
	keepAliveChanged  chan struct{}
	defaultTimeout    atomic.Int64

	log *zap.Logger
}

// NewConn returns a connected Conn running on t. The caller must arrange for
// t to deliver its inbound bytes to OnReceived and its end of stream to
// OnDisconnected.
func NewConn(t Transport, options Options) *Conn {
	options = options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	c := &Conn{
		id:               id,
		ctx:              ctx,
		cancel:           cancel,
		transport:        t,
		serializer:       options.Serializer,
		typeNames:        options.TypeNames,
		version:          options.Version,
		registry:         NewRegistry(),
		pending:          NewPendingTable(),
		assembler:        protocol.NewAssembler(),
		limiter:          options.limiter(),
		keepAliveChanged: make(chan struct{}, 1),
		log:              options.Log.Named("conn").With(zap.String("conn", id)),
	}

	c.state.Store(int32(StateConnected))
	c.keepAliveInterval.Store(int64(options.KeepAliveInterval))
	c.defaultTimeout.Store(int64(options.DefaultRequestTimeout))

	c.registerBuiltins()
	openConnections.Inc()

	go c.keepAliveLoop()

	return c
}

// ID uniquely identifies the Conn in logs.
func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// Version is the protocol version this side announces.
func (c *Conn) Version() protocol.Version {
	return c.version
}

// Pending returns the number of requests waiting for a response.
func (c *Conn) Pending() int {
	return c.pending.Len()
}

// Handlers returns the type names that have a handler registered.
func (c *Conn) Handlers() []string {
	return c.registry.Names()
}

// Done is closed once the Conn is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err returns the reason the Conn was closed, nil while it is open or when it
// was closed by Disconnect.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	return c.err
}

func (c *Conn) KeepAliveInterval() time.Duration {
	return time.Duration(c.keepAliveInterval.Load())
}

// SetKeepAliveInterval changes how often keepalives are sent. Values <= 0 are
// ignored.
func (c *Conn) SetKeepAliveInterval(d time.Duration) {
	if d <= 0 {
		return
	}

	c.keepAliveInterval.Store(int64(d))

	select {
	case c.keepAliveChanged <- struct{}{}:
	default:
	}
}

func (c *Conn) DefaultRequestTimeout() time.Duration {
	return time.Duration(c.defaultTimeout.Load())
}

// SetDefaultRequestTimeout changes the timeout of requests sent without one.
// Values <= 0 mean Infinite.
func (c *Conn) SetDefaultRequestTimeout(d time.Duration) {
	if d <= 0 {
		d = Infinite
	}

	c.defaultTimeout.Store(int64(d))
}

// Disconnect closes the Conn. Every pending request fails with
// CodeDisconnected. Calling it more than once is harmless.
func (c *Conn) Disconnect() error {
	return c.close(nil)
}

// OnDisconnected tells the Conn its transport has gone away.
func (c *Conn) OnDisconnected(err error) {
	if err == nil {
		err = errors.New("Transport closed")
	}

	c.close(err)
}

func (c *Conn) close(reason error) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.errMu.Lock()
	c.err = reason
	c.errMu.Unlock()

	c.state.Store(int32(StateClosed))
	c.cancel()
	openConnections.Dec()

	failErr := fmt.Errorf("Connection closed: %w", CodeDisconnected)
	if reason != nil {
		failErr = fmt.Errorf("Connection closed (%s): %w", reason, CodeDisconnected)
	}

	failed := c.pending.FailAll(failErr)

	err := c.transport.Close()

	if reason != nil {
		c.log.Info("Disconnected", zap.Int("failedRequests", failed), zap.NamedError("reason", reason))
	} else {
		c.log.Info("Disconnected", zap.Int("failedRequests", failed))
	}

	return err
}

// isRunning returns true if the Conn has not been closed
func (c *Conn) isRunning() bool {
	select {
	case <-c.ctx.Done():
		return false

	default:
		return true
	}
}

func (c *Conn) nextRequestID() int32 {
	for {
		id := c.nextID.Add(1)
		if id > 0 {
			return id
		}

		// Wrap around instead of overflowing
		c.nextID.CompareAndSwap(id, 0)
	}
}

// send encodes and writes one frame.
func (c *Conn) send(id int32, isResponse bool, typeName string, payload []byte) error {
	frame, err := protocol.EncodeFrame(protocol.Envelope{
		ID:         id,
		IsResponse: isResponse,
		TypeName:   c.typeNames.Encode(typeName),
		Payload:    payload,
	})
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.isRunning() {
		return ErrClosed
	}

	if err := c.transport.Send(frame); err != nil {
		return fmt.Errorf("%w: %v", CodeSendFailed, err)
	}

	return nil
}

func (c *Conn) sendCommand(typeName string, value interface{}, o messageOptions) error {
	payload, err := c.serializer.Marshal(value)
	if err != nil {
		return fmt.Errorf("Failed to serialize %s: %w", typeName, err)
	}

	id := c.nextRequestID()
	if err := c.send(id, false, typeName, payload); err != nil {
		return err
	}

	recordSent(kindCommand)

	if o.logEnabled {
		c.log.Debug("Sent command", zap.Int32("id", id), zap.String("type", typeName))
	}

	return nil
}

// sendRequest registers a pending request and then sends it, so even an
// immediate response finds its entry. Errors that happen before anything was
// sent are returned, later ones reach onComplete.
func (c *Conn) sendRequest(
	typeName string,
	value interface{},
	expected *Type,
	timeout time.Duration,
	onComplete CompletionFunc,
	o messageOptions,
) (int32, error) {
	if !c.isRunning() {
		return 0, ErrClosed
	}

	payload, err := c.serializer.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("Failed to serialize %s: %w", typeName, err)
	}

	if timeout == 0 {
		timeout = c.DefaultRequestTimeout()
	}

	id := c.nextRequestID()
	sentAt := time.Now()

	done := func(response interface{}, err error) {
		recordRequestDone(sentAt, err)

		if err != nil && o.logEnabled {
			c.log.Debug("Request failed", zap.Int32("id", id), zap.String("type", typeName), zap.Error(err))
		}

		if onComplete != nil {
			onComplete(response, err)
		}
	}

	pendingRequests.Inc()
	if err := c.pending.Add(id, expected, timeout, done); err != nil {
		pendingRequests.Dec()

		if errors.Is(err, CodeDisconnected) {
			return 0, ErrClosed
		}

		return 0, err
	}

	if err := c.send(id, false, typeName, payload); err != nil {
		c.pending.Fail(id, err)
		return id, nil
	}

	recordSent(kindRequest)

	if o.logEnabled {
		c.log.Debug("Sent request", zap.Int32("id", id), zap.String("type", typeName))
	}

	return id, nil
}

// OnReceived feeds a chunk of the inbound stream to the Conn.
//
// Frames with a corrupt header are dropped and decoding resumes after them. A
// frame claiming more than protocol.MaxPayloadLength bytes closes the Conn,
// nothing after it can be trusted.
func (c *Conn) OnReceived(chunk []byte) {
	if fatal := c.receive(chunk); fatal != nil {
		c.close(fatal)
	}
}

func (c *Conn) receive(chunk []byte) (fatal error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if !c.isRunning() {
		return nil
	}

	envelopes, err := c.assembler.Feed(chunk)

	for _, ferr := range multierr.Errors(err) {
		if errors.Is(ferr, protocol.ErrOversizedFrame) {
			recordError(CodeOversizedFrame)
			c.log.Error("Received oversized frame, disconnecting", zap.Error(ferr))
			fatal = multierr.Append(fatal, ferr)
			continue
		}

		recordError(CodeCorruptFrame)
		c.log.Warn("Dropped corrupt frame", zap.Error(ferr))
	}

	if fatal != nil {
		return fatal
	}

	for _, env := range envelopes {
		// A handler may have disconnected us
		if !c.isRunning() {
			return nil
		}

		c.dispatch(env)
	}

	return nil
}

func (c *Conn) dispatch(env protocol.Envelope) {
	name := c.typeNames.Decode(env.TypeName)

	if env.IsResponse {
		recordReceived(kindResponse)
		c.handleResponse(env.ID, name, env.Payload)
		return
	}

	c.handleMessage(env.ID, name, env.Payload)
}

// handleMessage dispatches an inbound command or request. Whether a reply is
// sent depends only on the registration: handlers without a response type
// never reply.
func (c *Conn) handleMessage(id int32, name string, data []byte) {
	log := c.log.With(zap.Int32("id", id), zap.String("type", name))

	t, ok := c.registry.Resolve(name)
	if !ok {
		recordReceived(kindCommand)
		recordError(CodeUnknownType)
		log.Warn("Dropped message of unknown type")
		return
	}

	reg, ok := c.registry.Lookup(name)
	if !ok {
		recordReceived(kindCommand)
		recordError(CodeUnhandledType)
		log.Warn("Dropped message with no handler")
		return
	}

	isRequest := reg.Response != nil
	if isRequest {
		recordReceived(kindRequest)
	} else {
		recordReceived(kindCommand)
	}

	if c.limiter != nil && !c.limiter.Allow() {
		recordError(CodeRateLimited)
		log.Warn("Inbound rate limit exceeded")

		if isRequest {
			c.replyError(id, &RemoteError{Code: CodeRateLimited, Message: "Too many messages"})
		}
		return
	}

	payload := t.New()
	if err := c.serializer.Unmarshal(data, payload); err != nil {
		recordError(CodeInvalidPayload)
		log.Warn("Failed to deserialize payload", zap.Error(err))

		if isRequest {
			c.replyError(id, &RemoteError{Code: CodeInvalidPayload, Message: err.Error()})
		}
		return
	}

	if reg.LogEnabled {
		log.Debug("Received message")
	}

	response, err := reg.Call(payload)

	if !isRequest {
		if err != nil {
			recordError(CodeHandlerException)
			log.Warn("Command handler failed", zap.Error(err))
		}
		return
	}

	if err != nil {
		recordError(CodeOf(err))
		log.Warn("Request handler failed", zap.Error(err))
		c.replyError(id, err)
		return
	}

	if response == nil {
		response = reg.Response.New()
	}

	if err := c.reply(id, reg.Response.Name, response); err != nil {
		log.Warn("Failed to send response", zap.Error(err))
	}
}

func (c *Conn) reply(id int32, typeName string, response interface{}) error {
	payload, err := c.serializer.Marshal(response)
	if err != nil {
		return c.replyError(id, &RemoteError{
			Code:    CodeHandlerException,
			Message: fmt.Sprintf("Failed to serialize %s: %s", typeName, err),
		})
	}

	if err := c.send(id, true, typeName, payload); err != nil {
		return err
	}

	recordSent(kindResponse)
	return nil
}

func (c *Conn) replyError(id int32, err error) error {
	reply := errorReply{Code: CodeOf(err), Message: err.Error()}

	var remote *RemoteError
	if errors.As(err, &remote) {
		reply.Message = remote.Message
	}

	payload, merr := c.serializer.Marshal(&reply)
	if merr != nil {
		return merr
	}

	if serr := c.send(id, true, errorReplyName, payload); serr != nil {
		return serr
	}

	recordSent(kindResponse)
	return nil
}

func (c *Conn) handleResponse(id int32, name string, data []byte) {
	p, ok := c.pending.Take(id)
	if !ok {
		recordError(CodeUnexpectedResponse)
		c.log.Warn("Dropped response nobody is waiting for",
			zap.Int32("id", id),
			zap.String("type", name))
		return
	}

	switch name {
	case errorReplyName:
		var reply errorReply
		if err := c.serializer.Unmarshal(data, &reply); err != nil {
			p.Finish(nil, &RemoteError{Code: CodeInvalidPayload, Message: err.Error()})
			return
		}

		p.Finish(nil, &RemoteError{Code: reply.Code, Message: reply.Message})

	case p.Expected.Name:
		response := p.Expected.New()
		if err := c.serializer.Unmarshal(data, response); err != nil {
			p.Finish(nil, &RemoteError{Code: CodeInvalidPayload, Message: err.Error()})
			return
		}

		p.Finish(response, nil)

	default:
		recordError(CodeUnknownType)
		p.Finish(nil, &RemoteError{
			Code:    CodeUnknownType,
			Message: fmt.Sprintf("Expected %s, got %s", p.Expected.Name, name),
		})
	}
}
