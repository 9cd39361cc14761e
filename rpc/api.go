package rpc

import (
	"context"
	"time"
)

// AddCommandHandler registers handler for commands carrying a T. An error
// returned by the handler is logged, commands never get a reply.
//
// Only one handler can be registered per type, a second registration fails
// with ErrDuplicateHandler.
func AddCommandHandler[T any](c *Conn, handler func(*T) error, opts ...MessageOption) error {
	if handler == nil {
		return ErrNilHandler
	}

	o := applyMessageOptions(opts)

	return c.registry.Register(&Registration{
		Payload: TypeOf[T](),
		Invoke: func(payload interface{}) (interface{}, error) {
			return nil, handler(payload.(*T))
		},
		LogEnabled: o.logEnabled,
	})
}

// AddRequestHandler registers handler for requests carrying a Req. The Res it
// returns is sent back to the requester. A nil Res is sent as a zero Res, and
// an error is sent as a RemoteError with CodeHandlerException.
func AddRequestHandler[Req, Res any](c *Conn, handler func(*Req) (*Res, error), opts ...MessageOption) error {
	if handler == nil {
		return ErrNilHandler
	}

	o := applyMessageOptions(opts)

	return c.registry.Register(&Registration{
		Payload:  TypeOf[Req](),
		Response: TypeOf[Res](),
		Invoke: func(payload interface{}) (interface{}, error) {
			res, err := handler(payload.(*Req))
			if err != nil {
				return nil, err
			}

			if res == nil {
				return nil, nil
			}

			return res, nil
		},
		LogEnabled: o.logEnabled,
	})
}

// RemoveHandler removes the handler for T and reports whether there was one.
// Messages carrying a T are dropped as unhandled afterwards.
func RemoveHandler[T any](c *Conn) bool {
	return c.registry.Remove(TypeName[T]())
}

// RegisterType makes T known to c without handling it, so messages carrying
// a T are reported as unhandled rather than of unknown type.
func RegisterType[T any](c *Conn) {
	c.registry.RegisterType(TypeOf[T]())
}

// SendCommand sends value to the peer without expecting a reply.
func SendCommand[T any](c *Conn, value *T, opts ...MessageOption) error {
	return c.sendCommand(TypeName[T](), value, applyMessageOptions(opts))
}

// SendRequest sends value to the peer and calls onComplete exactly once with
// either its response or the error that ended it.
//
// A zero timeout uses the Conn's default request timeout, Infinite waits
// until a response arrives or the Conn is closed. Errors returned directly
// mean nothing was sent and onComplete will not be called.
func SendRequest[Req, Res any](
	c *Conn,
	value *Req,
	timeout time.Duration,
	onComplete func(*Res, error),
	opts ...MessageOption,
) error {
	_, err := c.sendRequest(
		TypeName[Req](),
		value,
		TypeOf[Res](),
		timeout,
		typedCompletion(onComplete),
		applyMessageOptions(opts),
	)

	return err
}

// Call sends value as a request and waits for its response. The request times
// out at ctx's deadline, or after the Conn's default request timeout when ctx
// has none.
func Call[Req, Res any](ctx context.Context, c *Conn, value *Req, opts ...MessageOption) (*Res, error) {
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	type result struct {
		res *Res
		err error
	}
	done := make(chan result, 1)

	id, err := c.sendRequest(
		TypeName[Req](),
		value,
		TypeOf[Res](),
		timeout,
		typedCompletion(func(res *Res, err error) {
			done <- result{res: res, err: err}
		}),
		applyMessageOptions(opts),
	)
	if err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.res, r.err

	case <-ctx.Done():
		c.pending.Fail(id, ctx.Err())
		return nil, ctx.Err()
	}
}

func typedCompletion[Res any](onComplete func(*Res, error)) CompletionFunc {
	if onComplete == nil {
		return nil
	}

	return func(response interface{}, err error) {
		if err != nil {
			onComplete(nil, err)
			return
		}

		onComplete(response.(*Res), nil)
	}
}
