package rpc

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/luma/tether/protocol"
)

// VersionResult is the outcome of CheckProtocolVersion.
type VersionResult int

const (
	VersionOK VersionResult = iota

	// VersionInvalidValue means one of the versions is out of range.
	VersionInvalidValue

	// VersionTooUpper means the local version is newer than the peer's.
	VersionTooUpper

	// VersionTooLower means the local version is older than the peer's.
	VersionTooLower

	VersionTimeout
	VersionUnknown
)

func (r VersionResult) String() string {
	switch r {
	case VersionOK:
		return "Ok"
	case VersionInvalidValue:
		return "InvalidValue"
	case VersionTooUpper:
		return "TooUpper"
	case VersionTooLower:
		return "TooLower"
	case VersionTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// CompareVersions compares the local version against the peer's.
func CompareVersions(local, remote protocol.Version) VersionResult {
	if !local.Valid() || !remote.Valid() {
		return VersionInvalidValue
	}

	switch local.Compare(remote) {
	case -1:
		return VersionTooLower
	case 1:
		return VersionTooUpper
	default:
		return VersionOK
	}
}

type versionCheckRequest struct {
	Version protocol.Version `msgpack:"version" json:"version"`
}

type versionCheckResponse struct {
	Version protocol.Version `msgpack:"version" json:"version"`
}

type keepAliveRequest struct{}

type keepAliveResponse struct{}

// registerBuiltins installs the handlers every Conn answers.
func (c *Conn) registerBuiltins() {
	c.registry.RegisterType(TypeOf[errorReply]())

	if err := AddRequestHandler(c, c.handleVersionCheck); err != nil {
		panic(err)
	}

	if err := AddRequestHandler(c, handleKeepAlive, Quiet()); err != nil {
		panic(err)
	}
}

func (c *Conn) handleVersionCheck(req *versionCheckRequest) (*versionCheckResponse, error) {
	if result := CompareVersions(c.version, req.Version); result != VersionOK {
		c.log.Info("Peer runs a different protocol version",
			zap.Stringer("local", c.version),
			zap.Stringer("remote", req.Version),
			zap.Stringer("result", result))
	}

	return &versionCheckResponse{Version: c.version}, nil
}

func handleKeepAlive(*keepAliveRequest) (*keepAliveResponse, error) {
	return &keepAliveResponse{}, nil
}

// CheckProtocolVersion asks the peer for its protocol version and compares it
// with ours. It blocks until the peer answers, timeout passes, or the Conn is
// closed.
//
// The result is advisory: the Conn stays open whatever it is, it's up to the
// caller to Disconnect on a mismatch. VersionOK moves the Conn to
// StateVersionChecked.
func (c *Conn) CheckProtocolVersion(timeout time.Duration) VersionResult {
	done := make(chan VersionResult, 1)

	err := SendRequest(c, &versionCheckRequest{Version: c.version}, timeout,
		func(res *versionCheckResponse, err error) {
			switch {
			case err == nil:
				done <- CompareVersions(c.version, res.Version)
			case errors.Is(err, CodeTimeout):
				done <- VersionTimeout
			default:
				c.log.Warn("Version check failed", zap.Error(err))
				done <- VersionUnknown
			}
		})
	if err != nil {
		c.log.Warn("Failed to send version check", zap.Error(err))
		return VersionUnknown
	}

	result := <-done
	if result == VersionOK {
		c.state.CompareAndSwap(int32(StateConnected), int32(StateVersionChecked))
	}

	return result
}

// Ping sends a keepalive request and waits for the answer.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := Call[keepAliveRequest, keepAliveResponse](ctx, c, &keepAliveRequest{}, Quiet())
	return err
}

// keepAliveLoop sends a keepalive request every interval. A keepalive that
// fails or gets no answer within the interval closes the Conn.
func (c *Conn) keepAliveLoop() {
	for {
		interval := c.KeepAliveInterval()
		if interval <= 0 {
			select {
			case <-c.ctx.Done():
				return
			case <-c.keepAliveChanged:
				continue
			}
		}

		timer := time.NewTimer(interval)

		select {
		case <-c.ctx.Done():
			timer.Stop()
			return

		case <-c.keepAliveChanged:
			timer.Stop()

		case <-timer.C:
			c.sendKeepAlive(interval)
		}
	}
}

func (c *Conn) sendKeepAlive(timeout time.Duration) {
	err := SendRequest(c, &keepAliveRequest{}, timeout,
		func(_ *keepAliveResponse, err error) {
			if err == nil || errors.Is(err, CodeDisconnected) {
				return
			}

			c.log.Warn("Keepalive failed", zap.Error(err))
			c.close(err)
		}, Quiet())

	if err != nil && !errors.Is(err, ErrClosed) {
		c.log.Warn("Failed to send keepalive", zap.Error(err))
		c.close(err)
	}
}
