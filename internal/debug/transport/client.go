// Package transport multiplexes framed debug protocol requests over a single
// byte stream.
//
// Requests may be issued concurrently from any goroutine. Each is assigned a
// connection-unique id and resolved by a single receive pump that owns the
// read side of the stream. Responses may arrive in any order.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/dshills/guestdbg/internal/debug/proto"
)

// Client is a connection to a debug target.
type Client struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	opts   options

	writeMu sync.Mutex

	// pending is shared between request issuers and the receive pump.
	pendingMu sync.Mutex
	pending   map[uint32]*Call
	nextID    uint32
	closed    bool
	err       error

	done chan struct{}
}

// Call is an in-flight request. Done is closed exactly once, when the
// response arrives or the connection is torn down.
type Call struct {
	ID      uint32
	Request proto.Payload

	Response *proto.Response
	Err      error

	done chan struct{}
	once sync.Once
}

func (c *Call) finish(resp *proto.Response, err error) {
	c.once.Do(func() {
		c.Response = resp
		c.Err = err
		close(c.done)
	})
}

// Done returns a channel closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call completes or ctx is done. Abandoning the wait
// does not cancel the request; the call still resolves later.
func (c *Call) Wait(ctx context.Context) (*proto.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return c.Response, c.Err
	}
}

// Dial connects to address, retrying while the remote refuses connections
// (the target may still be starting) until ctx is done. Any other dial error
// fails immediately.
func Dial(ctx context.Context, address string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := dialWithRetry(ctx, address, o)
	if err != nil {
		return nil, err
	}
	return newClient(conn, o), nil
}

func dialWithRetry(ctx context.Context, address string, o options) (net.Conn, error) {
	for attempt := 1; ; attempt++ {
		conn, err := o.dial(ctx, "tcp", address)
		if err == nil {
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetNoDelay(true)
			}
			return conn, nil
		}

		if ctx.Err() != nil {
			if attempt > 1 || isConnRefused(err) {
				return nil, fmt.Errorf("%w: %w", ErrConnectRefused, ctx.Err())
			}
			return nil, ctx.Err()
		}
		if !isConnRefused(err) {
			return nil, &TransportError{Op: "dial", Err: err}
		}

		o.logger.Debug("connection to %s refused; retrying (attempt %d)", address, attempt)

		timer := time.NewTimer(o.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", ErrConnectRefused, ctx.Err())
		case <-timer.C:
		}
	}
}

// isConnRefused reports whether err is a refused connection.
func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// NewClient wraps an established stream and starts the receive pump.
func NewClient(conn io.ReadWriteCloser, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newClient(conn, o)
}

func newClient(conn io.ReadWriteCloser, o options) *Client {
	c := &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		opts:    o,
		pending: make(map[uint32]*Call),
		done:    make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Send issues a request and returns its in-flight call. The frame is written
// as one logical write, so concurrent senders never interleave bytes.
func (c *Client) Send(data proto.Payload) (*Call, error) {
	c.pendingMu.Lock()
	if c.closed {
		err := c.err
		c.pendingMu.Unlock()
		return nil, err
	}
	c.nextID++
	call := &Call{
		ID:      c.nextID,
		Request: data,
		done:    make(chan struct{}),
	}
	c.pending[call.ID] = call
	c.pendingMu.Unlock()

	body, err := proto.EncodeRequest(&proto.Request{ID: call.ID, Data: data})
	if err != nil {
		c.take(call.ID)
		return nil, fmt.Errorf("encode %s request: %w", data.DataType(), err)
	}

	c.writeMu.Lock()
	err = WriteFrame(c.conn, body)
	c.writeMu.Unlock()

	if err != nil {
		terr := &TransportError{Op: "write", Err: err}
		c.shutdown(terr, true)
		return nil, c.Err()
	}

	return call, nil
}

// Request issues a request and waits for its response payload. A target
// error response is returned as *RemoteError.
func (c *Client) Request(ctx context.Context, data proto.Payload) (proto.Payload, error) {
	call, err := c.Send(data)
	if err != nil {
		return nil, err
	}

	resp, err := call.Wait(ctx)
	if err != nil {
		return nil, err
	}

	if remote, ok := resp.Data.(*proto.ErrorResponse); ok {
		return nil, &RemoteError{Message: remote.Message}
	}
	if resp.Type() != data.DataType() {
		return nil, &proto.ProtocolError{
			ID:   resp.ID,
			Type: resp.Type(),
			Err:  fmt.Errorf("%w: want %s", ErrUnexpectedResponse, data.DataType()),
		}
	}
	return resp.Data, nil
}

// Do issues a request and returns the response payload as type T.
func Do[T proto.Payload](ctx context.Context, c *Client, data proto.Payload) (T, error) {
	var zero T

	payload, err := c.Request(ctx, data)
	if err != nil {
		return zero, err
	}

	typed, ok := payload.(T)
	if !ok {
		return zero, &proto.ProtocolError{
			Type: payload.DataType(),
			Err:  fmt.Errorf("%w: got %T", ErrUnexpectedResponse, payload),
		}
	}
	return typed, nil
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Err returns the error that closed the connection, or nil while open.
func (c *Client) Err() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.err
}

// Done returns a channel closed once the receive pump has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close fails all pending calls with ErrDisconnected and releases the
// connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.shutdown(ErrDisconnected, false)
	<-c.done
	return nil
}

// shutdown tears the connection down once. Every pending call fails with an
// error matching ErrDisconnected; unexpected failures also carry the cause.
func (c *Client) shutdown(cause error, unexpected bool) {
	err := ErrDisconnected
	if !errors.Is(cause, ErrDisconnected) {
		err = fmt.Errorf("%w: %w", ErrDisconnected, cause)
	}

	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	pending := c.pending
	c.pending = make(map[uint32]*Call)
	c.pendingMu.Unlock()

	_ = c.conn.Close()

	for _, call := range pending {
		call.finish(nil, err)
	}

	if unexpected {
		c.opts.logger.Info("connection lost: %v", cause)
		if c.opts.onClose != nil {
			// The handler may Close the client, which waits for the pump.
			go c.opts.onClose(err)
		}
	}
}

// take removes and returns the pending call with the given id.
func (c *Client) take(id uint32) *Call {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

// receiveLoop is the only reader of the connection. It never overlaps two
// reads: length, body, dispatch, repeat.
func (c *Client) receiveLoop() {
	defer close(c.done)

	for {
		body, err := ReadFrame(c.reader)
		if err != nil {
			c.shutdown(&TransportError{Op: "read", Err: err}, true)
			return
		}
		c.dispatch(body)
	}
}

// dispatch routes one decoded body to its pending call or the event sink.
func (c *Client) dispatch(body []byte) {
	resp, err := proto.DecodeResponse(body)
	if err != nil {
		// A malformed message with a readable id fails only that request.
		if id, ok := proto.PeekID(body); ok && id != 0 {
			if call := c.take(id); call != nil {
				c.opts.logger.Warn("malformed response for request %d: %v", id, err)
				call.finish(nil, err)
				return
			}
		}
		c.opts.logger.Warn("dropping malformed message: %v", err)
		return
	}

	if resp.IsEvent() {
		if c.opts.onEvent != nil {
			c.opts.onEvent(resp)
		}
		return
	}

	call := c.take(resp.ID)
	if call == nil {
		c.opts.logger.Warn("unexpected response for unknown request %d (%s)", resp.ID, resp.Type())
		return
	}
	call.finish(resp, nil)
}
