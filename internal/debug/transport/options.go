package transport

import (
	"context"
	"net"
	"time"

	"github.com/dshills/guestdbg/internal/debug/proto"
)

// Logger is the logging interface used by the transport.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// EventHandler receives unsolicited events. It runs on the receive pump and
// must not block on requests issued through the same client.
type EventHandler func(resp *proto.Response)

// CloseHandler is called once, on its own goroutine, when the connection is
// lost unexpectedly. Every pending call has failed by then.
type CloseHandler func(err error)

// DialFunc opens a stream connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DefaultRetryInterval is the pause between refused connection attempts.
const DefaultRetryInterval = 250 * time.Millisecond

type options struct {
	logger        Logger
	retryInterval time.Duration
	onEvent       EventHandler
	onClose       CloseHandler
	dial          DialFunc
}

func defaultOptions() options {
	var d net.Dialer
	return options{
		logger:        nopLogger{},
		retryInterval: DefaultRetryInterval,
		dial:          d.DialContext,
	}
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRetryInterval sets the delay between refused connection attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryInterval = d
		}
	}
}

// WithEventHandler sets the sink for unsolicited events.
func WithEventHandler(h EventHandler) Option {
	return func(o *options) {
		o.onEvent = h
	}
}

// WithCloseHandler sets the handler for unexpected connection loss.
func WithCloseHandler(h CloseHandler) Option {
	return func(o *options) {
		o.onClose = h
	}
}

// WithDialer overrides how connections are opened.
func WithDialer(dial DialFunc) Option {
	return func(o *options) {
		if dial != nil {
			o.dial = dial
		}
	}
}
