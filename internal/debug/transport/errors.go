package transport

import (
	"errors"
	"fmt"
)

// Errors returned by the transport.
var (
	// ErrDisconnected is returned for every request pending or issued after
	// the connection has been torn down.
	ErrDisconnected = errors.New("disconnected")

	// ErrConnectRefused is returned when dialing gave up while the target
	// was still refusing connections.
	ErrConnectRefused = errors.New("connection refused")

	// ErrFrameTooLarge indicates a frame length prefix above MaxFrameLength.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrUnexpectedResponse indicates a response whose type does not match
	// the request it answers.
	ErrUnexpectedResponse = errors.New("unexpected response type")
)

// TransportError is a failure of the underlying connection. It is fatal to
// the connection.
type TransportError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteError is returned when the target rejected a request.
type RemoteError struct {
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}
