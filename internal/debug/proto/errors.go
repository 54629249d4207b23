package proto

import (
	"errors"
	"fmt"
)

// Errors returned while decoding message bodies.
var (
	// ErrTruncated indicates the body ended before the payload was complete.
	ErrTruncated = errors.New("truncated message")

	// ErrUnknownType indicates a data type tag with no registered payload.
	ErrUnknownType = errors.New("unknown data type")

	// ErrMissingPayload indicates an envelope whose data union is unset.
	ErrMissingPayload = errors.New("missing payload")
)

// ProtocolError describes a malformed message. ID is the envelope id when it
// could be read, or 0 when the envelope itself was unreadable.
type ProtocolError struct {
	ID   uint32
	Type DataType
	Err  error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("protocol error (type %s): %v", e.Type, e.Err)
	}
	return fmt.Sprintf("protocol error in message %d (type %s): %v", e.ID, e.Type, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}
