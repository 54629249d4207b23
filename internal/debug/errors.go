package debug

import "errors"

// Errors returned by Session.
var (
	// ErrNotAttached is returned by operations that need a live target.
	ErrNotAttached = errors.New("not attached")

	// ErrInvalidState is returned when an operation is not allowed in the
	// current session state.
	ErrInvalidState = errors.New("invalid session state")

	// ErrIncompatibleServer is returned when the target's protocol version
	// does not satisfy the configured constraint.
	ErrIncompatibleServer = errors.New("incompatible server version")
)
