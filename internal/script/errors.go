package script

import "errors"

// Errors for script execution.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutionTimeout is returned when a script exceeds its time limit.
	ErrExecutionTimeout = errors.New("lua execution timeout")
)
