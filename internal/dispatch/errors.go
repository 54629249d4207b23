package dispatch

import (
	"errors"
	"fmt"
)

// Sentinel errors for the dispatch package.
var (
	// ErrAlreadyRunning is returned when Start is called on a running queue.
	ErrAlreadyRunning = errors.New("queue is already running")

	// ErrNotRunning is returned when tasks are issued to a stopped queue.
	ErrNotRunning = errors.New("queue is not running")

	// ErrTaskPanic matches a recovered task panic.
	ErrTaskPanic = errors.New("task panicked")
)

// PanicError wraps a recovered task panic.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Is allows errors.Is to match PanicError with ErrTaskPanic.
func (e *PanicError) Is(target error) bool {
	return target == ErrTaskPanic
}
