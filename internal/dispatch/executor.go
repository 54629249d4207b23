package dispatch

import (
	"context"
	"runtime/debug"
	"time"
)

// Task is a unit of work run by a Queue.
type Task func(ctx context.Context) error

// PanicHandler is called when a task panics.
type PanicHandler func(panicValue any, stack []byte)

// Result is the outcome of one task execution.
type Result struct {
	Err      error
	Panicked bool
	Skipped  bool
	Duration time.Duration
}

// execute runs a task with panic recovery. A task whose context is already
// done is skipped.
func execute(ctx context.Context, task Task, onPanic PanicHandler) (result Result) {
	select {
	case <-ctx.Done():
		return Result{Err: ctx.Err(), Skipped: true}
	default:
	}

	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)

		if r := recover(); r != nil {
			stack := debug.Stack()
			result.Panicked = true
			result.Err = &PanicError{Value: r, Stack: stack}

			if onPanic != nil {
				func() {
					// A panicking panic handler must not kill the worker.
					defer func() { _ = recover() }()
					onPanic(r, stack)
				}()
			}
		}
	}()

	result.Err = task(ctx)
	return result
}
