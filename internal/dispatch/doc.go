// Package dispatch provides a serial task queue.
//
// A Queue runs issued tasks one at a time, in issue order, on a single worker
// goroutine. Components that must order side effects relative to each other
// (for example, remote breakpoint updates relative to a full breakpoint push)
// share one Queue, which is created by the application and passed in
// explicitly.
//
// Tasks must not wait on other tasks issued to the same queue; doing so
// deadlocks the worker.
package dispatch
