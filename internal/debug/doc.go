// Package debug is the client side of a remote guest debugger.
//
// A Session attaches to a running target over TCP, maps the guest's shared
// memory region, and keeps three pieces of state coherent with the target:
// the breakpoint set (internal/debug/breakpoint), the mirror of modules,
// functions, and threads (internal/debug/cache), and the execution state
// (internal/debug/runstate).
//
// # Session lifecycle
//
//	Idle -> Attaching -> Attached -> Detached
//
// Attach may be called again from Detached to restart the cycle. A failed
// attach returns the session to Idle. Losing the connection while attached
// forces Detached.
//
// # Notifications
//
// State changes are published on an event.Bus:
//
//	debug.session.state        StateChanged
//	debug.runstate.changed     runstate.Changed
//	debug.cache.changed        cache.Change
//	debug.breakpoints.changed  BreakpointsChanged
//	debug.breakpoint.hit       runstate.BreakpointHit
//	debug.access.violation     runstate.AccessViolation
//
// Every change to the three pieces of state, and the notification for it,
// runs as a task on the session's dispatch.Queue, so handlers run one at a
// time on the queue worker in the order the changes were made. Cache fetches
// and run-control requests run off the queue; remote breakpoint updates run
// on it, ordered with the changes that caused them. Handlers must not call
// back into the session: run control, Sync, Detach, and breakpoint edits all
// wait on the queue the handler is occupying.
package debug
