package debug

import (
	"github.com/dshills/guestdbg/internal/debug/breakpoint"
	"github.com/dshills/guestdbg/internal/event/topic"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	// StateIdle is the state before the first attach and after a failed one.
	StateIdle SessionState = iota
	// StateAttaching is set while connecting and initializing.
	StateAttaching
	// StateAttached means the target is connected and memory is mapped.
	StateAttached
	// StateDetached is set after detach or connection loss.
	StateDetached
)

// String returns a string representation of the state.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// Event topics published by the session itself.
const (
	TopicSessionState       topic.Topic = "debug.session.state"
	TopicCacheChanged       topic.Topic = "debug.cache.changed"
	TopicBreakpointsChanged topic.Topic = "debug.breakpoints.changed"
)

// StateChanged is published on TopicSessionState.
type StateChanged struct {
	SessionID string
	Old       SessionState
	New       SessionState
	// Err is the cause of a failed attach or a lost connection.
	Err error
}

// BreakpointsChanged is published on TopicBreakpointsChanged.
type BreakpointsChanged struct {
	SessionID   string
	Breakpoints []breakpoint.Breakpoint
}
