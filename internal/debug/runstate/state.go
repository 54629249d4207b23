// Package runstate drives the target's execution state.
//
// Every run-control operation moves the Context through Updating before it
// reaches Running or Paused, and leaves Updating only after the remote state
// cache has been refreshed. Listeners never observe a direct Running to
// Paused transition.
package runstate

import "github.com/dshills/guestdbg/internal/event/topic"

// RunState is the execution state of the target.
type RunState uint8

const (
	// Updating means a transition is in flight and cached state may be stale.
	Updating RunState = iota
	Running
	Paused
)

// String returns the name of the run state.
func (s RunState) String() string {
	switch s {
	case Updating:
		return "updating"
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Context is the run state as seen by the presentation layer.
type Context struct {
	RunState RunState
	// ActiveThread is the guest thread that last stopped the target. It is
	// only meaningful when HasActiveThread is set.
	ActiveThread    uint32
	HasActiveThread bool
	// ActiveBreakpoint is the id of the breakpoint that last stopped the
	// target, or empty.
	ActiveBreakpoint string
}

// Event topics.
const (
	TopicChanged         topic.Topic = "debug.runstate.changed"
	TopicBreakpointHit   topic.Topic = "debug.breakpoint.hit"
	TopicAccessViolation topic.Topic = "debug.access.violation"
)

// Changed is published on TopicChanged after every transition.
type Changed struct {
	Previous RunState
	Context  Context
	// Op names the operation that caused the transition.
	Op string
}

// BreakpointHit is published on TopicBreakpointHit when a hit event arrives.
type BreakpointHit struct {
	BreakpointID string
	ThreadID     uint32
	// Known is false when the id matched no breakpoint.
	Known bool
	// Temporary is set when the breakpoint was removed by the hit.
	Temporary bool
	Address   uint32
}

// AccessViolation is published on TopicAccessViolation.
type AccessViolation struct {
	ThreadID uint32
	Address  uint32
}
