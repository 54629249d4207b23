package script

import (
	"context"

	"github.com/dshills/guestdbg/internal/debug"
	"github.com/dshills/guestdbg/internal/debug/breakpoint"
	"github.com/dshills/guestdbg/internal/debug/cache"
	"github.com/dshills/guestdbg/internal/debug/runstate"
)

// Debugger is the session surface scripts drive.
type Debugger interface {
	Attach(ctx context.Context) error
	Detach() error
	State() debug.SessionState
	RunState() runstate.Context

	Stop(ctx context.Context) error
	Break(ctx context.Context) error
	Continue(ctx context.Context) error
	ContinueTo(ctx context.Context, address uint32) error
	StepIn(ctx context.Context, threadID uint32) error
	StepOver(ctx context.Context, threadID uint32) error
	StepOut(ctx context.Context, threadID uint32) error
	Sync(ctx context.Context) error

	Modules() []cache.Module
	Threads() []cache.Thread
	FunctionAt(address uint32) (cache.Function, error)
	Disassembly(ctx context.Context, identifier uint64, form cache.Form) (string, error)

	Breakpoints() []breakpoint.Breakpoint
	AddCodeBreakpoint(functionAddress, address uint32) breakpoint.Breakpoint
	AddTemporaryBreakpoint(functionAddress, address uint32) breakpoint.Breakpoint
	RemoveBreakpoint(id string) error
	ToggleBreakpoint(id string, enabled bool) error

	ReadVirtual(address uint64, n int) ([]byte, error)
}

// sessionDebugger adapts a session to Debugger.
type sessionDebugger struct {
	*debug.Session
}

// ForSession returns a Debugger driving s.
func ForSession(s *debug.Session) Debugger {
	return sessionDebugger{Session: s}
}

func (d sessionDebugger) Modules() []cache.Module {
	return d.Cache().Modules()
}

func (d sessionDebugger) Threads() []cache.Thread {
	return d.Cache().Threads()
}

func (d sessionDebugger) FunctionAt(address uint32) (cache.Function, error) {
	return d.Cache().FunctionAt(address)
}

func (d sessionDebugger) Breakpoints() []breakpoint.Breakpoint {
	return d.Session.Breakpoints().All()
}
