package debug

import (
	"context"

	"github.com/dshills/guestdbg/internal/debug/breakpoint"
	"github.com/dshills/guestdbg/internal/debug/cache"
)

// Stop halts the target.
func (s *Session) Stop(ctx context.Context) error {
	if err := s.attached(); err != nil {
		return err
	}
	return s.runstate.Stop(ctx)
}

// Break interrupts the running target.
func (s *Session) Break(ctx context.Context) error {
	if err := s.attached(); err != nil {
		return err
	}
	return s.runstate.Break(ctx)
}

// Continue resumes the target.
func (s *Session) Continue(ctx context.Context) error {
	if err := s.attached(); err != nil {
		return err
	}
	return s.runstate.Continue(ctx)
}

// ContinueTo resumes the target until it reaches address.
func (s *Session) ContinueTo(ctx context.Context, address uint32) error {
	if err := s.attached(); err != nil {
		return err
	}
	return s.runstate.ContinueTo(ctx, address)
}

// StepIn steps a thread into calls.
func (s *Session) StepIn(ctx context.Context, threadID uint32) error {
	if err := s.attached(); err != nil {
		return err
	}
	return s.runstate.StepIn(ctx, threadID)
}

// StepOver steps a thread over calls.
func (s *Session) StepOver(ctx context.Context, threadID uint32) error {
	if err := s.attached(); err != nil {
		return err
	}
	return s.runstate.StepOver(ctx, threadID)
}

// StepOut runs a thread until its current function returns.
func (s *Session) StepOut(ctx context.Context, threadID uint32) error {
	if err := s.attached(); err != nil {
		return err
	}
	return s.runstate.StepOut(ctx, threadID)
}

// Sync refreshes the cache outside of a run-control operation.
func (s *Session) Sync(ctx context.Context) error {
	if err := s.attached(); err != nil {
		return err
	}
	return s.cache.Sync(ctx)
}

// Disassembly returns one form of a function's disassembly.
func (s *Session) Disassembly(ctx context.Context, identifier uint64, form cache.Form) (string, error) {
	if err := s.attached(); err != nil {
		return "", err
	}
	return s.cache.Disassembly(ctx, identifier, form)
}

// AddCodeBreakpoint adds a persistent breakpoint. While attached it is also
// installed on the target.
func (s *Session) AddCodeBreakpoint(functionAddress, address uint32) breakpoint.Breakpoint {
	return s.breakpoints.AddCode(functionAddress, address)
}

// AddTemporaryBreakpoint adds a breakpoint removed on its first hit.
func (s *Session) AddTemporaryBreakpoint(functionAddress, address uint32) breakpoint.Breakpoint {
	return s.breakpoints.AddTemporary(functionAddress, address)
}

// RemoveBreakpoint removes a breakpoint by id.
func (s *Session) RemoveBreakpoint(id string) error {
	return s.breakpoints.Remove(id)
}

// ToggleBreakpoint enables or disables a breakpoint.
func (s *Session) ToggleBreakpoint(id string, enabled bool) error {
	return s.breakpoints.Toggle(id, enabled)
}

// ReadVirtual copies n bytes of guest memory at a virtual address. The read
// may not cross the end of the address's segment.
func (s *Session) ReadVirtual(address uint64, n int) ([]byte, error) {
	if err := s.attached(); err != nil {
		return nil, err
	}
	return s.memory.Read(address, n)
}
