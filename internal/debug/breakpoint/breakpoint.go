// Package breakpoint manages breakpoints for a debug session.
//
// The Manager keeps breakpoints indexed by id and by address, mirrors every
// change to the attached target, and persists the non-temporary set to a
// Store keyed by session id. Remote updates run on a shared dispatch queue so
// they are ordered after any full breakpoint push that precedes them.
package breakpoint

import (
	"errors"
	"fmt"

	"github.com/dshills/guestdbg/internal/debug/proto"
)

// Errors returned by the manager.
var (
	// ErrNotFound is returned for an unknown breakpoint id.
	ErrNotFound = errors.New("breakpoint not found")

	// ErrInvalidKind is returned when a breakpoint kind cannot be parsed.
	ErrInvalidKind = errors.New("invalid breakpoint kind")
)

// Kind is the breakpoint kind.
type Kind uint8

const (
	// KindTemporary breakpoints are created internally, are never persisted,
	// and are removed once hit.
	KindTemporary Kind = iota
	// KindCode breakpoints are user breakpoints on a code address.
	KindCode
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTemporary:
		return "temporary"
	case KindCode:
		return "code"
	default:
		return "unknown"
	}
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "temporary":
		return KindTemporary, nil
	case "code":
		return KindCode, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

func (k Kind) wire() proto.BreakpointType {
	if k == KindTemporary {
		return proto.BreakpointTypeTemporary
	}
	return proto.BreakpointTypeCode
}

// Breakpoint is a breakpoint record.
type Breakpoint struct {
	// ID is generated client-side and unique across sessions.
	ID   string
	Kind Kind

	// FunctionAddress is the start address of the owning function.
	FunctionAddress uint32
	Address         uint32

	Enabled bool
}

// IsTemporary reports whether the breakpoint is temporary.
func (b Breakpoint) IsTemporary() bool {
	return b.Kind == KindTemporary
}

// Entry returns the wire form of the breakpoint.
func (b Breakpoint) Entry() proto.BreakpointEntry {
	return proto.BreakpointEntry{
		ID:              b.ID,
		Type:            b.Kind.wire(),
		FunctionAddress: b.FunctionAddress,
		Address:         b.Address,
	}
}

// String formats the breakpoint for display.
func (b Breakpoint) String() string {
	state := "enabled"
	if !b.Enabled {
		state = "disabled"
	}
	return fmt.Sprintf("%s %s @%08X (fn %08X) %s", b.ID, b.Kind, b.Address, b.FunctionAddress, state)
}
