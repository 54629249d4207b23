package cache

import (
	"errors"

	"github.com/dshills/guestdbg/internal/debug/proto"
)

// ErrNotFound is returned for an unknown module or function.
var ErrNotFound = errors.New("not found")

// ErrReset is returned by fetches whose results were discarded because the
// cache was reset while they ran.
var ErrReset = errors.New("cache reset during fetch")

// RemoteHandle identifies an object owned by the target.
type RemoteHandle struct {
	ID uint32
}

// Handle returns the handle itself so embedding types satisfy Remote.
func (h RemoteHandle) Handle() RemoteHandle {
	return h
}

// Remote is implemented by cached objects that mirror a target object.
type Remote interface {
	Handle() RemoteHandle
}

// Form selects one disassembly rendering of a function.
type Form uint8

const (
	FormSource Form = iota
	FormRawHIR
	FormHIR
	FormMachineCode
	formCount
)

// String returns the name of the form.
func (f Form) String() string {
	switch f {
	case FormSource:
		return "source"
	case FormRawHIR:
		return "raw-hir"
	case FormHIR:
		return "hir"
	case FormMachineCode:
		return "machine-code"
	default:
		return "unknown"
	}
}

// Module is a snapshot of a cached module.
type Module struct {
	RemoteHandle
	Type proto.ModuleType
	Name string
	Path string

	// Loaded reports whether metadata has been fetched.
	Loaded bool
	// ExpectedFunctions is the latest function count reported by the target.
	ExpectedFunctions uint32
	// Functions are ordered by start address.
	Functions []Function
}

// Function is a snapshot of a cached function.
type Function struct {
	Identifier uint64
	ModuleID   uint32
	Name       string

	AddressStart uint32
	// AddressEnd is refined once disassembly has been fetched.
	AddressEnd       uint32
	MachineCodeStart uint32
	MachineCodeEnd   uint32

	// Disassembled reports whether the disassembly forms are cached.
	Disassembled bool
}

// Contains reports whether address falls in [AddressStart, AddressEnd].
func (f Function) Contains(address uint32) bool {
	return address >= f.AddressStart && address <= f.AddressEnd
}

// Thread is a snapshot of a guest thread.
type Thread struct {
	RemoteHandle
	ThreadID uint32
	Name     string
	State    proto.ThreadState
	IsHost   bool
}

// ChangeKind says which part of the cache changed.
type ChangeKind uint8

const (
	ChangeModules ChangeKind = iota
	ChangeThreads
	ChangeFunction
)

// String returns the name of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeModules:
		return "modules"
	case ChangeThreads:
		return "threads"
	case ChangeFunction:
		return "function"
	default:
		return "unknown"
	}
}

// Change describes a committed cache update.
type Change struct {
	Kind ChangeKind
	// ModuleID is set for function changes.
	ModuleID uint32
	// Identifier is set for function changes.
	Identifier uint64
}
