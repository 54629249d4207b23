package proto

// SchemaVersion is the version of schema.fbs implemented here. It is
// sent in the attach request so a target can refuse an incompatible client.
const SchemaVersion uint16 = 1

// DataType tags the payload carried by a request or response envelope.
type DataType uint8

// Request and response data types. A request and its response share a tag.
const (
	TypeNone DataType = iota
	TypeAttach
	TypeStop
	TypeBreak
	TypeContinue
	TypeStep
	TypeListModules
	TypeGetModule
	TypeListFunctions
	TypeGetFunction
	TypeListThreads
	TypeAddBreakpoints
	TypeRemoveBreakpoints
	// TypeError is only ever sent by the target, in place of the response
	// payload of whatever request failed.
	TypeError
)

// Event data types. Events arrive with envelope id 0.
const (
	TypeBreakpointHit DataType = 64 + iota
	TypeAccessViolation
)

// String returns the name of the data type.
func (t DataType) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeAttach:
		return "attach"
	case TypeStop:
		return "stop"
	case TypeBreak:
		return "break"
	case TypeContinue:
		return "continue"
	case TypeStep:
		return "step"
	case TypeListModules:
		return "list_modules"
	case TypeGetModule:
		return "get_module"
	case TypeListFunctions:
		return "list_functions"
	case TypeGetFunction:
		return "get_function"
	case TypeListThreads:
		return "list_threads"
	case TypeAddBreakpoints:
		return "add_breakpoints"
	case TypeRemoveBreakpoints:
		return "remove_breakpoints"
	case TypeError:
		return "error"
	case TypeBreakpointHit:
		return "breakpoint_hit"
	case TypeAccessViolation:
		return "access_violation"
	default:
		return "unknown"
	}
}

// IsEvent reports whether the type is an unsolicited event type.
func (t DataType) IsEvent() bool {
	return t == TypeBreakpointHit || t == TypeAccessViolation
}

// ContinueMode selects how a continue request resumes the guest.
type ContinueMode uint8

const (
	// ContinueModeContinue resumes until the next break.
	ContinueModeContinue ContinueMode = iota
	// ContinueModeContinueTo resumes until the target address is reached.
	ContinueModeContinueTo
)

// StepMode selects the granularity of a step request.
type StepMode uint8

const (
	StepModeIn StepMode = iota
	StepModeOver
	StepModeOut
)

// String returns the name of the step mode.
func (m StepMode) String() string {
	switch m {
	case StepModeIn:
		return "in"
	case StepModeOver:
		return "over"
	case StepModeOut:
		return "out"
	default:
		return "unknown"
	}
}

// ModuleType distinguishes kernel modules from user modules.
type ModuleType uint8

const (
	ModuleTypeKernel ModuleType = iota
	ModuleTypeUser
)

// String returns the name of the module type.
func (t ModuleType) String() string {
	switch t {
	case ModuleTypeKernel:
		return "kernel"
	case ModuleTypeUser:
		return "user"
	default:
		return "unknown"
	}
}

// ThreadState is the scheduler state of a guest thread.
type ThreadState uint8

const (
	ThreadStateAlive ThreadState = iota
	ThreadStateWaiting
	ThreadStateExited
	ThreadStateZombie
)

// String returns the name of the thread state.
func (s ThreadState) String() string {
	switch s {
	case ThreadStateAlive:
		return "alive"
	case ThreadStateWaiting:
		return "waiting"
	case ThreadStateExited:
		return "exited"
	case ThreadStateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// BreakpointType is the wire form of a breakpoint kind.
type BreakpointType uint8

const (
	BreakpointTypeTemporary BreakpointType = iota
	BreakpointTypeCode
)
