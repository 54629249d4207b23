package proto

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// Payload is the data carried by an envelope.
type Payload interface {
	// DataType returns the union tag this payload is encoded under.
	DataType() DataType

	build(b *flatbuffers.Builder) flatbuffers.UOffsetT
	read(t *table)
}

// AttachRequest opens a debug session with the target.
type AttachRequest struct {
	Schema        uint16
	ClientVersion string
}

// AttachResponse describes the target after a successful attach. MemoryFile
// names the shared memory region backing the guest address space.
type AttachResponse struct {
	ServerVersion string
	MemoryFile    string
	EntryFunction uint32
	EntryAddress  uint32
	Running       bool
}

// StopRequest stops the guest.
type StopRequest struct{}

// StopResponse acknowledges a stop.
type StopResponse struct{}

// BreakRequest interrupts the guest.
type BreakRequest struct{}

// BreakResponse acknowledges a break.
type BreakResponse struct{}

// ContinueRequest resumes the guest.
type ContinueRequest struct {
	Mode   ContinueMode
	Target uint32
}

// ContinueResponse acknowledges a continue.
type ContinueResponse struct{}

// StepRequest steps a single thread.
type StepRequest struct {
	Mode     StepMode
	ThreadID uint32
}

// StepResponse acknowledges a step.
type StepResponse struct{}

// ListModulesRequest asks for all loaded modules.
type ListModulesRequest struct{}

// ModuleEntry is a module summary. FunctionCount grows as the target
// discovers functions.
type ModuleEntry struct {
	ID            uint32
	FunctionCount uint32
}

// ListModulesResponse lists loaded modules.
type ListModulesResponse struct {
	Modules []ModuleEntry
}

// GetModuleRequest asks for module metadata.
type GetModuleRequest struct {
	ID uint32
}

// GetModuleResponse carries module metadata.
type GetModuleResponse struct {
	ID   uint32
	Type ModuleType
	Name string
	Path string
}

// ListFunctionsRequest asks for the functions of a module in the index range
// [Start, End).
type ListFunctionsRequest struct {
	ModuleID uint32
	Start    uint32
	End      uint32
}

// FunctionEntry summarizes a function.
type FunctionEntry struct {
	Identifier   uint64
	AddressStart uint32
	AddressEnd   uint32
	Name         string
}

// ListFunctionsResponse lists functions of a module.
type ListFunctionsResponse struct {
	Functions []FunctionEntry
}

// GetFunctionRequest asks for the full description of a function.
type GetFunctionRequest struct {
	Identifier uint64
}

// GetFunctionResponse carries function bounds and its disassembly forms.
type GetFunctionResponse struct {
	Identifier       uint64
	AddressStart     uint32
	AddressEnd       uint32
	MachineCodeStart uint32
	MachineCodeEnd   uint32
	Source           string
	RawHIR           string
	HIR              string
	MachineCode      string
}

// ListThreadsRequest asks for all guest threads.
type ListThreadsRequest struct{}

// ThreadEntry describes a thread.
type ThreadEntry struct {
	Handle   uint32
	ThreadID uint32
	Name     string
	State    ThreadState
	IsHost   bool
}

// ListThreadsResponse lists guest threads.
type ListThreadsResponse struct {
	Threads []ThreadEntry
}

// BreakpointEntry is the wire form of a breakpoint.
type BreakpointEntry struct {
	ID              string
	Type            BreakpointType
	FunctionAddress uint32
	Address         uint32
}

// AddBreakpointsRequest installs breakpoints on the target.
type AddBreakpointsRequest struct {
	Breakpoints []BreakpointEntry
}

// AddBreakpointsResponse acknowledges installed breakpoints.
type AddBreakpointsResponse struct{}

// RemoveBreakpointsRequest removes breakpoints from the target by id.
type RemoveBreakpointsRequest struct {
	IDs []string
}

// RemoveBreakpointsResponse acknowledges removed breakpoints.
type RemoveBreakpointsResponse struct{}

// ErrorResponse is sent by the target when it rejects a request.
type ErrorResponse struct {
	Message string
}

// BreakpointHitEvent reports that a thread hit a breakpoint.
type BreakpointHitEvent struct {
	BreakpointID string
	ThreadID     uint32
}

// AccessViolationEvent reports a faulting guest memory access.
type AccessViolationEvent struct {
	ThreadID uint32
	Address  uint32
}

func (*AttachRequest) DataType() DataType { return TypeAttach }
func (p *AttachRequest) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	version := b.CreateString(p.ClientVersion)
	b.StartObject(2)
	b.PrependUint16Slot(0, p.Schema, 0)
	b.PrependUOffsetTSlot(1, version, 0)
	return b.EndObject()
}
func (p *AttachRequest) read(t *table) {
	p.Schema = t.u16(0)
	p.ClientVersion = t.str(1)
}

func (*AttachResponse) DataType() DataType { return TypeAttach }
func (p *AttachResponse) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	server := b.CreateString(p.ServerVersion)
	file := b.CreateString(p.MemoryFile)
	b.StartObject(5)
	b.PrependUOffsetTSlot(0, server, 0)
	b.PrependUOffsetTSlot(1, file, 0)
	b.PrependUint32Slot(2, p.EntryFunction, 0)
	b.PrependUint32Slot(3, p.EntryAddress, 0)
	b.PrependBoolSlot(4, p.Running, false)
	return b.EndObject()
}
func (p *AttachResponse) read(t *table) {
	p.ServerVersion = t.str(0)
	p.MemoryFile = t.str(1)
	p.EntryFunction = t.u32(2)
	p.EntryAddress = t.u32(3)
	p.Running = t.bool(4)
}

func (*StopRequest) DataType() DataType { return TypeStop }
func (*StopRequest) build(b *flatbuffers.Builder) flatbuffers.UOffsetT { return emptyTable(b) }
func (*StopRequest) read(*table) {}
func (*StopResponse) DataType() DataType { return TypeStop }
func (*StopResponse) build(b *flatbuffers.Builder) flatbuffers.UOffsetT { return emptyTable(b) }
func (*StopResponse) read(*table) {}
func (*BreakRequest) DataType() DataType { return TypeBreak }
func (*BreakRequest) build(b *flatbuffers.Builder) flatbuffers.UOffsetT { return emptyTable(b) }
func (*BreakRequest) read(*table) {}
func (*BreakResponse) DataType() DataType { return TypeBreak }
func (*BreakResponse) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	return emptyTable(b)
}
func (*BreakResponse) read(*table) {}

func (*ContinueRequest) DataType() DataType { return TypeContinue }
func (p *ContinueRequest) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(2)
	b.PrependUint8Slot(0, uint8(p.Mode), 0)
	b.PrependUint32Slot(1, p.Target, 0)
	return b.EndObject()
}
func (p *ContinueRequest) read(t *table) {
	p.Mode = ContinueMode(t.u8(0))
	p.Target = t.u32(1)
}
func (*ContinueResponse) DataType() DataType { return TypeContinue }
func (*ContinueResponse) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	return emptyTable(b)
}
func (*ContinueResponse) read(*table) {}

func (*StepRequest) DataType() DataType { return TypeStep }
func (p *StepRequest) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(2)
	b.PrependUint8Slot(0, uint8(p.Mode), 0)
	b.PrependUint32Slot(1, p.ThreadID, 0)
	return b.EndObject()
}
func (p *StepRequest) read(t *table) {
	p.Mode = StepMode(t.u8(0))
	p.ThreadID = t.u32(1)
}
func (*StepResponse) DataType() DataType { return TypeStep }
func (*StepResponse) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	return emptyTable(b)
}
func (*StepResponse) read(*table) {}

func (*ListModulesRequest) DataType() DataType { return TypeListModules }
func (*ListModulesRequest) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	return emptyTable(b)
}
func (*ListModulesRequest) read(*table) {}
func (*ListModulesResponse) DataType() DataType { return TypeListModules }
func (p *ListModulesResponse) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	entries := make([]flatbuffers.UOffsetT, len(p.Modules))
	for i, m := range p.Modules {
		b.StartObject(2)
		b.PrependUint32Slot(0, m.ID, 0)
		b.PrependUint32Slot(1, m.FunctionCount, 0)
		entries[i] = b.EndObject()
	}
	modules := endVector(b, entries)
	b.StartObject(1)
	b.PrependUOffsetTSlot(0, modules, 0)
	return b.EndObject()
}
func (p *ListModulesResponse) read(t *table) {
	pos, n := t.vector(0)
	if n == 0 {
		return
	}
	p.Modules = make([]ModuleEntry, n)
	for i := range p.Modules {
		e := t.tableAt(pos, i)
		p.Modules[i].ID = e.u32(0)
		p.Modules[i].FunctionCount = e.u32(1)
	}
}

func (*GetModuleRequest) DataType() DataType { return TypeGetModule }
func (p *GetModuleRequest) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(1)
	b.PrependUint32Slot(0, p.ID, 0)
	return b.EndObject()
}
func (p *GetModuleRequest) read(t *table) { p.ID = t.u32(0) }
func (*GetModuleResponse) DataType() DataType {
	return TypeGetModule
}
func (p *GetModuleResponse) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	name := b.CreateString(p.Name)
	path := b.CreateString(p.Path)
	b.StartObject(4)
	b.PrependUint32Slot(0, p.ID, 0)
	b.PrependUint8Slot(1, uint8(p.Type), 0)
	b.PrependUOffsetTSlot(2, name, 0)
	b.PrependUOffsetTSlot(3, path, 0)
	return b.EndObject()
}
func (p *GetModuleResponse) read(t *table) {
	p.ID = t.u32(0)
	p.Type = ModuleType(t.u8(1))
	p.Name = t.str(2)
	p.Path = t.str(3)
}

func (*ListFunctionsRequest) DataType() DataType { return TypeListFunctions }
func (p *ListFunctionsRequest) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(3)
	b.PrependUint32Slot(0, p.ModuleID, 0)
	b.PrependUint32Slot(1, p.Start, 0)
	b.PrependUint32Slot(2, p.End, 0)
	return b.EndObject()
}
func (p *ListFunctionsRequest) read(t *table) {
	p.ModuleID = t.u32(0)
	p.Start = t.u32(1)
	p.End = t.u32(2)
}
func (*ListFunctionsResponse) DataType() DataType { return TypeListFunctions }
func (p *ListFunctionsResponse) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	entries := make([]flatbuffers.UOffsetT, len(p.Functions))
	for i, f := range p.Functions {
		name := b.CreateString(f.Name)
		b.StartObject(4)
		b.PrependUint64Slot(0, f.Identifier, 0)
		b.PrependUint32Slot(1, f.AddressStart, 0)
		b.PrependUint32Slot(2, f.AddressEnd, 0)
		b.PrependUOffsetTSlot(3, name, 0)
		entries[i] = b.EndObject()
	}
	functions := endVector(b, entries)
	b.StartObject(1)
	b.PrependUOffsetTSlot(0, functions, 0)
	return b.EndObject()
}
func (p *ListFunctionsResponse) read(t *table) {
	pos, n := t.vector(0)
	if n == 0 {
		return
	}
	p.Functions = make([]FunctionEntry, n)
	for i := range p.Functions {
		e := t.tableAt(pos, i)
		f := &p.Functions[i]
		f.Identifier = e.u64(0)
		f.AddressStart = e.u32(1)
		f.AddressEnd = e.u32(2)
		f.Name = e.str(3)
	}
}

func (*GetFunctionRequest) DataType() DataType { return TypeGetFunction }
func (p *GetFunctionRequest) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(1)
	b.PrependUint64Slot(0, p.Identifier, 0)
	return b.EndObject()
}
func (p *GetFunctionRequest) read(t *table) { p.Identifier = t.u64(0) }
func (*GetFunctionResponse) DataType() DataType {
	return TypeGetFunction
}
func (p *GetFunctionResponse) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	source := b.CreateString(p.Source)
	rawHIR := b.CreateString(p.RawHIR)
	hir := b.CreateString(p.HIR)
	machineCode := b.CreateString(p.MachineCode)
	b.StartObject(9)
	b.PrependUint64Slot(0, p.Identifier, 0)
	b.PrependUint32Slot(1, p.AddressStart, 0)
	b.PrependUint32Slot(2, p.AddressEnd, 0)
	b.PrependUint32Slot(3, p.MachineCodeStart, 0)
	b.PrependUint32Slot(4, p.MachineCodeEnd, 0)
	b.PrependUOffsetTSlot(5, source, 0)
	b.PrependUOffsetTSlot(6, rawHIR, 0)
	b.PrependUOffsetTSlot(7, hir, 0)
	b.PrependUOffsetTSlot(8, machineCode, 0)
	return b.EndObject()
}
func (p *GetFunctionResponse) read(t *table) {
	p.Identifier = t.u64(0)
	p.AddressStart = t.u32(1)
	p.AddressEnd = t.u32(2)
	p.MachineCodeStart = t.u32(3)
	p.MachineCodeEnd = t.u32(4)
	p.Source = t.str(5)
	p.RawHIR = t.str(6)
	p.HIR = t.str(7)
	p.MachineCode = t.str(8)
}

func (*ListThreadsRequest) DataType() DataType { return TypeListThreads }
func (*ListThreadsRequest) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	return emptyTable(b)
}
func (*ListThreadsRequest) read(*table) {}
func (*ListThreadsResponse) DataType() DataType { return TypeListThreads }
func (p *ListThreadsResponse) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	entries := make([]flatbuffers.UOffsetT, len(p.Threads))
	for i, th := range p.Threads {
		name := b.CreateString(th.Name)
		b.StartObject(5)
		b.PrependUint32Slot(0, th.Handle, 0)
		b.PrependUint32Slot(1, th.ThreadID, 0)
		b.PrependUOffsetTSlot(2, name, 0)
		b.PrependUint8Slot(3, uint8(th.State), 0)
		b.PrependBoolSlot(4, th.IsHost, false)
		entries[i] = b.EndObject()
	}
	threads := endVector(b, entries)
	b.StartObject(1)
	b.PrependUOffsetTSlot(0, threads, 0)
	return b.EndObject()
}
func (p *ListThreadsResponse) read(t *table) {
	pos, n := t.vector(0)
	if n == 0 {
		return
	}
	p.Threads = make([]ThreadEntry, n)
	for i := range p.Threads {
		e := t.tableAt(pos, i)
		th := &p.Threads[i]
		th.Handle = e.u32(0)
		th.ThreadID = e.u32(1)
		th.Name = e.str(2)
		th.State = ThreadState(e.u8(3))
		th.IsHost = e.bool(4)
	}
}

func (*AddBreakpointsRequest) DataType() DataType { return TypeAddBreakpoints }
func (p *AddBreakpointsRequest) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	entries := make([]flatbuffers.UOffsetT, len(p.Breakpoints))
	for i, bp := range p.Breakpoints {
		id := b.CreateString(bp.ID)
		b.StartObject(4)
		b.PrependUOffsetTSlot(0, id, 0)
		b.PrependUint8Slot(1, uint8(bp.Type), 0)
		b.PrependUint32Slot(2, bp.FunctionAddress, 0)
		b.PrependUint32Slot(3, bp.Address, 0)
		entries[i] = b.EndObject()
	}
	breakpoints := endVector(b, entries)
	b.StartObject(1)
	b.PrependUOffsetTSlot(0, breakpoints, 0)
	return b.EndObject()
}
func (p *AddBreakpointsRequest) read(t *table) {
	pos, n := t.vector(0)
	if n == 0 {
		return
	}
	p.Breakpoints = make([]BreakpointEntry, n)
	for i := range p.Breakpoints {
		e := t.tableAt(pos, i)
		bp := &p.Breakpoints[i]
		bp.ID = e.str(0)
		bp.Type = BreakpointType(e.u8(1))
		bp.FunctionAddress = e.u32(2)
		bp.Address = e.u32(3)
	}
}
func (*AddBreakpointsResponse) DataType() DataType { return TypeAddBreakpoints }
func (*AddBreakpointsResponse) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	return emptyTable(b)
}
func (*AddBreakpointsResponse) read(*table) {}

func (*RemoveBreakpointsRequest) DataType() DataType { return TypeRemoveBreakpoints }
func (p *RemoveBreakpointsRequest) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	strs := make([]flatbuffers.UOffsetT, len(p.IDs))
	for i, id := range p.IDs {
		strs[i] = b.CreateString(id)
	}
	ids := endVector(b, strs)
	b.StartObject(1)
	b.PrependUOffsetTSlot(0, ids, 0)
	return b.EndObject()
}
func (p *RemoveBreakpointsRequest) read(t *table) {
	pos, n := t.vector(0)
	if n == 0 {
		return
	}
	p.IDs = make([]string, n)
	for i := range p.IDs {
		p.IDs[i] = t.stringAt(pos, i)
	}
}
func (*RemoveBreakpointsResponse) DataType() DataType { return TypeRemoveBreakpoints }
func (*RemoveBreakpointsResponse) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	return emptyTable(b)
}
func (*RemoveBreakpointsResponse) read(*table) {}

func (*ErrorResponse) DataType() DataType { return TypeError }
func (p *ErrorResponse) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	message := b.CreateString(p.Message)
	b.StartObject(1)
	b.PrependUOffsetTSlot(0, message, 0)
	return b.EndObject()
}
func (p *ErrorResponse) read(t *table) { p.Message = t.str(0) }

func (*BreakpointHitEvent) DataType() DataType { return TypeBreakpointHit }
func (p *BreakpointHitEvent) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	id := b.CreateString(p.BreakpointID)
	b.StartObject(2)
	b.PrependUOffsetTSlot(0, id, 0)
	b.PrependUint32Slot(1, p.ThreadID, 0)
	return b.EndObject()
}
func (p *BreakpointHitEvent) read(t *table) {
	p.BreakpointID = t.str(0)
	p.ThreadID = t.u32(1)
}

func (*AccessViolationEvent) DataType() DataType { return TypeAccessViolation }
func (p *AccessViolationEvent) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(2)
	b.PrependUint32Slot(0, p.ThreadID, 0)
	b.PrependUint32Slot(1, p.Address, 0)
	return b.EndObject()
}
func (p *AccessViolationEvent) read(t *table) {
	p.ThreadID = t.u32(0)
	p.Address = t.u32(1)
}
