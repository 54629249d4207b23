package debugtest

import (
	"sort"
	"sync"

	"github.com/dshills/guestdbg/internal/debug/proto"
)

// Module is a module known to a fake Target.
type Module struct {
	Info      proto.GetModuleResponse
	Functions []proto.FunctionEntry
	// Visible limits how many functions list_modules reports, to model a
	// target that discovers functions over time. Negative means all.
	Visible int
}

func (m *Module) count() uint32 {
	if m.Visible >= 0 && m.Visible < len(m.Functions) {
		return uint32(m.Visible)
	}
	return uint32(len(m.Functions))
}

// Target is a scripted debug target that answers every request type from
// in-memory state.
type Target struct {
	mu sync.Mutex

	ServerVersion string
	MemoryFile    string
	EntryFunction uint32
	EntryAddress  uint32
	Running       bool

	Modules     []*Module
	Threads     []proto.ThreadEntry
	Disassembly map[uint64]proto.GetFunctionResponse

	breakpoints map[string]proto.BreakpointEntry
}

// NewTarget returns a paused target with no modules.
func NewTarget() *Target {
	return &Target{
		ServerVersion: "1.0.0",
		MemoryFile:    "guest_memory",
		Disassembly:   make(map[uint64]proto.GetFunctionResponse),
		breakpoints:   make(map[string]proto.BreakpointEntry),
	}
}

// Install registers handlers for every request type on the server.
func (tg *Target) Install(s *Server) {
	s.Handle(proto.TypeAttach, tg.attach)
	s.Handle(proto.TypeStop, func(*proto.Request) proto.Payload {
		tg.setRunning(false)
		return &proto.StopResponse{}
	})
	s.Handle(proto.TypeBreak, func(*proto.Request) proto.Payload {
		tg.setRunning(false)
		return &proto.BreakResponse{}
	})
	s.Handle(proto.TypeContinue, func(*proto.Request) proto.Payload {
		tg.setRunning(true)
		return &proto.ContinueResponse{}
	})
	s.Handle(proto.TypeStep, func(*proto.Request) proto.Payload {
		tg.setRunning(false)
		return &proto.StepResponse{}
	})
	s.Handle(proto.TypeListModules, tg.listModules)
	s.Handle(proto.TypeGetModule, tg.getModule)
	s.Handle(proto.TypeListFunctions, tg.listFunctions)
	s.Handle(proto.TypeGetFunction, tg.getFunction)
	s.Handle(proto.TypeListThreads, tg.listThreads)
	s.Handle(proto.TypeAddBreakpoints, tg.addBreakpoints)
	s.Handle(proto.TypeRemoveBreakpoints, tg.removeBreakpoints)
}

// AddModule adds a module with all functions visible.
func (tg *Target) AddModule(info proto.GetModuleResponse, functions ...proto.FunctionEntry) *Module {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	m := &Module{Info: info, Functions: functions, Visible: -1}
	tg.Modules = append(tg.Modules, m)
	return m
}

// SetVisible changes how many functions of a module are reported.
func (tg *Target) SetVisible(m *Module, n int) {
	tg.mu.Lock()
	m.Visible = n
	tg.mu.Unlock()
}

// IsRunning reports the target's execution state.
func (tg *Target) IsRunning() bool {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.Running
}

// Breakpoints returns the installed breakpoints sorted by id.
func (tg *Target) Breakpoints() []proto.BreakpointEntry {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	out := make([]proto.BreakpointEntry, 0, len(tg.breakpoints))
	for _, bp := range tg.breakpoints {
		out = append(out, bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (tg *Target) setRunning(running bool) {
	tg.mu.Lock()
	tg.Running = running
	tg.mu.Unlock()
}

func (tg *Target) attach(*proto.Request) proto.Payload {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	return &proto.AttachResponse{
		ServerVersion: tg.ServerVersion,
		MemoryFile:    tg.MemoryFile,
		EntryFunction: tg.EntryFunction,
		EntryAddress:  tg.EntryAddress,
		Running:       tg.Running,
	}
}

func (tg *Target) listModules(*proto.Request) proto.Payload {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	resp := &proto.ListModulesResponse{}
	for _, m := range tg.Modules {
		resp.Modules = append(resp.Modules, proto.ModuleEntry{ID: m.Info.ID, FunctionCount: m.count()})
	}
	return resp
}

func (tg *Target) findModule(id uint32) *Module {
	for _, m := range tg.Modules {
		if m.Info.ID == id {
			return m
		}
	}
	return nil
}

func (tg *Target) getModule(req *proto.Request) proto.Payload {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	m := tg.findModule(req.Data.(*proto.GetModuleRequest).ID)
	if m == nil {
		return &proto.ErrorResponse{Message: "module not found"}
	}
	info := m.Info
	return &info
}

func (tg *Target) listFunctions(req *proto.Request) proto.Payload {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	args := req.Data.(*proto.ListFunctionsRequest)
	m := tg.findModule(args.ModuleID)
	if m == nil {
		return &proto.ErrorResponse{Message: "module not found"}
	}
	if args.Start > args.End || args.End > uint32(len(m.Functions)) {
		return &proto.ErrorResponse{Message: "function range out of bounds"}
	}

	resp := &proto.ListFunctionsResponse{}
	resp.Functions = append(resp.Functions, m.Functions[args.Start:args.End]...)
	return resp
}

func (tg *Target) getFunction(req *proto.Request) proto.Payload {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	id := req.Data.(*proto.GetFunctionRequest).Identifier
	fn, ok := tg.Disassembly[id]
	if !ok {
		return &proto.ErrorResponse{Message: "function not found"}
	}
	return &fn
}

func (tg *Target) listThreads(*proto.Request) proto.Payload {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	resp := &proto.ListThreadsResponse{}
	resp.Threads = append(resp.Threads, tg.Threads...)
	return resp
}

func (tg *Target) addBreakpoints(req *proto.Request) proto.Payload {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	for _, bp := range req.Data.(*proto.AddBreakpointsRequest).Breakpoints {
		tg.breakpoints[bp.ID] = bp
	}
	return &proto.AddBreakpointsResponse{}
}

func (tg *Target) removeBreakpoints(req *proto.Request) proto.Payload {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	for _, id := range req.Data.(*proto.RemoveBreakpointsRequest).IDs {
		delete(tg.breakpoints, id)
	}
	return &proto.RemoveBreakpointsResponse{}
}
