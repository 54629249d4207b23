package script

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/guestdbg/internal/debug/breakpoint"
	"github.com/dshills/guestdbg/internal/debug/cache"
	"github.com/dshills/guestdbg/internal/debug/runstate"
)

// waitPoll is how often dbg.wait samples the run state.
const waitPoll = 10 * time.Millisecond

// module implements the dbg table.
type module struct {
	s *State
}

func newModule(s *State) *module {
	return &module{s: s}
}

func (m *module) table(L *lua.LState) *lua.LTable {
	return L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"attach":      m.attach,
		"detach":      m.detach,
		"state":       m.state,
		"run_state":   m.runState,
		"stop":        m.control(func(ctx context.Context) error { return m.s.dbg.Stop(ctx) }),
		"pause":       m.control(func(ctx context.Context) error { return m.s.dbg.Break(ctx) }),
		"continue":    m.control(func(ctx context.Context) error { return m.s.dbg.Continue(ctx) }),
		"continue_to": m.continueTo,
		"step_in":     m.step(func(ctx context.Context, id uint32) error { return m.s.dbg.StepIn(ctx, id) }),
		"step_over":   m.step(func(ctx context.Context, id uint32) error { return m.s.dbg.StepOver(ctx, id) }),
		"step_out":    m.step(func(ctx context.Context, id uint32) error { return m.s.dbg.StepOut(ctx, id) }),
		"sync":        m.control(func(ctx context.Context) error { return m.s.dbg.Sync(ctx) }),

		"modules":     m.modules,
		"threads":     m.threads,
		"function_at": m.functionAt,
		"disassembly": m.disassembly,

		"breakpoints":              m.breakpoints,
		"add_breakpoint":           m.addBreakpoint,
		"add_temporary_breakpoint": m.addTemporaryBreakpoint,
		"remove_breakpoint":        m.removeBreakpoint,
		"toggle_breakpoint":        m.toggleBreakpoint,

		"read":     m.read,
		"read_u32": m.readU32,
		"wait":     m.wait,
		"sleep":    m.sleep,
	})
}

func (m *module) ctx(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (m *module) check(L *lua.LState, err error) {
	if err != nil {
		L.RaiseError("%v", err)
	}
}

func (m *module) attach(L *lua.LState) int {
	m.check(L, m.s.dbg.Attach(m.ctx(L)))
	return 0
}

func (m *module) detach(L *lua.LState) int {
	m.check(L, m.s.dbg.Detach())
	return 0
}

func (m *module) state(L *lua.LState) int {
	L.Push(lua.LString(m.s.dbg.State().String()))
	return 1
}

func (m *module) runState(L *lua.LState) int {
	rc := m.s.dbg.RunState()
	t := L.NewTable()
	t.RawSetString("state", lua.LString(rc.RunState.String()))
	if rc.HasActiveThread {
		t.RawSetString("thread", lua.LNumber(rc.ActiveThread))
	}
	if rc.ActiveBreakpoint != "" {
		t.RawSetString("breakpoint", lua.LString(rc.ActiveBreakpoint))
	}
	L.Push(t)
	return 1
}

func (m *module) control(fn func(ctx context.Context) error) lua.LGFunction {
	return func(L *lua.LState) int {
		m.check(L, fn(m.ctx(L)))
		return 0
	}
}

func (m *module) step(fn func(ctx context.Context, threadID uint32) error) lua.LGFunction {
	return func(L *lua.LState) int {
		m.check(L, fn(m.ctx(L), checkUint32(L, 1)))
		return 0
	}
}

func (m *module) continueTo(L *lua.LState) int {
	m.check(L, m.s.dbg.ContinueTo(m.ctx(L), checkUint32(L, 1)))
	return 0
}

func (m *module) modules(L *lua.LState) int {
	list := L.NewTable()
	for _, mod := range m.s.dbg.Modules() {
		t := L.NewTable()
		t.RawSetString("id", lua.LNumber(mod.ID))
		t.RawSetString("name", lua.LString(mod.Name))
		t.RawSetString("path", lua.LString(mod.Path))
		t.RawSetString("type", lua.LString(mod.Type.String()))
		t.RawSetString("loaded", lua.LBool(mod.Loaded))

		fns := L.NewTable()
		for _, fn := range mod.Functions {
			fns.Append(functionTable(L, fn))
		}
		t.RawSetString("functions", fns)
		list.Append(t)
	}
	L.Push(list)
	return 1
}

func (m *module) threads(L *lua.LState) int {
	list := L.NewTable()
	for _, th := range m.s.dbg.Threads() {
		t := L.NewTable()
		t.RawSetString("handle", lua.LNumber(th.ID))
		t.RawSetString("id", lua.LNumber(th.ThreadID))
		t.RawSetString("name", lua.LString(th.Name))
		t.RawSetString("state", lua.LString(th.State.String()))
		t.RawSetString("host", lua.LBool(th.IsHost))
		list.Append(t)
	}
	L.Push(list)
	return 1
}

func (m *module) functionAt(L *lua.LState) int {
	fn, err := m.s.dbg.FunctionAt(checkUint32(L, 1))
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(functionTable(L, fn))
	return 1
}

func (m *module) disassembly(L *lua.LState) int {
	id := checkIdentifier(L, 1)
	form := checkForm(L, 2)
	text, err := m.s.dbg.Disassembly(m.ctx(L), id, form)
	m.check(L, err)
	L.Push(lua.LString(text))
	return 1
}

func (m *module) breakpoints(L *lua.LState) int {
	list := L.NewTable()
	for _, bp := range m.s.dbg.Breakpoints() {
		list.Append(breakpointTable(L, bp))
	}
	L.Push(list)
	return 1
}

func (m *module) addBreakpoint(L *lua.LState) int {
	bp := m.s.dbg.AddCodeBreakpoint(checkUint32(L, 1), checkUint32(L, 2))
	L.Push(lua.LString(bp.ID))
	return 1
}

func (m *module) addTemporaryBreakpoint(L *lua.LState) int {
	bp := m.s.dbg.AddTemporaryBreakpoint(checkUint32(L, 1), checkUint32(L, 2))
	L.Push(lua.LString(bp.ID))
	return 1
}

func (m *module) removeBreakpoint(L *lua.LState) int {
	m.check(L, m.s.dbg.RemoveBreakpoint(L.CheckString(1)))
	return 0
}

func (m *module) toggleBreakpoint(L *lua.LState) int {
	m.check(L, m.s.dbg.ToggleBreakpoint(L.CheckString(1), L.CheckBool(2)))
	return 0
}

func (m *module) read(L *lua.LState) int {
	addr := uint64(checkUint32(L, 1))
	n := L.CheckInt(2)
	if n < 0 {
		L.ArgError(2, "length must not be negative")
	}
	data, err := m.s.dbg.ReadVirtual(addr, n)
	m.check(L, err)
	L.Push(lua.LString(data))
	return 1
}

// readU32 reads a big-endian word, the guest's byte order.
func (m *module) readU32(L *lua.LState) int {
	data, err := m.s.dbg.ReadVirtual(uint64(checkUint32(L, 1)), 4)
	m.check(L, err)
	L.Push(lua.LNumber(binary.BigEndian.Uint32(data)))
	return 1
}

// wait blocks until the run state matches, or the timeout in milliseconds
// passes. It returns whether the state was reached.
func (m *module) wait(L *lua.LState) int {
	want := strings.ToLower(L.CheckString(1))
	switch want {
	case runstate.Updating.String(), runstate.Running.String(), runstate.Paused.String():
	default:
		L.ArgError(1, fmt.Sprintf("unknown run state %q", want))
	}
	timeout := time.Duration(L.OptInt(2, 10_000)) * time.Millisecond

	ctx, cancel := context.WithTimeout(m.ctx(L), timeout)
	defer cancel()

	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()
	for {
		if m.s.dbg.RunState().RunState.String() == want {
			L.Push(lua.LTrue)
			return 1
		}
		select {
		case <-ctx.Done():
			L.Push(lua.LFalse)
			return 1
		case <-ticker.C:
		}
	}
}

func (m *module) sleep(L *lua.LState) int {
	d := time.Duration(L.CheckInt(1)) * time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-m.ctx(L).Done():
		L.RaiseError("%v", m.ctx(L).Err())
	}
	return 0
}

func functionTable(L *lua.LState, fn cache.Function) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LString(formatIdentifier(fn.Identifier)))
	t.RawSetString("module", lua.LNumber(fn.ModuleID))
	t.RawSetString("name", lua.LString(fn.Name))
	t.RawSetString("start", lua.LNumber(fn.AddressStart))
	t.RawSetString("end", lua.LNumber(fn.AddressEnd))
	return t
}

func breakpointTable(L *lua.LState, bp breakpoint.Breakpoint) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LString(bp.ID))
	t.RawSetString("kind", lua.LString(bp.Kind.String()))
	t.RawSetString("function", lua.LNumber(bp.FunctionAddress))
	t.RawSetString("address", lua.LNumber(bp.Address))
	t.RawSetString("enabled", lua.LBool(bp.Enabled))
	return t
}

func formatIdentifier(id uint64) string {
	return "0x" + strconv.FormatUint(id, 16)
}

// checkUint32 accepts a number or a numeric string such as "0x82000000".
func checkUint32(L *lua.LState, n int) uint32 {
	switch v := L.Get(n).(type) {
	case lua.LNumber:
		f := float64(v)
		if f < 0 || f > math.MaxUint32 || f != math.Trunc(f) {
			L.ArgError(n, fmt.Sprintf("%v is not a 32-bit address", f))
		}
		return uint32(f)
	case lua.LString:
		u, err := strconv.ParseUint(string(v), 0, 32)
		if err != nil {
			L.ArgError(n, err.Error())
		}
		return uint32(u)
	default:
		L.TypeError(n, lua.LTNumber)
		return 0
	}
}

// checkIdentifier accepts a hex string as produced by formatIdentifier, or
// a number below 2^53.
func checkIdentifier(L *lua.LState, n int) uint64 {
	switch v := L.Get(n).(type) {
	case lua.LString:
		u, err := strconv.ParseUint(string(v), 0, 64)
		if err != nil {
			L.ArgError(n, err.Error())
		}
		return u
	case lua.LNumber:
		f := float64(v)
		if f < 0 || f >= 1<<53 || f != math.Trunc(f) {
			L.ArgError(n, "identifier numbers must be integers below 2^53; pass a hex string")
		}
		return uint64(f)
	default:
		L.TypeError(n, lua.LTString)
		return 0
	}
}

func checkForm(L *lua.LState, n int) cache.Form {
	name := L.OptString(n, cache.FormSource.String())
	for f := cache.FormSource; f <= cache.FormMachineCode; f++ {
		if f.String() == name {
			return f
		}
	}
	L.ArgError(n, fmt.Sprintf("unknown form %q", name))
	return 0
}
