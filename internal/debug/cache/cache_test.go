package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/guestdbg/internal/debug/proto"
	"github.com/dshills/guestdbg/internal/dispatch"
)

// fakeTarget answers cache requests from in-memory state.
type fakeTarget struct {
	mu        sync.Mutex
	modules   []proto.GetModuleResponse
	functions map[uint32][]proto.FunctionEntry
	visible   map[uint32]int
	threads   []proto.ThreadEntry
	disasm    map[uint64]proto.GetFunctionResponse

	failList  error
	calls     map[proto.DataType]int
	ranges    [][2]uint32
	getFnHold chan struct{}
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		functions: make(map[uint32][]proto.FunctionEntry),
		visible:   make(map[uint32]int),
		disasm:    make(map[uint64]proto.GetFunctionResponse),
		calls:     make(map[proto.DataType]int),
	}
}

func (f *fakeTarget) addModule(id uint32, name string, fns ...proto.FunctionEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modules = append(f.modules, proto.GetModuleResponse{ID: id, Type: proto.ModuleTypeUser, Name: name, Path: "game:\\" + name})
	f.functions[id] = fns
	f.visible[id] = len(fns)
}

func (f *fakeTarget) setVisible(id uint32, n int) {
	f.mu.Lock()
	f.visible[id] = n
	f.mu.Unlock()
}

func (f *fakeTarget) count(t proto.DataType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[t]
}

func (f *fakeTarget) Request(ctx context.Context, data proto.Payload) (proto.Payload, error) {
	f.mu.Lock()
	f.calls[data.DataType()]++
	hold := f.getFnHold
	f.mu.Unlock()

	if _, ok := data.(*proto.GetFunctionRequest); ok && hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch req := data.(type) {
	case *proto.ListModulesRequest:
		resp := &proto.ListModulesResponse{}
		for _, m := range f.modules {
			resp.Modules = append(resp.Modules, proto.ModuleEntry{ID: m.ID, FunctionCount: uint32(f.visible[m.ID])})
		}
		return resp, nil
	case *proto.GetModuleRequest:
		for _, m := range f.modules {
			if m.ID == req.ID {
				m := m
				return &m, nil
			}
		}
		return nil, fmt.Errorf("no module %d", req.ID)
	case *proto.ListFunctionsRequest:
		f.ranges = append(f.ranges, [2]uint32{req.Start, req.End})
		if f.failList != nil {
			return nil, f.failList
		}
		fns := f.functions[req.ModuleID]
		if int(req.End) > len(fns) || req.Start > req.End {
			return nil, fmt.Errorf("range [%d, %d) out of bounds", req.Start, req.End)
		}
		return &proto.ListFunctionsResponse{Functions: append([]proto.FunctionEntry(nil), fns[req.Start:req.End]...)}, nil
	case *proto.GetFunctionRequest:
		resp, ok := f.disasm[req.Identifier]
		if !ok {
			return nil, fmt.Errorf("no function %x", req.Identifier)
		}
		return &resp, nil
	case *proto.ListThreadsRequest:
		return &proto.ListThreadsResponse{Threads: append([]proto.ThreadEntry(nil), f.threads...)}, nil
	}
	return nil, fmt.Errorf("unexpected request %T", data)
}

func startQueue(t *testing.T) *dispatch.Queue {
	t.Helper()
	q := dispatch.NewQueue()
	if err := q.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func testFunctions(n int, base uint32) []proto.FunctionEntry {
	fns := make([]proto.FunctionEntry, n)
	for i := range fns {
		// Reverse address order so sorting is observable.
		start := base + uint32(n-i)*0x100
		fns[i] = proto.FunctionEntry{
			Identifier:   uint64(base)<<16 | uint64(i),
			AddressStart: start,
			AddressEnd:   start + 0xFC,
			Name:         fmt.Sprintf("sub_%08X", start),
		}
	}
	return fns
}

func identifiers(fns []Function) []uint64 {
	out := make([]uint64, len(fns))
	for i, fn := range fns {
		out[i] = fn.Identifier
	}
	return out
}

func TestSyncIncrementalMatchesSingleFetch(t *testing.T) {
	ctx := context.Background()
	fns := testFunctions(7, 0x82000000)

	incremental := newFakeTarget()
	incremental.addModule(1, "default.xex", fns...)
	inc := New(incremental)
	for _, visible := range []int{0, 3, 7} {
		incremental.setVisible(1, visible)
		if err := inc.SyncModules(ctx); err != nil {
			t.Fatalf("SyncModules with %d visible: %v", visible, err)
		}
	}

	single := newFakeTarget()
	single.addModule(1, "default.xex", fns...)
	one := New(single)
	if err := one.SyncModules(ctx); err != nil {
		t.Fatalf("SyncModules: %v", err)
	}

	a, err := inc.Module(1)
	if err != nil {
		t.Fatalf("Module: %v", err)
	}
	b, err := one.Module(1)
	if err != nil {
		t.Fatalf("Module: %v", err)
	}

	got, want := identifiers(a.Functions), identifiers(b.Functions)
	if len(got) != 7 || len(want) != 7 {
		t.Fatalf("function counts = %d, %d; want 7", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("function[%d] = %x, want %x", i, got[i], want[i])
		}
	}
	for i := 1; i < len(a.Functions); i++ {
		if a.Functions[i-1].AddressStart > a.Functions[i].AddressStart {
			t.Errorf("functions not sorted at %d", i)
		}
	}

	// 0 -> 3 -> 7 only asks for the new ranges.
	if len(incremental.ranges) != 2 {
		t.Fatalf("ranges = %v, want 2 fetches", incremental.ranges)
	}
	if incremental.ranges[0] != [2]uint32{0, 3} || incremental.ranges[1] != [2]uint32{3, 7} {
		t.Errorf("ranges = %v", incremental.ranges)
	}
	if n := incremental.count(proto.TypeGetModule); n != 1 {
		t.Errorf("get_module calls = %d, want 1", n)
	}
}

func TestSyncIdempotent(t *testing.T) {
	ctx := context.Background()
	target := newFakeTarget()
	target.addModule(1, "default.xex", testFunctions(4, 0x82000000)...)
	target.addModule(2, "xam.xex", testFunctions(2, 0x81000000)...)
	c := New(target)

	for i := 0; i < 3; i++ {
		if err := c.Sync(ctx); err != nil {
			t.Fatalf("Sync %d: %v", i, err)
		}
	}

	modules := c.Modules()
	if len(modules) != 2 {
		t.Fatalf("modules = %d, want 2", len(modules))
	}
	if len(modules[0].Functions) != 4 || len(modules[1].Functions) != 2 {
		t.Errorf("function counts = %d, %d", len(modules[0].Functions), len(modules[1].Functions))
	}
	if n := target.count(proto.TypeListFunctions); n != 2 {
		t.Errorf("list_functions calls = %d, want 2", n)
	}
	if !modules[0].Loaded || modules[0].Name != "default.xex" {
		t.Errorf("module 1 = %+v", modules[0])
	}
}

func TestSyncEmptyModule(t *testing.T) {
	target := newFakeTarget()
	target.addModule(1, "empty.xex")
	c := New(target)

	if err := c.SyncModules(context.Background()); err != nil {
		t.Fatalf("SyncModules: %v", err)
	}
	if n := target.count(proto.TypeListFunctions); n != 0 {
		t.Errorf("list_functions calls = %d, want 0", n)
	}
	m, err := c.Module(1)
	if err != nil {
		t.Fatalf("Module: %v", err)
	}
	if !m.Loaded || len(m.Functions) != 0 {
		t.Errorf("module = %+v", m)
	}
}

func TestSyncDropsUnlistedModules(t *testing.T) {
	ctx := context.Background()
	target := newFakeTarget()
	fns := testFunctions(2, 0x82000000)
	target.addModule(1, "default.xex", fns...)
	target.addModule(2, "xam.xex")
	c := New(target)
	if err := c.SyncModules(ctx); err != nil {
		t.Fatalf("SyncModules: %v", err)
	}

	target.mu.Lock()
	target.modules = target.modules[1:]
	target.mu.Unlock()

	if err := c.SyncModules(ctx); err != nil {
		t.Fatalf("SyncModules: %v", err)
	}
	if _, err := c.Module(1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Module(1) error = %v, want ErrNotFound", err)
	}
	if _, err := c.Function(fns[0].Identifier); !errors.Is(err, ErrNotFound) {
		t.Errorf("Function error = %v, want ErrNotFound", err)
	}
	if len(c.Modules()) != 1 {
		t.Errorf("modules = %d, want 1", len(c.Modules()))
	}
}

func TestFailedFetchLeavesCache(t *testing.T) {
	ctx := context.Background()
	target := newFakeTarget()
	target.addModule(1, "default.xex", testFunctions(5, 0x82000000)...)
	target.setVisible(1, 2)
	c := New(target)

	if err := c.SyncModules(ctx); err != nil {
		t.Fatalf("SyncModules: %v", err)
	}

	boom := errors.New("boom")
	target.mu.Lock()
	target.failList = boom
	target.mu.Unlock()
	target.setVisible(1, 5)

	if err := c.SyncModules(ctx); !errors.Is(err, boom) {
		t.Fatalf("SyncModules error = %v, want boom", err)
	}
	m, _ := c.Module(1)
	if len(m.Functions) != 2 {
		t.Fatalf("functions after failure = %d, want 2", len(m.Functions))
	}

	target.mu.Lock()
	target.failList = nil
	target.mu.Unlock()

	if err := c.SyncModules(ctx); err != nil {
		t.Fatalf("SyncModules retry: %v", err)
	}
	m, _ = c.Module(1)
	if len(m.Functions) != 5 {
		t.Errorf("functions after retry = %d, want 5", len(m.Functions))
	}
	last := target.ranges[len(target.ranges)-1]
	if last != [2]uint32{2, 5} {
		t.Errorf("retry range = %v, want [2 5]", last)
	}
}

func TestSyncThreadsReplaces(t *testing.T) {
	ctx := context.Background()
	target := newFakeTarget()
	target.threads = []proto.ThreadEntry{
		{Handle: 0x10, ThreadID: 1, Name: "main", State: proto.ThreadStateAlive},
		{Handle: 0x11, ThreadID: 2, Name: "audio", State: proto.ThreadStateWaiting},
	}
	c := New(target)
	if err := c.SyncThreads(ctx); err != nil {
		t.Fatalf("SyncThreads: %v", err)
	}
	if got := c.Threads(); len(got) != 2 {
		t.Fatalf("threads = %d, want 2", len(got))
	}

	target.mu.Lock()
	target.threads = []proto.ThreadEntry{{Handle: 0x12, ThreadID: 3, Name: "worker", State: proto.ThreadStateAlive}}
	target.mu.Unlock()

	if err := c.SyncThreads(ctx); err != nil {
		t.Fatalf("SyncThreads: %v", err)
	}
	got := c.Threads()
	if len(got) != 1 || got[0].ThreadID != 3 || got[0].Handle().ID != 0x12 {
		t.Errorf("threads = %+v", got)
	}
	if _, ok := c.Thread(1); ok {
		t.Error("thread 1 still cached")
	}
}

func TestDisassemblyFetchedOnce(t *testing.T) {
	ctx := context.Background()
	target := newFakeTarget()
	fns := testFunctions(1, 0x82000000)
	target.addModule(1, "default.xex", fns...)
	id := fns[0].Identifier
	target.disasm[id] = proto.GetFunctionResponse{
		Identifier:       id,
		AddressStart:     fns[0].AddressStart,
		AddressEnd:       fns[0].AddressStart + 0x40,
		MachineCodeStart: 0xA0001000,
		MachineCodeEnd:   0xA0001080,
		Source:           "li r3, 0",
		RawHIR:           "raw",
		HIR:              "hir",
		MachineCode:      "xor eax, eax",
	}

	var changes atomic.Int32
	c := New(target, WithChangeHandler(func(ch Change) {
		if ch.Kind == ChangeFunction && ch.Identifier == id {
			changes.Add(1)
		}
	}))
	if err := c.SyncModules(ctx); err != nil {
		t.Fatalf("SyncModules: %v", err)
	}

	target.mu.Lock()
	target.getFnHold = make(chan struct{})
	hold := target.getFnHold
	target.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]string, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Disassembly(ctx, id, FormSource)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(hold)
	wg.Wait()

	for i := range results {
		if errs[i] != nil || results[i] != "li r3, 0" {
			t.Errorf("result[%d] = %q, %v", i, results[i], errs[i])
		}
	}

	mc, err := c.Disassembly(ctx, id, FormMachineCode)
	if err != nil || mc != "xor eax, eax" {
		t.Errorf("machine code = %q, %v", mc, err)
	}
	if n := target.count(proto.TypeGetFunction); n != 1 {
		t.Errorf("get_function calls = %d, want 1", n)
	}
	if n := changes.Load(); n != 1 {
		t.Errorf("function changes = %d, want 1", n)
	}

	fn, err := c.Function(id)
	if err != nil {
		t.Fatalf("Function: %v", err)
	}
	if !fn.Disassembled || fn.AddressEnd != fns[0].AddressStart+0x40 || fn.MachineCodeStart != 0xA0001000 {
		t.Errorf("function = %+v", fn)
	}
}

func TestDisassemblyUnknownFunction(t *testing.T) {
	c := New(newFakeTarget())
	if _, err := c.Disassembly(context.Background(), 0xdead, FormHIR); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestFunctionAt(t *testing.T) {
	target := newFakeTarget()
	target.addModule(1, "default.xex", testFunctions(3, 0x82000000)...)
	c := New(target)
	if err := c.SyncModules(context.Background()); err != nil {
		t.Fatalf("SyncModules: %v", err)
	}

	fn, err := c.FunctionAt(0x82000208)
	if err != nil {
		t.Fatalf("FunctionAt: %v", err)
	}
	if fn.AddressStart != 0x82000200 {
		t.Errorf("function start = %08X, want 82000200", fn.AddressStart)
	}
	if _, err := c.FunctionAt(0x820001FE); !errors.Is(err, ErrNotFound) {
		t.Errorf("gap lookup error = %v, want ErrNotFound", err)
	}
	if _, err := c.FunctionAt(0x10); !errors.Is(err, ErrNotFound) {
		t.Errorf("low lookup error = %v, want ErrNotFound", err)
	}
}

func TestReset(t *testing.T) {
	target := newFakeTarget()
	target.addModule(1, "default.xex", testFunctions(1, 0x82000000)...)
	c := New(target)
	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	c.Reset()
	if len(c.Modules()) != 0 || len(c.Threads()) != 0 {
		t.Error("cache not empty after Reset")
	}
}

func TestChangeHandlersNeverOverlap(t *testing.T) {
	target := newFakeTarget()
	for id := uint32(1); id <= 3; id++ {
		target.addModule(id, fmt.Sprintf("module%d.xex", id), testFunctions(4, 0x82000000+id*0x10000)...)
	}

	var inFlight, maxInFlight, calls atomic.Int32
	c := New(target, WithExecutor(startQueue(t)), WithChangeHandler(func(Change) {
		n := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if n <= prev || maxInFlight.CompareAndSwap(prev, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		calls.Add(1)
	}))

	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n := maxInFlight.Load(); n != 1 {
		t.Errorf("max concurrent change handlers = %d, want 1", n)
	}
	if calls.Load() == 0 {
		t.Error("no change notifications")
	}
	if got := len(c.Modules()); got != 3 {
		t.Errorf("modules = %d, want 3", got)
	}
}

func TestCommitsWaitForExecutor(t *testing.T) {
	target := newFakeTarget()
	target.addModule(1, "default.xex", testFunctions(2, 0x82000000)...)
	q := startQueue(t)

	var changes atomic.Int32
	c := New(target, WithExecutor(q), WithChangeHandler(func(Change) { changes.Add(1) }))

	release := make(chan struct{})
	_ = q.Issue(func(context.Context) error {
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- c.Sync(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	if n := changes.Load(); n != 0 {
		t.Fatalf("%d changes delivered while the executor was busy", n)
	}
	if len(c.Modules()) != 0 || len(c.Threads()) != 0 {
		t.Fatal("cache committed while the executor was busy")
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Sync: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Sync did not finish")
	}
	if changes.Load() == 0 || len(c.Modules()) != 1 {
		t.Errorf("after release: changes = %d, modules = %d", changes.Load(), len(c.Modules()))
	}
}

func TestResetDiscardsInflightFetch(t *testing.T) {
	ctx := context.Background()
	target := newFakeTarget()
	fns := testFunctions(1, 0x82000000)
	target.addModule(1, "default.xex", fns...)
	id := fns[0].Identifier
	target.disasm[id] = proto.GetFunctionResponse{Identifier: id, Source: "li r3, 0"}

	c := New(target, WithExecutor(startQueue(t)))
	if err := c.SyncModules(ctx); err != nil {
		t.Fatalf("SyncModules: %v", err)
	}

	target.mu.Lock()
	target.getFnHold = make(chan struct{})
	hold := target.getFnHold
	target.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := c.Disassembly(ctx, id, FormSource)
		done <- err
	}()
	for target.count(proto.TypeGetFunction) == 0 {
		time.Sleep(time.Millisecond)
	}

	c.Reset()
	if err := c.SyncModules(ctx); err != nil {
		t.Fatalf("SyncModules after Reset: %v", err)
	}
	close(hold)

	if err := <-done; !errors.Is(err, ErrReset) {
		t.Errorf("Disassembly() = %v, want ErrReset", err)
	}
	fn, err := c.Function(id)
	if err != nil {
		t.Fatalf("Function: %v", err)
	}
	if fn.Disassembled {
		t.Error("fetch started before Reset was committed")
	}
}
