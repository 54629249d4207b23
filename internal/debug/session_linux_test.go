package debug_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dshills/guestdbg/internal/debug"
	"github.com/dshills/guestdbg/internal/debug/breakpoint"
	"github.com/dshills/guestdbg/internal/debug/debugtest"
	"github.com/dshills/guestdbg/internal/debug/memory"
	"github.com/dshills/guestdbg/internal/debug/proto"
	"github.com/dshills/guestdbg/internal/debug/runstate"
	"github.com/dshills/guestdbg/internal/debug/transport"
	"github.com/dshills/guestdbg/internal/event"
)

// sessionLayout maps guest 0x10000-0x2FFFF onto a 128KB backing file. Low
// memory aliases the first half.
func sessionLayout() memory.Layout {
	return memory.Layout{
		{Start: 0x00000, End: 0x0FFFF, Target: 0x00000},
		{Start: 0x10000, End: 0x1FFFF, Target: 0x00000},
		{Start: 0x20000, End: 0x2FFFF, Target: 0x10000},
	}
}

type harness struct {
	srv     *debugtest.Server
	target  *debugtest.Target
	session *debug.Session
	bus     *event.Bus
	shm     string
	store   string

	states chan debug.StateChanged
	runs   chan runstate.Changed
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		srv:    debugtest.NewServer(t),
		target: debugtest.NewTarget(),
		bus:    event.NewBus(),
		states: make(chan debug.StateChanged, 64),
		runs:   make(chan runstate.Changed, 64),
	}
	h.target.Install(h.srv)
	h.target.EntryFunction = 0x82000000
	h.target.EntryAddress = 0x82000010
	h.target.AddModule(proto.GetModuleResponse{ID: 1, Type: proto.ModuleTypeUser, Name: "default.xex", Path: "game:\\default.xex"},
		proto.FunctionEntry{Identifier: 1, AddressStart: 0x82000000, AddressEnd: 0x8200003C, Name: "start"},
		proto.FunctionEntry{Identifier: 2, AddressStart: 0x82000040, AddressEnd: 0x8200007C, Name: "main"},
	)
	h.target.Threads = []proto.ThreadEntry{{Handle: 0x100, ThreadID: 7, Name: "main", State: proto.ThreadStateAlive}}

	dir := t.TempDir()
	h.shm = dir
	h.store = filepath.Join(dir, "breakpoints.json")
	f, err := os.Create(filepath.Join(dir, h.target.MemoryFile))
	if err != nil {
		t.Fatalf("create backing file: %v", err)
	}
	if err := f.Truncate(int64(sessionLayout().Span())); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	_ = f.Close()

	if _, err := event.Subscribe(h.bus, debug.TopicSessionState, func(_ context.Context, e event.Event[debug.StateChanged]) error {
		h.states <- e.Payload
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := event.Subscribe(h.bus, runstate.TopicChanged, func(_ context.Context, e event.Event[runstate.Changed]) error {
		h.runs <- e.Payload
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	h.session = h.newSession(t, h.srv.Addr())
	return h
}

func (h *harness) newSession(t *testing.T, addr string) *debug.Session {
	t.Helper()

	cfg := debug.DefaultConfig()
	cfg.ID = "test"
	cfg.Address = addr
	cfg.RetryInterval = 5 * time.Millisecond
	cfg.ShmDir = h.shm
	cfg.Layout = sessionLayout()

	s, err := debug.NewSession(cfg,
		debug.WithBus(h.bus),
		debug.WithBreakpointStore(breakpoint.NewFileStore(h.store)))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitState drains state notifications until want is seen.
func (h *harness) waitState(t *testing.T, want debug.SessionState) debug.StateChanged {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ch := <-h.states:
			if ch.New == want {
				return ch
			}
		case <-timeout:
			t.Fatalf("session never reached %s", want)
			return debug.StateChanged{}
		}
	}
}

func (h *harness) waitRunState(t *testing.T, want runstate.RunState) runstate.Changed {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ch := <-h.runs:
			if ch.Context.RunState == want {
				return ch
			}
		case <-timeout:
			t.Fatalf("run state never reached %s", want)
			return runstate.Changed{}
		}
	}
}

func indexOf(reqs []*proto.Request, t proto.DataType) int {
	for i, r := range reqs {
		if r.Type() == t {
			return i
		}
	}
	return -1
}

func TestAttach(t *testing.T) {
	h := newHarness(t)
	s := h.session
	code := s.AddCodeBreakpoint(0x82000040, 0x82000044)

	if err := s.Attach(testContext(t)); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if s.State() != debug.StateAttached {
		t.Fatalf("state = %v, want attached", s.State())
	}
	if got := s.RunState().RunState; got != runstate.Paused {
		t.Errorf("run state = %v, want paused", got)
	}
	if s.ServerVersion() != "1.0.0" {
		t.Errorf("server version = %q", s.ServerVersion())
	}
	if !s.Memory().IsMapped() {
		t.Error("memory not mapped")
	}

	installed := h.target.Breakpoints()
	if len(installed) != 2 {
		t.Fatalf("installed breakpoints = %+v, want code and entry", installed)
	}
	var sawCode, sawEntry bool
	for _, bp := range installed {
		switch {
		case bp.ID == code.ID:
			sawCode = true
		case bp.Type == proto.BreakpointTypeTemporary && bp.Address == 0x82000010:
			sawEntry = true
		}
	}
	if !sawCode || !sawEntry {
		t.Errorf("installed breakpoints = %+v", installed)
	}

	reqs := h.srv.Requests()
	push, list := indexOf(reqs, proto.TypeAddBreakpoints), indexOf(reqs, proto.TypeListModules)
	if push < 0 || list < 0 || push > list {
		t.Errorf("breakpoint push at %d, first sync at %d; want push first", push, list)
	}
	attach, ok := reqs[0].Data.(*proto.AttachRequest)
	if !ok || attach.Schema != proto.SchemaVersion {
		t.Errorf("first request = %+v, want attach", reqs[0])
	}

	modules := s.Cache().Modules()
	if len(modules) != 1 || len(modules[0].Functions) != 2 {
		t.Errorf("cached modules = %+v", modules)
	}
	if threads := s.Cache().Threads(); len(threads) != 1 || threads[0].ThreadID != 7 {
		t.Errorf("cached threads = %+v", threads)
	}

	h.waitState(t, debug.StateAttached)
	if err := s.Attach(testContext(t)); !errors.Is(err, debug.ErrInvalidState) {
		t.Errorf("second Attach = %v, want ErrInvalidState", err)
	}
}

func TestAttachRunningTarget(t *testing.T) {
	h := newHarness(t)
	h.target.Running = true

	if err := h.session.Attach(testContext(t)); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := h.session.RunState().RunState; got != runstate.Running {
		t.Errorf("run state = %v, want running", got)
	}
}

func TestAttachIncompatibleServer(t *testing.T) {
	h := newHarness(t)
	h.target.ServerVersion = "2.3.0"

	err := h.session.Attach(testContext(t))
	if !errors.Is(err, debug.ErrIncompatibleServer) {
		t.Fatalf("Attach = %v, want ErrIncompatibleServer", err)
	}
	if h.session.State() != debug.StateIdle {
		t.Errorf("state = %v, want idle", h.session.State())
	}
	if h.session.Memory().IsMapped() {
		t.Error("memory mapped after failed attach")
	}
}

func TestAttachMissingMemoryFile(t *testing.T) {
	h := newHarness(t)
	h.target.MemoryFile = "missing"

	err := h.session.Attach(testContext(t))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Attach = %v, want ErrNotExist", err)
	}
	if h.session.State() != debug.StateIdle {
		t.Errorf("state = %v, want idle", h.session.State())
	}
}

func TestAttachConnectRefused(t *testing.T) {
	h := newHarness(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	s := h.newSession(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = s.Attach(ctx)
	if !errors.Is(err, transport.ErrConnectRefused) {
		t.Fatalf("Attach = %v, want ErrConnectRefused", err)
	}
	if s.State() != debug.StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
	h.waitState(t, debug.StateAttaching)
	failed := h.waitState(t, debug.StateIdle)
	if failed.Err == nil {
		t.Error("failed attach notification carries no error")
	}
}

func TestRunControl(t *testing.T) {
	h := newHarness(t)
	s := h.session
	ctx := testContext(t)
	if err := s.Attach(ctx); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	h.waitRunState(t, runstate.Paused)

	if err := s.Continue(ctx); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if !h.target.IsRunning() || s.RunState().RunState != runstate.Running {
		t.Fatalf("after continue: target running %v, state %v", h.target.IsRunning(), s.RunState().RunState)
	}
	h.waitRunState(t, runstate.Running)

	if err := s.Break(ctx); err != nil {
		t.Fatalf("Break: %v", err)
	}
	updating := h.waitRunState(t, runstate.Updating)
	if updating.Previous != runstate.Running {
		t.Errorf("break left %v, want running", updating.Previous)
	}
	h.waitRunState(t, runstate.Paused)
	if h.target.IsRunning() {
		t.Error("target still running after break")
	}

	if err := s.StepOver(ctx, 7); err != nil {
		t.Fatalf("StepOver: %v", err)
	}
	steps := h.srv.RequestsOf(proto.TypeStep)
	if len(steps) != 1 {
		t.Fatalf("step requests = %d, want 1", len(steps))
	}
	if step := steps[0].Data.(*proto.StepRequest); step.Mode != proto.StepModeOver || step.ThreadID != 7 {
		t.Errorf("step request = %+v", step)
	}
}

func TestBreakpointHitEvent(t *testing.T) {
	h := newHarness(t)
	h.target.Running = true
	s := h.session
	ctx := testContext(t)
	if err := s.Attach(ctx); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	h.waitRunState(t, runstate.Running)

	bp := s.AddCodeBreakpoint(0x82000040, 0x82000044)
	if err := s.Breakpoints().Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := h.srv.SendEvent(&proto.BreakpointHitEvent{BreakpointID: bp.ID, ThreadID: 7}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	h.waitRunState(t, runstate.Updating)
	h.waitRunState(t, runstate.Paused)

	got := s.RunState()
	if got.ActiveThread != 7 || got.ActiveBreakpoint != bp.ID {
		t.Errorf("run state = %+v", got)
	}
}

func TestEntryBreakpointRemovedOnHit(t *testing.T) {
	h := newHarness(t)
	h.target.Running = true
	s := h.session
	ctx := testContext(t)
	if err := s.Attach(ctx); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	h.waitRunState(t, runstate.Running)

	entry := s.Breakpoints().AtAddress(0x82000010)
	if len(entry) != 1 || !entry[0].IsTemporary() {
		t.Fatalf("entry breakpoints = %+v", entry)
	}

	if err := h.srv.SendEvent(&proto.BreakpointHitEvent{BreakpointID: entry[0].ID, ThreadID: 7}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	h.waitRunState(t, runstate.Paused)

	if _, ok := s.Breakpoints().Get(entry[0].ID); ok {
		t.Error("entry breakpoint still registered after hit")
	}
	if err := s.Breakpoints().Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if removes := h.srv.RequestsOf(proto.TypeRemoveBreakpoints); len(removes) != 1 {
		t.Errorf("remove requests = %d, want 1", len(removes))
	}
}

func TestConnectionLossDetaches(t *testing.T) {
	h := newHarness(t)
	s := h.session
	if err := s.Attach(testContext(t)); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	h.waitState(t, debug.StateAttached)

	h.srv.DropConnections()
	lost := h.waitState(t, debug.StateDetached)
	if !errors.Is(lost.Err, transport.ErrDisconnected) {
		t.Errorf("detach cause = %v, want ErrDisconnected", lost.Err)
	}
	if s.Memory().IsMapped() {
		t.Error("memory still mapped after connection loss")
	}
	if err := s.Stop(testContext(t)); !errors.Is(err, debug.ErrNotAttached) {
		t.Errorf("Stop after loss = %v, want ErrNotAttached", err)
	}
}

func TestDetachPersistsAndReattaches(t *testing.T) {
	h := newHarness(t)
	s := h.session
	ctx := testContext(t)
	code := s.AddCodeBreakpoint(0x82000040, 0x82000044)

	if err := s.Attach(ctx); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if s.State() != debug.StateDetached {
		t.Fatalf("state = %v, want detached", s.State())
	}
	if err := s.Detach(); err != nil {
		t.Errorf("second Detach = %v, want nil", err)
	}

	data, err := os.ReadFile(h.store)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	stored := gjson.GetBytes(data, "sessions.test.breakpoints")
	if n := len(stored.Array()); n != 1 {
		t.Fatalf("stored breakpoints = %d, want 1: %s", n, stored.Raw)
	}
	if id := stored.Array()[0].Get("id").String(); id != code.ID {
		t.Errorf("stored id = %q, want %q", id, code.ID)
	}

	before := len(h.srv.RequestsOf(proto.TypeAddBreakpoints))
	if err := s.Attach(ctx); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	adds := h.srv.RequestsOf(proto.TypeAddBreakpoints)[before:]
	if len(adds) != 1 {
		t.Fatalf("add requests on reattach = %d, want 1 (no entry breakpoint)", len(adds))
	}
	pushed := adds[0].Data.(*proto.AddBreakpointsRequest).Breakpoints
	if len(pushed) != 1 || pushed[0].ID != code.ID {
		t.Errorf("pushed = %+v", pushed)
	}
}

func TestSessionBreakpointsSurviveRestart(t *testing.T) {
	h := newHarness(t)
	bp := h.session.AddCodeBreakpoint(0x82000040, 0x82000044)
	if err := h.session.ToggleBreakpoint(bp.ID, false); err != nil {
		t.Fatalf("ToggleBreakpoint: %v", err)
	}

	restarted := h.newSession(t, h.srv.Addr())
	got, ok := restarted.Breakpoints().Get(bp.ID)
	if !ok {
		t.Fatal("breakpoint not restored")
	}
	if got.Enabled || got.Address != 0x82000044 {
		t.Errorf("restored = %+v", got)
	}
}

func TestReadVirtual(t *testing.T) {
	h := newHarness(t)
	s := h.session
	if err := s.Attach(testContext(t)); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(h.shm, h.target.MemoryFile), os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open backing file: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x10010); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	_ = f.Close()

	got, err := s.ReadVirtual(0x20010, 4)
	if err != nil {
		t.Fatalf("ReadVirtual: %v", err)
	}
	if string(got) != "\xDE\xAD\xBE\xEF" {
		t.Errorf("ReadVirtual = %X", got)
	}

	if _, err := s.ReadVirtual(0x2FFFE, 4); !errors.Is(err, memory.ErrAddressOutOfRange) {
		t.Errorf("read across segment end = %v, want ErrAddressOutOfRange", err)
	}
	if _, err := s.ReadVirtual(0x90000, 1); !errors.Is(err, memory.ErrAddressOutOfRange) {
		t.Errorf("unmapped read = %v, want ErrAddressOutOfRange", err)
	}
}

func TestHandlersRunOneAtATime(t *testing.T) {
	h := newHarness(t)
	h.target.Running = true
	h.target.AddModule(proto.GetModuleResponse{ID: 2, Type: proto.ModuleTypeUser, Name: "xam.xex", Path: "game:\\xam.xex"},
		proto.FunctionEntry{Identifier: 3, AddressStart: 0x82100000, AddressEnd: 0x8210003C, Name: "xam_init"},
	)
	h.target.AddModule(proto.GetModuleResponse{ID: 3, Type: proto.ModuleTypeUser, Name: "xbdm.xex", Path: "game:\\xbdm.xex"},
		proto.FunctionEntry{Identifier: 4, AddressStart: 0x82200000, AddressEnd: 0x8220003C, Name: "xbdm_init"},
	)

	var inFlight, maxInFlight, delivered atomic.Int32
	if _, err := h.bus.SubscribeFunc("debug.**", func(context.Context, any) error {
		n := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if n <= prev || maxInFlight.CompareAndSwap(prev, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		delivered.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("SubscribeFunc: %v", err)
	}

	s := h.session
	ctx := testContext(t)
	if err := s.Attach(ctx); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	h.waitRunState(t, runstate.Running)

	bp := s.AddCodeBreakpoint(0x82000040, 0x82000044)
	if err := h.srv.SendEvent(&proto.BreakpointHitEvent{BreakpointID: bp.ID, ThreadID: 7}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	h.waitRunState(t, runstate.Paused)
	if err := s.Breakpoints().Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if n := maxInFlight.Load(); n != 1 {
		t.Errorf("max concurrent handlers = %d, want 1", n)
	}
	if delivered.Load() == 0 {
		t.Error("no notifications delivered")
	}
}
