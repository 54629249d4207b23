// Package cache mirrors the target's modules, functions, and threads.
//
// Modules are fetched incrementally: the target reports a function count per
// module, and only functions past the count already cached are requested.
// Threads are replaced wholesale on every sync. Fetch failures never touch
// entries that are already cached; a range of functions is committed only
// when its fetch succeeded.
//
// Requests run concurrently, but every commit and its change notification
// run one at a time on the executor. A fetch that started before Reset
// commits nothing.
package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/guestdbg/internal/debug/proto"
	"github.com/dshills/guestdbg/internal/dispatch"
)

// Requester issues a request and returns its response payload.
type Requester interface {
	Request(ctx context.Context, data proto.Payload) (proto.Payload, error)
}

// Logger is the logging interface used by the cache.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Executor runs tasks one at a time. *dispatch.Queue implements it.
type Executor interface {
	Run(ctx context.Context, task dispatch.Task) error
}

// DefaultConcurrency bounds concurrent module invalidations during Sync.
const DefaultConcurrency = 8

type module struct {
	id       uint32
	typ      proto.ModuleType
	name     string
	path     string
	loaded   bool
	expected uint32

	// functions is sorted by (start address, discovery order).
	functions []*function
	// fetched is the number of function indices already merged.
	fetched uint32

	// fetchMu serializes invalidations of this module.
	fetchMu sync.Mutex
}

type function struct {
	Function
	order int
	forms [formCount]string
}

// Cache is the local mirror of target state. It is safe for concurrent use.
type Cache struct {
	requester   Requester
	logger      Logger
	onChange    func(Change)
	concurrency int
	exec        Executor

	mu           sync.RWMutex
	epoch        uint64
	modules      map[uint32]*module
	order        []uint32
	byIdentifier map[uint64]*function
	threads      []Thread
	discovered   int

	// syncMu serializes Sync.
	syncMu sync.Mutex
	fetch  singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithChangeHandler sets a function called after each committed update.
func WithChangeHandler(fn func(Change)) Option {
	return func(c *Cache) {
		c.onChange = fn
	}
}

// WithExecutor sets where commits and change notifications run. Without it
// they run on the goroutine that fetched the data.
func WithExecutor(e Executor) Option {
	return func(c *Cache) {
		c.exec = e
	}
}

// WithConcurrency bounds concurrent module invalidations.
func WithConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// New creates an empty cache fed by r.
func New(r Requester, opts ...Option) *Cache {
	c := &Cache{
		requester:    r,
		logger:       nopLogger{},
		concurrency:  DefaultConcurrency,
		modules:      make(map[uint32]*module),
		byIdentifier: make(map[uint64]*function),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reset drops every cached entry. Fetches already in flight are discarded
// when they complete.
func (c *Cache) Reset() {
	err := c.run(context.Background(), func() {
		c.mu.Lock()
		c.epoch++
		c.modules = make(map[uint32]*module)
		c.order = nil
		c.byIdentifier = make(map[uint64]*function)
		c.threads = nil
		c.discovered = 0
		c.mu.Unlock()

		c.changed(Change{Kind: ChangeModules})
		c.changed(Change{Kind: ChangeThreads})
	})
	if err != nil {
		c.logger.Warn("reset: %v", err)
	}
}

// Sync refreshes modules and threads concurrently.
func (c *Cache) Sync(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.SyncModules(ctx) })
	g.Go(func() error { return c.SyncThreads(ctx) })
	return g.Wait()
}

// SyncModules fetches the module list and invalidates every module that is
// new or whose function count changed. Modules the target no longer lists
// are dropped.
func (c *Cache) SyncModules(ctx context.Context) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	epoch := c.currentEpoch()
	resp, err := request[*proto.ListModulesResponse](ctx, c.requester, &proto.ListModulesRequest{})
	if err != nil {
		return fmt.Errorf("list modules: %w", err)
	}

	type work struct {
		id    uint32
		count uint32
	}
	var todo []work

	err = c.commit(ctx, epoch, func() []Change {
		listed := make(map[uint32]bool, len(resp.Modules))
		structural := false
		for _, entry := range resp.Modules {
			listed[entry.ID] = true

			m, ok := c.modules[entry.ID]
			if !ok {
				m = &module{id: entry.ID}
				c.modules[entry.ID] = m
				c.order = append(c.order, entry.ID)
				structural = true
			}
			m.expected = entry.FunctionCount
			if !m.loaded || m.fetched != entry.FunctionCount {
				todo = append(todo, work{id: entry.ID, count: entry.FunctionCount})
			}
		}
		if len(listed) != len(c.order) {
			c.dropUnlisted(listed)
			structural = true
		}
		if structural {
			return []Change{{Kind: ChangeModules}}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list modules: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, w := range todo {
		g.Go(func() error {
			return c.InvalidateModule(gctx, w.id, w.count)
		})
	}
	return g.Wait()
}

// dropUnlisted removes modules not in listed. Callers hold c.mu.
func (c *Cache) dropUnlisted(listed map[uint32]bool) {
	kept := c.order[:0]
	for _, id := range c.order {
		if listed[id] {
			kept = append(kept, id)
			continue
		}
		for _, fn := range c.modules[id].functions {
			delete(c.byIdentifier, fn.Identifier)
		}
		delete(c.modules, id)
		c.logger.Debug("module %d unloaded", id)
	}
	c.order = kept
}

// InvalidateModule fetches a module's metadata once, then merges the
// functions in the index range [cached count, count). A smaller count than
// already cached is a no-op.
func (c *Cache) InvalidateModule(ctx context.Context, id, count uint32) error {
	epoch := c.currentEpoch()

	var m *module
	err := c.commit(ctx, epoch, func() []Change {
		var ok bool
		if m, ok = c.modules[id]; !ok {
			m = &module{id: id}
			c.modules[id] = m
			c.order = append(c.order, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate module %d: %w", id, err)
	}

	m.fetchMu.Lock()
	defer m.fetchMu.Unlock()

	c.mu.RLock()
	loaded, start := m.loaded, m.fetched
	c.mu.RUnlock()

	if !loaded {
		info, err := request[*proto.GetModuleResponse](ctx, c.requester, &proto.GetModuleRequest{ID: id})
		if err != nil {
			return fmt.Errorf("invalidate module %d: %w", id, err)
		}
		err = c.commit(ctx, epoch, func() []Change {
			m.typ, m.name, m.path = info.Type, info.Name, info.Path
			m.loaded = true
			if count <= start {
				return []Change{{Kind: ChangeModules}}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("invalidate module %d: %w", id, err)
		}
	}

	if count <= start {
		return nil
	}

	list, err := request[*proto.ListFunctionsResponse](ctx, c.requester, &proto.ListFunctionsRequest{
		ModuleID: id,
		Start:    start,
		End:      count,
	})
	if err != nil {
		return fmt.Errorf("invalidate module %d functions [%d, %d): %w", id, start, count, err)
	}
	if uint32(len(list.Functions)) > count-start {
		return fmt.Errorf("invalidate module %d: %w", id, &proto.ProtocolError{
			Type: proto.TypeListFunctions,
			Err:  fmt.Errorf("got %d functions for range [%d, %d)", len(list.Functions), start, count),
		})
	}

	end := start + uint32(len(list.Functions))
	err = c.commit(ctx, epoch, func() []Change {
		c.merge(m, list.Functions)
		m.fetched = end
		return []Change{{Kind: ChangeModules}}
	})
	if err != nil {
		return fmt.Errorf("invalidate module %d functions [%d, %d): %w", id, start, end, err)
	}

	c.logger.Debug("module %d: merged functions [%d, %d)", id, start, end)
	return nil
}

// merge adds entries to m, updating functions already known by identifier,
// then restores address order. Callers hold c.mu.
func (c *Cache) merge(m *module, entries []proto.FunctionEntry) {
	for _, e := range entries {
		if fn, ok := c.byIdentifier[e.Identifier]; ok && fn.ModuleID == m.id {
			fn.Name = e.Name
			fn.AddressStart = e.AddressStart
			if !fn.Disassembled {
				fn.AddressEnd = e.AddressEnd
			}
			continue
		}

		fn := &function{
			Function: Function{
				Identifier:   e.Identifier,
				ModuleID:     m.id,
				Name:         e.Name,
				AddressStart: e.AddressStart,
				AddressEnd:   e.AddressEnd,
			},
			order: c.discovered,
		}
		c.discovered++
		m.functions = append(m.functions, fn)
		c.byIdentifier[e.Identifier] = fn
	}

	sort.Slice(m.functions, func(i, j int) bool {
		a, b := m.functions[i], m.functions[j]
		if a.AddressStart != b.AddressStart {
			return a.AddressStart < b.AddressStart
		}
		return a.order < b.order
	})
}

// SyncThreads replaces the thread list.
func (c *Cache) SyncThreads(ctx context.Context) error {
	epoch := c.currentEpoch()
	resp, err := request[*proto.ListThreadsResponse](ctx, c.requester, &proto.ListThreadsRequest{})
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}

	threads := make([]Thread, len(resp.Threads))
	for i, t := range resp.Threads {
		threads[i] = Thread{
			RemoteHandle: RemoteHandle{ID: t.Handle},
			ThreadID:     t.ThreadID,
			Name:         t.Name,
			State:        t.State,
			IsHost:       t.IsHost,
		}
	}

	err = c.commit(ctx, epoch, func() []Change {
		c.threads = threads
		return []Change{{Kind: ChangeThreads}}
	})
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}
	return nil
}

// Disassembly returns one form of a function's disassembly. The first
// request for a function fetches every form; later calls are served from the
// cache. Concurrent first requests share one fetch.
func (c *Cache) Disassembly(ctx context.Context, identifier uint64, form Form) (string, error) {
	if form >= formCount {
		return "", fmt.Errorf("disassembly form %d: %w", form, ErrNotFound)
	}

	c.mu.RLock()
	fn, ok := c.byIdentifier[identifier]
	var text string
	var done bool
	if ok {
		text, done = fn.forms[form], fn.Disassembled
	}
	c.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("function %016X: %w", identifier, ErrNotFound)
	}
	if done {
		return text, nil
	}

	key := strconv.FormatUint(identifier, 16)
	_, err, _ := c.fetch.Do(key, func() (any, error) {
		return nil, c.fetchFunction(ctx, identifier)
	})
	if err != nil {
		return "", err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if fn, ok := c.byIdentifier[identifier]; ok {
		return fn.forms[form], nil
	}
	return "", fmt.Errorf("function %016X: %w", identifier, ErrNotFound)
}

func (c *Cache) fetchFunction(ctx context.Context, identifier uint64) error {
	c.mu.RLock()
	epoch := c.epoch
	fn, ok := c.byIdentifier[identifier]
	done := ok && fn.Disassembled
	c.mu.RUnlock()
	if done {
		return nil
	}

	resp, err := request[*proto.GetFunctionResponse](ctx, c.requester, &proto.GetFunctionRequest{Identifier: identifier})
	if err != nil {
		return fmt.Errorf("get function %016X: %w", identifier, err)
	}

	err = c.commit(ctx, epoch, func() []Change {
		fn, ok = c.byIdentifier[identifier]
		if !ok {
			return nil
		}
		fn.AddressEnd = resp.AddressEnd
		fn.MachineCodeStart = resp.MachineCodeStart
		fn.MachineCodeEnd = resp.MachineCodeEnd
		fn.forms[FormSource] = resp.Source
		fn.forms[FormRawHIR] = resp.RawHIR
		fn.forms[FormHIR] = resp.HIR
		fn.forms[FormMachineCode] = resp.MachineCode
		fn.Disassembled = true
		return []Change{{Kind: ChangeFunction, ModuleID: fn.ModuleID, Identifier: identifier}}
	})
	if err != nil {
		return fmt.Errorf("get function %016X: %w", identifier, err)
	}
	if !ok {
		return fmt.Errorf("function %016X: %w", identifier, ErrNotFound)
	}
	return nil
}

// Modules returns every module in discovery order.
func (c *Cache) Modules() []Module {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Module, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.snapshot(c.modules[id]))
	}
	return out
}

// Module returns one module.
func (c *Cache) Module(id uint32) (Module, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.modules[id]
	if !ok {
		return Module{}, fmt.Errorf("module %d: %w", id, ErrNotFound)
	}
	return c.snapshot(m), nil
}

func (c *Cache) snapshot(m *module) Module {
	out := Module{
		RemoteHandle:      RemoteHandle{ID: m.id},
		Type:              m.typ,
		Name:              m.name,
		Path:              m.path,
		Loaded:            m.loaded,
		ExpectedFunctions: m.expected,
		Functions:         make([]Function, len(m.functions)),
	}
	for i, fn := range m.functions {
		out.Functions[i] = fn.Function
	}
	return out
}

// Function returns a function by identifier.
func (c *Cache) Function(identifier uint64) (Function, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fn, ok := c.byIdentifier[identifier]
	if !ok {
		return Function{}, fmt.Errorf("function %016X: %w", identifier, ErrNotFound)
	}
	return fn.Function, nil
}

// FunctionAt returns the function containing a guest code address.
func (c *Cache) FunctionAt(address uint32) (Function, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, id := range c.order {
		fns := c.modules[id].functions
		// Last function starting at or before address.
		i := sort.Search(len(fns), func(i int) bool { return fns[i].AddressStart > address })
		if i == 0 {
			continue
		}
		start := fns[i-1].AddressStart
		for j := i - 1; j >= 0 && fns[j].AddressStart == start; j-- {
			if fns[j].Contains(address) {
				return fns[j].Function, nil
			}
		}
	}
	return Function{}, fmt.Errorf("function at %08X: %w", address, ErrNotFound)
}

// Threads returns the latest thread snapshot.
func (c *Cache) Threads() []Thread {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Thread(nil), c.threads...)
}

// Thread returns a thread by guest thread id.
func (c *Cache) Thread(threadID uint32) (Thread, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, t := range c.threads {
		if t.ThreadID == threadID {
			return t, true
		}
	}
	return Thread{}, false
}

func (c *Cache) currentEpoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// commit applies fn under the write lock on the executor, then delivers the
// changes it returns. If the cache was reset after epoch, fn is skipped and
// ErrReset is returned.
func (c *Cache) commit(ctx context.Context, epoch uint64, fn func() []Change) error {
	stale := false
	err := c.run(ctx, func() {
		c.mu.Lock()
		if c.epoch != epoch {
			stale = true
			c.mu.Unlock()
			return
		}
		changes := fn()
		c.mu.Unlock()

		for _, ch := range changes {
			c.changed(ch)
		}
	})
	if err != nil {
		return err
	}
	if stale {
		return ErrReset
	}
	return nil
}

// run executes fn on the executor and waits for it even if ctx ends, so
// callers can rely on fn having run.
func (c *Cache) run(ctx context.Context, fn func()) error {
	task := func(context.Context) error {
		fn()
		return nil
	}
	if c.exec == nil {
		return task(ctx)
	}
	return c.exec.Run(context.WithoutCancel(ctx), task)
}

func (c *Cache) changed(ch Change) {
	if c.onChange != nil {
		c.onChange(ch)
	}
}

// request issues data and asserts the response payload type.
func request[T proto.Payload](ctx context.Context, r Requester, data proto.Payload) (T, error) {
	var zero T

	payload, err := r.Request(ctx, data)
	if err != nil {
		return zero, err
	}
	typed, ok := payload.(T)
	if !ok {
		return zero, &proto.ProtocolError{
			Type: payload.DataType(),
			Err:  fmt.Errorf("unexpected %T for %s", payload, data.DataType()),
		}
	}
	return typed, nil
}
