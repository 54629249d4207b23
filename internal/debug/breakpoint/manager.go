package breakpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/guestdbg/internal/debug/proto"
	"github.com/dshills/guestdbg/internal/dispatch"
)

// Remote installs and removes breakpoints on the target.
type Remote interface {
	AddBreakpoints(ctx context.Context, entries []proto.BreakpointEntry) error
	RemoveBreakpoints(ctx context.Context, ids []string) error
}

// Logger is the logging interface used by the manager.
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

// EntryPoint is the guest entry reported by attach.
type EntryPoint struct {
	FunctionAddress uint32
	Address         uint32
}

// Manager owns the breakpoint set of one session.
//
// Every change to the set runs as a task on the queue, together with its
// persistence and change notification. Mutating methods wait for that task,
// so they must not be called from a task running on the same queue; that
// includes change handlers.
type Manager struct {
	queue  *dispatch.Queue
	logger Logger

	store     Store
	sessionID string
	onChange  func()

	mu        sync.RWMutex
	byID      map[string]*Breakpoint
	byAddress map[uint32][]*Breakpoint
	remote    Remote
	attached  bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists the breakpoint set under sessionID.
func WithStore(store Store, sessionID string) Option {
	return func(m *Manager) {
		m.store = store
		m.sessionID = sessionID
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithChangeHandler sets a function called after every change to the set.
func WithChangeHandler(fn func()) Option {
	return func(m *Manager) {
		m.onChange = fn
	}
}

// NewManager creates a manager whose remote updates run on queue.
func NewManager(queue *dispatch.Queue, opts ...Option) *Manager {
	m := &Manager{
		queue:     queue,
		logger:    nopLogger{},
		byID:      make(map[string]*Breakpoint),
		byAddress: make(map[uint32][]*Breakpoint),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SessionID returns the id the set is persisted under.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// Load replaces the in-memory set with the persisted one.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}

	bps, err := m.store.Load(m.sessionID)
	if err != nil {
		return err
	}

	return m.do(context.Background(), func(context.Context) error {
		m.mu.Lock()
		m.byID = make(map[string]*Breakpoint, len(bps))
		m.byAddress = make(map[uint32][]*Breakpoint)
		for i := range bps {
			bp := bps[i]
			if bp.ID == "" {
				bp.ID = uuid.NewString()
			}
			m.insert(&bp)
		}
		m.mu.Unlock()

		m.logger.Debug("loaded %d breakpoints for session %s", len(bps), m.sessionID)
		m.changed()
		return nil
	})
}

// Add registers a breakpoint, generating an id if it has none. A breakpoint
// with the id of an existing one replaces it, on the target as well.
func (m *Manager) Add(bp Breakpoint) Breakpoint {
	if bp.ID == "" {
		bp.ID = uuid.NewString()
	}

	m.mutate(func() {
		m.mu.Lock()
		replaced := false
		if old, ok := m.byID[bp.ID]; ok {
			replaced = old.Enabled
			m.delete(old)
		}
		stored := bp
		m.insert(&stored)
		m.mu.Unlock()

		if replaced {
			m.issueRemove([]string{bp.ID})
		}
		if bp.Enabled {
			m.issueAdd([]proto.BreakpointEntry{bp.Entry()})
		}
	})
	return bp
}

// AddTemporary adds an enabled temporary breakpoint.
func (m *Manager) AddTemporary(functionAddress, address uint32) Breakpoint {
	return m.Add(Breakpoint{
		Kind:            KindTemporary,
		FunctionAddress: functionAddress,
		Address:         address,
		Enabled:         true,
	})
}

// AddCode adds an enabled code breakpoint.
func (m *Manager) AddCode(functionAddress, address uint32) Breakpoint {
	return m.Add(Breakpoint{
		Kind:            KindCode,
		FunctionAddress: functionAddress,
		Address:         address,
		Enabled:         true,
	})
}

// Remove deletes a breakpoint.
func (m *Manager) Remove(id string) error {
	return m.do(context.Background(), func(context.Context) error {
		m.mu.Lock()
		bp, ok := m.byID[id]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("remove %s: %w", id, ErrNotFound)
		}
		m.delete(bp)
		enabled := bp.Enabled
		m.mu.Unlock()

		if enabled {
			m.issueRemove([]string{id})
		}
		m.persist()
		m.changed()
		return nil
	})
}

// Toggle enables or disables a breakpoint. Disabled breakpoints are removed
// from the target but kept locally.
func (m *Manager) Toggle(id string, enabled bool) error {
	return m.do(context.Background(), func(context.Context) error {
		m.mu.Lock()
		bp, ok := m.byID[id]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("toggle %s: %w", id, ErrNotFound)
		}
		if bp.Enabled == enabled {
			m.mu.Unlock()
			return nil
		}
		bp.Enabled = enabled
		entry := bp.Entry()
		m.mu.Unlock()

		if enabled {
			m.issueAdd([]proto.BreakpointEntry{entry})
		} else {
			m.issueRemove([]string{id})
		}
		m.persist()
		m.changed()
		return nil
	})
}

// Hit resolves a breakpoint-hit event. A hit temporary breakpoint is removed.
func (m *Manager) Hit(id string) (Breakpoint, error) {
	bp, ok := m.Get(id)
	if !ok {
		return Breakpoint{}, fmt.Errorf("hit %s: %w", id, ErrNotFound)
	}
	if bp.IsTemporary() {
		if err := m.Remove(id); err != nil {
			return bp, err
		}
	}
	return bp, nil
}

// Get returns a breakpoint by id.
func (m *Manager) Get(id string) (Breakpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bp, ok := m.byID[id]
	if !ok {
		return Breakpoint{}, false
	}
	return *bp, true
}

// AtAddress returns the breakpoints at a code address.
func (m *Manager) AtAddress(address uint32) []Breakpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bps := m.byAddress[address]
	out := make([]Breakpoint, len(bps))
	for i, bp := range bps {
		out[i] = *bp
	}
	return out
}

// All returns every breakpoint ordered by address, then id.
func (m *Manager) All() []Breakpoint {
	m.mu.RLock()
	out := make([]Breakpoint, 0, len(m.byID))
	for _, bp := range m.byID {
		out = append(out, *bp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of breakpoints.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Attach connects the manager to a new remote. It pushes every enabled
// breakpoint and, on the first attach of the session, registers a temporary
// breakpoint at the entry point (unless its address is zero). It returns once
// the target has acknowledged both.
func (m *Manager) Attach(ctx context.Context, remote Remote, entry EntryPoint) error {
	return m.do(ctx, func(context.Context) error {
		m.mu.Lock()
		m.remote = remote
		first := !m.attached
		m.attached = true
		m.mu.Unlock()

		enabled := m.enabledEntries()
		if len(enabled) > 0 {
			if err := remote.AddBreakpoints(ctx, enabled); err != nil {
				return fmt.Errorf("push breakpoints: %w", err)
			}
		}
		m.logger.Debug("pushed %d breakpoints", len(enabled))

		if !first || entry.Address == 0 {
			return nil
		}

		bp := Breakpoint{
			ID:              uuid.NewString(),
			Kind:            KindTemporary,
			FunctionAddress: entry.FunctionAddress,
			Address:         entry.Address,
			Enabled:         true,
		}
		m.mu.Lock()
		m.insert(&bp)
		m.mu.Unlock()

		m.changed()

		if err := remote.AddBreakpoints(ctx, []proto.BreakpointEntry{bp.Entry()}); err != nil {
			return fmt.Errorf("add entry breakpoint: %w", err)
		}
		m.logger.Debug("entry breakpoint %s at %08X", bp.ID, bp.Address)
		return nil
	})
}

// Detach disconnects the manager from its remote and saves the set.
// Temporary breakpoints are discarded.
func (m *Manager) Detach() {
	m.mutate(func() {
		m.mu.Lock()
		m.remote = nil
		for _, bp := range m.byID {
			if bp.IsTemporary() {
				m.delete(bp)
			}
		}
		m.mu.Unlock()
	})
}

// Flush waits for every remote update issued so far.
func (m *Manager) Flush(ctx context.Context) error {
	if m.queue == nil {
		return nil
	}
	return m.queue.Flush(ctx)
}

// do runs task on the queue and waits for it. Without a running queue the
// task runs inline.
func (m *Manager) do(ctx context.Context, task dispatch.Task) error {
	return m.queue.Run(ctx, task)
}

// mutate applies fn on the queue, then persists and notifies.
func (m *Manager) mutate(fn func()) {
	err := m.do(context.Background(), func(context.Context) error {
		fn()
		m.persist()
		m.changed()
		return nil
	})
	if err != nil {
		m.logger.Warn("update breakpoints for session %s: %v", m.sessionID, err)
	}
}

// Save persists the non-temporary set.
func (m *Manager) Save() error {
	if m.store == nil {
		return nil
	}
	return m.store.Save(m.sessionID, m.All())
}

func (m *Manager) insert(bp *Breakpoint) {
	m.byID[bp.ID] = bp
	m.byAddress[bp.Address] = append(m.byAddress[bp.Address], bp)
}

func (m *Manager) delete(bp *Breakpoint) {
	delete(m.byID, bp.ID)

	bps := m.byAddress[bp.Address]
	for i, other := range bps {
		if other == bp {
			bps = append(bps[:i:i], bps[i+1:]...)
			break
		}
	}
	if len(bps) == 0 {
		delete(m.byAddress, bp.Address)
	} else {
		m.byAddress[bp.Address] = bps
	}
}

func (m *Manager) enabledEntries() []proto.BreakpointEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []proto.BreakpointEntry
	for _, bp := range m.byID {
		if bp.Enabled {
			entries = append(entries, bp.Entry())
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

func (m *Manager) currentRemote() Remote {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remote
}

// issueAdd queues a remote add. The remote is read when the task runs, so
// updates made while detached are carried by the next Attach push instead.
func (m *Manager) issueAdd(entries []proto.BreakpointEntry) {
	m.issue(func(ctx context.Context, remote Remote) error {
		return remote.AddBreakpoints(ctx, entries)
	})
}

func (m *Manager) issueRemove(ids []string) {
	m.issue(func(ctx context.Context, remote Remote) error {
		return remote.RemoveBreakpoints(ctx, ids)
	})
}

func (m *Manager) issue(fn func(ctx context.Context, remote Remote) error) {
	task := func(ctx context.Context) error {
		remote := m.currentRemote()
		if remote == nil {
			return nil
		}
		if err := fn(ctx, remote); err != nil {
			m.logger.Warn("remote breakpoint update failed: %v", err)
			return err
		}
		return nil
	}

	if m.queue == nil {
		_ = task(context.Background())
		return
	}
	if err := m.queue.Issue(task); err != nil {
		m.logger.Warn("queue breakpoint update: %v", err)
	}
}

func (m *Manager) persist() {
	if err := m.Save(); err != nil {
		m.logger.Warn("persist breakpoints for session %s: %v", m.sessionID, err)
	}
}

func (m *Manager) changed() {
	if m.onChange != nil {
		m.onChange()
	}
}
