package debug

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/dshills/guestdbg/internal/debug/breakpoint"
	"github.com/dshills/guestdbg/internal/debug/cache"
	"github.com/dshills/guestdbg/internal/debug/memory"
	"github.com/dshills/guestdbg/internal/debug/proto"
	"github.com/dshills/guestdbg/internal/debug/runstate"
	"github.com/dshills/guestdbg/internal/debug/transport"
	"github.com/dshills/guestdbg/internal/dispatch"
	"github.com/dshills/guestdbg/internal/event"
)

const eventSource = "session"

// ClientVersion is sent to the target during attach.
const ClientVersion = "1.0.0"

// Logger is the logging interface used by the session.
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

// Config configures a session.
type Config struct {
	// ID keys the persisted breakpoint set.
	ID string

	// Address is the target's host:port.
	Address string

	// RetryInterval is the pause between refused connection attempts.
	RetryInterval time.Duration

	// Protocol is a semver constraint the target's version must satisfy.
	// Empty accepts any version.
	Protocol string

	// ShmDir is the directory holding the target's shared memory file.
	ShmDir string

	// Layout is the guest address layout. Nil uses memory.DefaultLayout.
	Layout memory.Layout
}

// DefaultConfig returns the configuration for a target on the local host.
func DefaultConfig() Config {
	return Config{
		ID:            "default",
		Address:       "127.0.0.1:19000",
		RetryInterval: transport.DefaultRetryInterval,
		Protocol:      ">= 1.0.0, < 2.0.0",
		ShmDir:        "/dev/shm",
	}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBus sets the bus notifications are published on.
func WithBus(bus *event.Bus) Option {
	return func(s *Session) {
		s.bus = bus
	}
}

// WithQueue sets the queue that serializes every cache, breakpoint, and run
// state change and its notification. Without it the session creates and owns
// one.
func WithQueue(q *dispatch.Queue) Option {
	return func(s *Session) {
		s.queue = q
	}
}

// WithBreakpointStore persists breakpoints under the session id.
func WithBreakpointStore(store breakpoint.Store) Option {
	return func(s *Session) {
		s.store = store
	}
}

// WithDialer overrides how the session connects.
func WithDialer(dial transport.DialFunc) Option {
	return func(s *Session) {
		s.dial = dial
	}
}

// Session is one debugging session against a target.
type Session struct {
	cfg        Config
	constraint *semver.Constraints
	logger     Logger
	bus        *event.Bus
	queue      *dispatch.Queue
	ownsQueue  bool
	store      breakpoint.Store
	dial       transport.DialFunc

	breakpoints *breakpoint.Manager
	cache       *cache.Cache
	runstate    *runstate.Coordinator
	memory      *memory.Translator

	mu            sync.RWMutex
	state         SessionState
	client        *transport.Client
	generation    uint64
	serverVersion string
	// hctx scopes work started by events; it ends with the attachment.
	hctx     context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup
}

// NewSession creates an idle session and loads its persisted breakpoints.
func NewSession(cfg Config, opts ...Option) (*Session, error) {
	s := &Session{
		cfg:    cfg,
		logger: nopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Protocol != "" {
		c, err := semver.NewConstraint(cfg.Protocol)
		if err != nil {
			return nil, fmt.Errorf("protocol constraint %q: %w", cfg.Protocol, err)
		}
		s.constraint = c
	}

	layout := cfg.Layout
	if layout == nil {
		layout = memory.DefaultLayout()
	}
	tr, err := memory.NewTranslator(layout, memory.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	s.memory = tr

	if s.queue == nil {
		s.queue = dispatch.NewQueue(dispatch.WithErrorHandler(func(err error) {
			s.logger.Debug("queued task failed: %v", err)
		}))
		s.ownsQueue = true
		if err := s.queue.Start(); err != nil {
			return nil, err
		}
	}

	bpOpts := []breakpoint.Option{
		breakpoint.WithLogger(s.logger),
		breakpoint.WithChangeHandler(s.breakpointsChanged),
	}
	if s.store != nil {
		bpOpts = append(bpOpts, breakpoint.WithStore(s.store, cfg.ID))
	}
	s.breakpoints = breakpoint.NewManager(s.queue, bpOpts...)

	req := requester{s: s}
	s.cache = cache.New(req,
		cache.WithLogger(s.logger),
		cache.WithExecutor(s.queue),
		cache.WithChangeHandler(s.cacheChanged))

	rsOpts := []runstate.Option{
		runstate.WithLogger(s.logger),
		runstate.WithExecutor(s.queue),
		runstate.WithBreakpoints(s.breakpoints),
	}
	if s.bus != nil {
		rsOpts = append(rsOpts, runstate.WithPublisher(s.bus))
	}
	s.runstate = runstate.New(req, s.cache, rsOpts...)

	if err := s.breakpoints.Load(); err != nil {
		s.logger.Warn("load breakpoints for session %s: %v", cfg.ID, err)
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.cfg.ID
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ServerVersion returns the version reported by the target on attach.
func (s *Session) ServerVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverVersion
}

// RunState returns the current run-state context.
func (s *Session) RunState() runstate.Context {
	return s.runstate.Context()
}

// Cache returns the remote state cache.
func (s *Session) Cache() *cache.Cache {
	return s.cache
}

// Breakpoints returns the breakpoint manager.
func (s *Session) Breakpoints() *breakpoint.Manager {
	return s.breakpoints
}

// Memory returns the address translator.
func (s *Session) Memory() *memory.Translator {
	return s.memory
}

// Attach connects to the target and initializes the session. Connection
// attempts are retried while refused until ctx ends.
//
// On return without error the breakpoint set has been pushed, the cache has
// been synced, and the run state is Running or Paused as the target reported.
func (s *Session) Attach(ctx context.Context) error {
	s.mu.Lock()
	old := s.state
	if old == StateAttaching || old == StateAttached {
		s.mu.Unlock()
		return fmt.Errorf("attach in state %s: %w", old, ErrInvalidState)
	}
	s.state = StateAttaching
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.notifyState(old, StateAttaching, nil)
	s.runstate.Reset()

	s.logger.Info("attaching to %s", s.cfg.Address)

	opts := []transport.Option{
		transport.WithLogger(s.logger),
		transport.WithRetryInterval(s.cfg.RetryInterval),
		transport.WithEventHandler(s.handleEvent),
		transport.WithCloseHandler(func(err error) { s.connectionLost(gen, err) }),
	}
	if s.dial != nil {
		opts = append(opts, transport.WithDialer(s.dial))
	}

	client, err := transport.Dial(ctx, s.cfg.Address, opts...)
	if err != nil {
		return s.attachFailed(nil, fmt.Errorf("connect to %s: %w", s.cfg.Address, err))
	}

	hctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.client = client
	s.hctx, s.cancel = hctx, cancel
	s.mu.Unlock()

	resp, err := transport.Do[*proto.AttachResponse](ctx, client, &proto.AttachRequest{
		Schema:        proto.SchemaVersion,
		ClientVersion: ClientVersion,
	})
	if err != nil {
		return s.attachFailed(client, fmt.Errorf("attach: %w", err))
	}
	if err := s.checkVersion(resp.ServerVersion); err != nil {
		return s.attachFailed(client, err)
	}

	shm := filepath.Join(s.cfg.ShmDir, resp.MemoryFile)
	if err := s.memory.Map(shm); err != nil {
		return s.attachFailed(client, fmt.Errorf("map %s: %w", shm, err))
	}

	entry := breakpoint.EntryPoint{FunctionAddress: resp.EntryFunction, Address: resp.EntryAddress}
	if err := s.breakpoints.Attach(ctx, remoteBreakpoints{client: client}, entry); err != nil {
		return s.attachFailed(client, err)
	}

	s.mu.Lock()
	s.serverVersion = resp.ServerVersion
	s.mu.Unlock()

	s.setState(StateAttached, nil)
	// A loss during attach was ignored by the close handler.
	if err := client.Err(); err != nil {
		s.connectionLost(gen, err)
		return fmt.Errorf("attach: %w", err)
	}
	s.logger.Info("attached to %s (server %s)", s.cfg.Address, resp.ServerVersion)

	if err := s.runstate.Settle(ctx, resp.Running); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	return nil
}

func (s *Session) checkVersion(v string) error {
	if s.constraint == nil {
		return nil
	}
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrIncompatibleServer, v, err)
	}
	if !s.constraint.Check(version) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrIncompatibleServer, v, s.cfg.Protocol)
	}
	return nil
}

// attachFailed tears down a partial attach and returns the session to Idle.
func (s *Session) attachFailed(client *transport.Client, err error) error {
	s.logger.Error("attach to %s failed: %v", s.cfg.Address, err)

	s.mu.Lock()
	s.generation++
	s.client = nil
	cancel := s.cancel
	s.hctx, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		_ = client.Close()
	}
	if uerr := s.memory.Unmap(); uerr != nil {
		s.logger.Warn("unmap: %v", uerr)
	}
	s.breakpoints.Detach()

	s.setState(StateIdle, err)
	return err
}

// Detach disconnects from the target, unmaps memory, and persists the
// breakpoint set. It is a no-op when nothing is attached.
func (s *Session) Detach() error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateDetached:
		s.mu.Unlock()
		return nil
	case StateAttaching:
		s.mu.Unlock()
		return fmt.Errorf("detach while attaching: %w", ErrInvalidState)
	}
	s.generation++
	s.mu.Unlock()

	s.teardown()
	s.setState(StateDetached, nil)
	s.logger.Info("detached from %s", s.cfg.Address)
	return nil
}

// Close detaches and stops the session's own queue.
func (s *Session) Close(ctx context.Context) error {
	err := s.Detach()
	if s.ownsQueue {
		if qerr := s.queue.Stop(ctx); qerr != nil && err == nil {
			err = qerr
		}
	}
	return err
}

// connectionLost handles the connection of attach generation gen dropping.
func (s *Session) connectionLost(gen uint64, err error) {
	s.mu.Lock()
	if s.generation != gen || s.state != StateAttached {
		s.mu.Unlock()
		return
	}
	s.generation++
	s.mu.Unlock()

	s.logger.Error("connection to %s lost: %v", s.cfg.Address, err)
	s.teardown()
	s.setState(StateDetached, err)
}

func (s *Session) teardown() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	cancel := s.cancel
	s.hctx, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		_ = client.Close()
	}
	s.handlers.Wait()

	if err := s.memory.Unmap(); err != nil {
		s.logger.Warn("unmap: %v", err)
	}
	s.breakpoints.Detach()
	s.cache.Reset()
	s.runstate.Reset()
}

func (s *Session) currentClient() *transport.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// attached returns ErrNotAttached unless the session is attached.
func (s *Session) attached() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateAttached {
		return fmt.Errorf("session %s is %s: %w", s.cfg.ID, s.state, ErrNotAttached)
	}
	return nil
}

// handleEvent runs on the receive pump. Stop sequences issue requests, so
// they run on their own goroutine.
func (s *Session) handleEvent(resp *proto.Response) {
	switch ev := resp.Data.(type) {
	case *proto.BreakpointHitEvent:
		s.spawn(func(ctx context.Context) error {
			return s.runstate.HandleBreakpointHit(ctx, ev)
		})
	case *proto.AccessViolationEvent:
		s.spawn(func(ctx context.Context) error {
			return s.runstate.HandleAccessViolation(ctx, ev)
		})
	default:
		s.logger.Warn("unhandled event type %s", resp.Type())
	}
}

// spawn runs fn under the current attachment's context.
func (s *Session) spawn(fn func(ctx context.Context) error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.hctx == nil {
		return
	}

	ctx := s.hctx
	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("event handling: %v", err)
		}
	}()
}

func (s *Session) setState(state SessionState, cause error) {
	s.mu.Lock()
	old := s.state
	s.state = state
	s.mu.Unlock()

	s.notifyState(old, state, cause)
}

func (s *Session) notifyState(old, state SessionState, cause error) {
	if old == state {
		return
	}
	s.logger.Debug("session %s: %s -> %s", s.cfg.ID, old, state)
	ev := event.NewEvent(TopicSessionState, StateChanged{
		SessionID: s.cfg.ID,
		Old:       old,
		New:       state,
		Err:       cause,
	}, eventSource)
	err := s.queue.Run(context.Background(), func(context.Context) error {
		s.publish(ev)
		return nil
	})
	if err != nil {
		s.logger.Warn("publish %s: %v", TopicSessionState, err)
	}
}

// cacheChanged and breakpointsChanged run on the queue.
func (s *Session) cacheChanged(ch cache.Change) {
	s.publish(event.NewEvent(TopicCacheChanged, ch, eventSource))
}

func (s *Session) breakpointsChanged() {
	s.publish(event.NewEvent(TopicBreakpointsChanged, BreakpointsChanged{
		SessionID:   s.cfg.ID,
		Breakpoints: s.breakpoints.All(),
	}, eventSource))
}

func (s *Session) publish(ev any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(context.Background(), ev); err != nil {
		s.logger.Warn("publish: %v", err)
	}
}
