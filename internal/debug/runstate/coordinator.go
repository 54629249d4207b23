package runstate

import (
	"context"
	"fmt"
	"sync"

	"github.com/dshills/guestdbg/internal/debug/breakpoint"
	"github.com/dshills/guestdbg/internal/debug/proto"
	"github.com/dshills/guestdbg/internal/dispatch"
	"github.com/dshills/guestdbg/internal/event"
)

const eventSource = "runstate"

// Requester issues a request and returns its response payload.
type Requester interface {
	Request(ctx context.Context, data proto.Payload) (proto.Payload, error)
}

// Syncer refreshes cached target state.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Breakpoints records breakpoint hits. *breakpoint.Manager implements it.
type Breakpoints interface {
	Hit(id string) (breakpoint.Breakpoint, error)
}

// Publisher delivers events. *event.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// Executor runs tasks one at a time. *dispatch.Queue implements it.
type Executor interface {
	Run(ctx context.Context, task dispatch.Task) error
}

// Logger is the logging interface used by the coordinator.
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

// Coordinator runs stop, break, continue, and step operations and handles
// the events that stop the target.
//
// The coordinator does not reject overlapping operations. Callers serialize
// user-visible run-control actions. Context changes and published events run
// on the executor; requests and syncs run on the caller's goroutine.
type Coordinator struct {
	requester   Requester
	syncer      Syncer
	breakpoints Breakpoints
	publisher   Publisher
	exec        Executor
	logger      Logger

	mu    sync.Mutex
	state Context
	// epoch counts resets. Operations drop their updates once it moves.
	epoch uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBreakpoints sets the breakpoint set consulted on hits.
func WithBreakpoints(b Breakpoints) Option {
	return func(c *Coordinator) {
		c.breakpoints = b
	}
}

// WithPublisher sets where change and stop events are published.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) {
		c.publisher = p
	}
}

// WithExecutor sets where context changes and events are applied. Without
// it they run on the calling goroutine.
func WithExecutor(e Executor) Option {
	return func(c *Coordinator) {
		c.exec = e
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a coordinator in the Updating state.
func New(r Requester, s Syncer, opts ...Option) *Coordinator {
	c := &Coordinator{
		requester: r,
		syncer:    s,
		logger:    nopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Context returns the current run-state context.
func (c *Coordinator) Context() Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RunState returns the current run state.
func (c *Coordinator) RunState() RunState {
	return c.Context().RunState
}

// Stop halts the target.
func (c *Coordinator) Stop(ctx context.Context) error {
	return c.transition(ctx, "stop", &proto.StopRequest{}, Paused)
}

// Break interrupts the running target.
func (c *Coordinator) Break(ctx context.Context) error {
	return c.transition(ctx, "break", &proto.BreakRequest{}, Paused)
}

// Continue resumes the target.
func (c *Coordinator) Continue(ctx context.Context) error {
	return c.transition(ctx, "continue", &proto.ContinueRequest{Mode: proto.ContinueModeContinue}, Running)
}

// ContinueTo resumes the target until it reaches address.
func (c *Coordinator) ContinueTo(ctx context.Context, address uint32) error {
	return c.transition(ctx, "continue_to", &proto.ContinueRequest{
		Mode:   proto.ContinueModeContinueTo,
		Target: address,
	}, Running)
}

// StepIn steps one instruction on a thread, entering calls.
func (c *Coordinator) StepIn(ctx context.Context, threadID uint32) error {
	return c.step(ctx, "step_in", proto.StepModeIn, threadID)
}

// StepOver steps one instruction on a thread, stepping over calls.
func (c *Coordinator) StepOver(ctx context.Context, threadID uint32) error {
	return c.step(ctx, "step_over", proto.StepModeOver, threadID)
}

// StepOut runs a thread until the current function returns.
func (c *Coordinator) StepOut(ctx context.Context, threadID uint32) error {
	return c.step(ctx, "step_out", proto.StepModeOut, threadID)
}

func (c *Coordinator) step(ctx context.Context, op string, mode proto.StepMode, threadID uint32) error {
	return c.transition(ctx, op, &proto.StepRequest{Mode: mode, ThreadID: threadID}, Paused)
}

// Settle completes an attach: it enters Updating, syncs, and ends in Running
// or Paused as reported by the target.
func (c *Coordinator) Settle(ctx context.Context, running bool) error {
	terminal := Paused
	if running {
		terminal = Running
	}

	epoch := c.currentEpoch()
	c.update(ctx, epoch, "attach", func(s *Context) {
		s.RunState = Updating
		s.HasActiveThread = false
		s.ActiveThread = 0
		s.ActiveBreakpoint = ""
	})
	err := c.sync(ctx, "attach")
	c.update(ctx, epoch, "attach", func(s *Context) { s.RunState = terminal })
	return err
}

// transition runs one run-control operation. If the request fails, the
// previous run state is restored. If only the refresh fails, the terminal
// state is still reached since the target has already changed state.
func (c *Coordinator) transition(ctx context.Context, op string, req proto.Payload, terminal RunState) error {
	epoch := c.currentEpoch()
	prev := c.update(ctx, epoch, op, func(s *Context) { s.RunState = Updating })

	if _, err := c.requester.Request(ctx, req); err != nil {
		c.update(ctx, epoch, op, func(s *Context) { s.RunState = prev.RunState })
		return fmt.Errorf("%s: %w", op, err)
	}

	err := c.sync(ctx, op)
	c.update(ctx, epoch, op, func(s *Context) {
		s.RunState = terminal
		if terminal == Running {
			s.ActiveBreakpoint = ""
		}
	})
	return err
}

// HandleBreakpointHit forces the target's stop sequence for a breakpoint-hit
// event. A hit on an unknown breakpoint is logged and still pauses with the
// reporting thread active.
func (c *Coordinator) HandleBreakpointHit(ctx context.Context, ev *proto.BreakpointHitEvent) error {
	epoch := c.currentEpoch()
	hit := BreakpointHit{BreakpointID: ev.BreakpointID, ThreadID: ev.ThreadID}

	if c.breakpoints != nil {
		bp, err := c.breakpoints.Hit(ev.BreakpointID)
		if err != nil {
			c.logger.Error("breakpoint hit on thread %d: %v", ev.ThreadID, err)
		} else {
			hit.Known = true
			hit.Temporary = bp.IsTemporary()
			hit.Address = bp.Address
		}
	}

	active := ""
	if hit.Known {
		active = ev.BreakpointID
	}
	c.update(ctx, epoch, "breakpoint_hit", func(s *Context) {
		s.RunState = Updating
		s.ActiveThread = ev.ThreadID
		s.HasActiveThread = true
		s.ActiveBreakpoint = active
	})
	c.notify(ctx, epoch, "breakpoint_hit", event.NewEvent(TopicBreakpointHit, hit, eventSource))

	err := c.sync(ctx, "breakpoint_hit")
	c.update(ctx, epoch, "breakpoint_hit", func(s *Context) { s.RunState = Paused })
	return err
}

// HandleAccessViolation pauses on a faulting thread.
func (c *Coordinator) HandleAccessViolation(ctx context.Context, ev *proto.AccessViolationEvent) error {
	c.logger.Warn("access violation on thread %d at %08X", ev.ThreadID, ev.Address)

	epoch := c.currentEpoch()
	c.update(ctx, epoch, "access_violation", func(s *Context) {
		s.RunState = Updating
		s.ActiveThread = ev.ThreadID
		s.HasActiveThread = true
		s.ActiveBreakpoint = ""
	})
	c.notify(ctx, epoch, "access_violation", event.NewEvent(TopicAccessViolation, AccessViolation{
		ThreadID: ev.ThreadID,
		Address:  ev.Address,
	}, eventSource))

	err := c.sync(ctx, "access_violation")
	c.update(ctx, epoch, "access_violation", func(s *Context) { s.RunState = Paused })
	return err
}

// Reset returns the context to its initial state without notifying.
// Operations still in flight change nothing afterwards.
func (c *Coordinator) Reset() {
	c.run(context.Background(), "reset", func(context.Context) {
		c.mu.Lock()
		c.epoch++
		c.state = Context{}
		c.mu.Unlock()
	})
}

func (c *Coordinator) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *Coordinator) sync(ctx context.Context, op string) error {
	if c.syncer == nil {
		return nil
	}
	if err := c.syncer.Sync(ctx); err != nil {
		c.logger.Warn("%s: sync failed: %v", op, err)
		return fmt.Errorf("%s: sync: %w", op, err)
	}
	return nil
}

// update applies fn to the context and publishes the change. It returns the
// context as it was before fn. Nothing is applied if the coordinator was
// reset after epoch.
func (c *Coordinator) update(ctx context.Context, epoch uint64, op string, fn func(*Context)) Context {
	var prev Context
	c.run(ctx, op, func(ctx context.Context) {
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			c.logger.Debug("%s: dropped update after reset", op)
			return
		}
		prev = c.state
		fn(&c.state)
		next := c.state
		c.mu.Unlock()

		if prev != next {
			c.logger.Debug("%s: %s -> %s", op, prev.RunState, next.RunState)
			c.publish(ctx, event.NewEvent(TopicChanged, Changed{
				Previous: prev.RunState,
				Context:  next,
				Op:       op,
			}, eventSource))
		}
	})
	return prev
}

// notify publishes ev unless the coordinator was reset after epoch.
func (c *Coordinator) notify(ctx context.Context, epoch uint64, op string, ev any) {
	c.run(ctx, op, func(ctx context.Context) {
		if c.currentEpoch() != epoch {
			c.logger.Debug("%s: dropped event after reset", op)
			return
		}
		c.publish(ctx, ev)
	})
}

// run executes fn on the executor and waits for it even if ctx ends.
func (c *Coordinator) run(ctx context.Context, op string, fn func(ctx context.Context)) {
	task := func(ctx context.Context) error {
		fn(ctx)
		return nil
	}
	if c.exec == nil {
		_ = task(ctx)
		return
	}
	if err := c.exec.Run(context.WithoutCancel(ctx), task); err != nil {
		c.logger.Warn("%s: %v", op, err)
	}
}

func (c *Coordinator) publish(ctx context.Context, ev any) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.logger.Warn("publish: %v", err)
	}
}
