package app

import (
	"context"
	"sync"
	"time"

	"github.com/dshills/guestdbg/internal/debug"
	"github.com/dshills/guestdbg/internal/debug/cache"
	"github.com/dshills/guestdbg/internal/debug/runstate"
	"github.com/dshills/guestdbg/internal/event"
	"github.com/dshills/guestdbg/internal/event/topic"
)

// TopicConfigChanged is published after a configuration reload is applied.
const TopicConfigChanged topic.Topic = "config.changed"

// ConfigChanged is published on TopicConfigChanged.
type ConfigChanged struct {
	Path string
	// Restart lists settings that changed but apply only to a new
	// application.
	Restart []string
}

// subscriptionManager manages event bus subscriptions for the application.
type subscriptionManager struct {
	mu            sync.Mutex
	bus           *event.Bus
	logger        *Logger
	metrics       *Metrics
	subscriptions []*event.Subscription
}

func newSubscriptionManager(bus *event.Bus, logger *Logger, metrics *Metrics) *subscriptionManager {
	return &subscriptionManager{bus: bus, logger: logger, metrics: metrics}
}

// setupSubscriptions registers the logging and metrics handlers.
func (sm *subscriptionManager) setupSubscriptions() error {
	steps := []func() error{
		sm.subscribeSessionState,
		sm.subscribeRunState,
		sm.subscribeBreakpointHits,
		sm.subscribeAccessViolations,
		sm.subscribeCacheChanges,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			sm.unsubscribeAll()
			return err
		}
	}
	return nil
}

func (sm *subscriptionManager) add(sub *event.Subscription, err error) error {
	if err != nil {
		return err
	}
	sm.mu.Lock()
	sm.subscriptions = append(sm.subscriptions, sub)
	sm.mu.Unlock()
	return nil
}

func (sm *subscriptionManager) subscribeSessionState() error {
	return sm.add(event.Subscribe(sm.bus, debug.TopicSessionState,
		func(_ context.Context, ev event.Event[debug.StateChanged]) error {
			p := ev.Payload
			switch {
			case p.New == debug.StateAttached:
				sm.metrics.RecordAttach()
			case p.Old == debug.StateAttached:
				sm.metrics.RecordDetach()
			}
			if p.Err != nil {
				sm.logger.Debug("session %s %s -> %s: %v", p.SessionID, p.Old, p.New, p.Err)
			} else {
				sm.logger.Debug("session %s %s -> %s", p.SessionID, p.Old, p.New)
			}
			return nil
		}))
}

func (sm *subscriptionManager) subscribeRunState() error {
	return sm.add(event.Subscribe(sm.bus, runstate.TopicChanged,
		func(_ context.Context, ev event.Event[runstate.Changed]) error {
			p := ev.Payload
			sm.metrics.RecordTransition(p.Context.RunState == runstate.Updating, ev.Metadata.Timestamp)
			sm.logger.Debug("run state %s -> %s (%s)", p.Previous, p.Context.RunState, p.Op)
			return nil
		}))
}

func (sm *subscriptionManager) subscribeBreakpointHits() error {
	return sm.add(event.Subscribe(sm.bus, runstate.TopicBreakpointHit,
		func(_ context.Context, ev event.Event[runstate.BreakpointHit]) error {
			p := ev.Payload
			sm.metrics.RecordBreakpointHit(p.Known)
			if p.Known {
				sm.logger.Info("breakpoint %s hit on thread %d at %#08x", p.BreakpointID, p.ThreadID, p.Address)
			}
			return nil
		}))
}

func (sm *subscriptionManager) subscribeAccessViolations() error {
	return sm.add(event.Subscribe(sm.bus, runstate.TopicAccessViolation,
		func(_ context.Context, ev event.Event[runstate.AccessViolation]) error {
			sm.metrics.RecordAccessViolation()
			sm.logger.Warn("access violation on thread %d at %#08x", ev.Payload.ThreadID, ev.Payload.Address)
			return nil
		}))
}

func (sm *subscriptionManager) subscribeCacheChanges() error {
	return sm.add(event.Subscribe(sm.bus, debug.TopicCacheChanged,
		func(_ context.Context, _ event.Event[cache.Change]) error {
			sm.metrics.RecordCacheChange()
			return nil
		}))
}

// unsubscribeAll removes every registered subscription.
func (sm *subscriptionManager) unsubscribeAll() {
	sm.mu.Lock()
	subs := sm.subscriptions
	sm.subscriptions = nil
	sm.mu.Unlock()

	for _, sub := range subs {
		_ = sm.bus.Unsubscribe(sub)
	}
}

func (sm *subscriptionManager) count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.subscriptions)
}

// publishConfigChanged notifies subscribers of an applied reload.
func (sm *subscriptionManager) publishConfigChanged(path string, restart []string) {
	ev := event.NewEvent(TopicConfigChanged, ConfigChanged{Path: path, Restart: restart}, "app")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sm.bus.Publish(ctx, ev); err != nil {
		sm.logger.Warn("publish config change: %v", err)
	}
}
