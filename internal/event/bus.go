package event

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dshills/guestdbg/internal/event/topic"
)

// Handler handles a published event.
type Handler interface {
	Handle(ctx context.Context, event any) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event any) error

// Handle calls f(ctx, event).
func (f HandlerFunc) Handle(ctx context.Context, event any) error {
	return f(ctx, event)
}

// ErrorHandler is called when a handler returns an error or panics.
type ErrorHandler func(err error)

// Option configures a Bus.
type Option func(*Bus)

// WithErrorHandler sets the sink for handler errors and recovered panics.
func WithErrorHandler(h ErrorHandler) Option {
	return func(b *Bus) {
		if h != nil {
			b.onError = h
		}
	}
}

// Subscription is a registered handler for a topic pattern.
type Subscription struct {
	id        string
	pattern   topic.Topic
	handler   Handler
	cancelled atomic.Bool
}

// ID returns the unique subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Topic returns the subscribed topic pattern.
func (s *Subscription) Topic() topic.Topic { return s.pattern }

// IsActive reports whether the subscription still receives events.
func (s *Subscription) IsActive() bool { return !s.cancelled.Load() }

// Stats contains bus delivery counters.
type Stats struct {
	EventsPublished   uint64
	EventsDelivered   uint64
	HandlerErrors     uint64
	HandlerPanics     uint64
	ActiveSubscribers int
}

// Bus delivers events synchronously to matching subscriptions. It is safe
// for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs []*Subscription

	onError ErrorHandler

	published atomic.Uint64
	delivered atomic.Uint64
	errors    atomic.Uint64
	panics    atomic.Uint64
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{onError: func(error) {}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for events whose topic matches pattern.
func (b *Bus) Subscribe(pattern topic.Topic, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if !pattern.IsValid() {
		return nil, ErrInvalidTopic
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: handler,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub, nil
}

// SubscribeFunc registers a function handler.
func (b *Bus) SubscribeFunc(pattern topic.Topic, fn HandlerFunc) (*Subscription, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}
	return b.Subscribe(pattern, fn)
}

// Subscribe registers a handler that receives only Event[T] values. Events of
// other payload types on a matching topic are skipped.
func Subscribe[T any](b *Bus, pattern topic.Topic, fn func(ctx context.Context, e Event[T]) error) (*Subscription, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}
	return b.Subscribe(pattern, HandlerFunc(func(ctx context.Context, event any) error {
		e, ok := event.(Event[T])
		if !ok {
			return nil
		}
		return fn(ctx, e)
	}))
}

// Unsubscribe removes a subscription. Events being delivered concurrently
// may still reach it once.
func (b *Bus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return ErrSubscriptionNotFound
	}
	sub.cancelled.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return nil
		}
	}
	return ErrSubscriptionNotFound
}

// Publish delivers event to every matching subscription before returning.
func (b *Bus) Publish(ctx context.Context, event any) error {
	tp, ok := event.(TopicProvider)
	if !ok {
		return ErrInvalidEvent
	}
	eventTopic := tp.EventTopic()
	if !eventTopic.IsValid() || eventTopic.IsWildcard() {
		return ErrInvalidEvent
	}

	b.mu.RLock()
	var matched []*Subscription
	for _, sub := range b.subs {
		if eventTopic.Matches(sub.pattern) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	b.published.Add(1)

	for _, sub := range matched {
		if !sub.IsActive() {
			continue
		}
		if err := b.deliver(ctx, sub, eventTopic, event); err != nil {
			b.onError(err)
			continue
		}
		b.delivered.Add(1)
	}
	return nil
}

// deliver runs one handler, converting a panic into a PanicError.
func (b *Bus) deliver(ctx context.Context, sub *Subscription, eventTopic topic.Topic, event any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			err = &PanicError{
				SubscriptionID: sub.id,
				Topic:          eventTopic.String(),
				Value:          r,
				Stack:          string(debug.Stack()),
			}
		}
	}()

	if herr := sub.handler.Handle(ctx, event); herr != nil {
		b.errors.Add(1)
		return &HandlerError{SubscriptionID: sub.id, Topic: eventTopic.String(), Err: herr}
	}
	return nil
}

// Stats returns current bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	active := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		EventsPublished:   b.published.Load(),
		EventsDelivered:   b.delivered.Load(),
		HandlerErrors:     b.errors.Load(),
		HandlerPanics:     b.panics.Load(),
		ActiveSubscribers: active,
	}
}
