// Package event provides a typed, synchronous publish/subscribe bus.
//
// Events carry a hierarchical topic (see package topic) and a typed payload.
// Publish delivers to every matching subscription on the publisher's
// goroutine, in subscription order, before returning. Handlers therefore
// observe events in exactly the order they were published.
//
//	bus := event.NewBus()
//	event.Subscribe(bus, "debug.runstate.changed", func(ctx context.Context, e event.Event[State]) error {
//		fmt.Println(e.Payload)
//		return nil
//	})
//	bus.Publish(ctx, event.NewEvent("debug.runstate.changed", state, "runstate"))
//
// Handler panics are recovered and reported to the configured PanicHandler.
// Handler errors are reported to the ErrorHandler and never stop delivery to
// the remaining subscribers.
package event
