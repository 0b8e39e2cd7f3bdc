// Package eventlistener catches listeners (projections, process managers) up with the event store.
//
// Listeners are defined explicitly with Define: every handled event type is registered with a handler
// function, and a Registry validates all definitions against the EventNormalizer at startup,
// before any event is applied.
//
// The Invoker runs the catch-up loop for one listener:
//
//	reserve progress -> load unseen events -> apply + save progress per event -> release
//
// If another process holds the reservation, CatchUp returns immediately with OutcomeUnavailable.
// If a handler fails, the reservation is rolled back and an *EventApplicationError is returned.
// Progress is saved after every event, so the next CatchUp resumes exactly at the failed event.
//
// Usage:
//
//	listener, err := eventlistener.Define("widget-projection").
//		ScopedTo(eventstore.MustStreamName("Widget-A")).
//		Handle("Widget.Created", eventlistener.Typed(projection.whenCreated)).
//		Handle("Widget.Renamed", eventlistener.Typed(projection.whenRenamed)).
//		Build()
//
//	registry, err := eventlistener.NewRegistry(normalizer, listener)
//	invoker, err := eventlistener.NewInvoker(store, ledger)
//	result, err := invoker.CatchUp(ctx, listener)
package eventlistener
