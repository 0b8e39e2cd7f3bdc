// Package eventstore provides the core of an event-sourcing persistence layer:
// an append-only, per-stream event log with optimistic concurrency control,
// and the contracts for a per-listener progress ledger used to catch up listeners in global order.
//
// Key types:
//   - StreamName: a plain stream or one of the virtual streams (all events, category, correlation)
//   - ExpectedVersion: the concurrency intent of a commit (Any, NoStream, StreamExists or an exact version)
//   - EventStreamFilter: describes a read query, built with BuildStreamFilter
//   - WritableEvent / RawEvent: events about to be committed and events as committed
//   - DecoratedEvent: a domain event plus metadata, merged instead of nested when decorated again
//   - EventStorage / AppliedEventsStorage: the contracts implemented by postgresengine and gormengine
//   - EventStore: the facade applications use, translating domain events with an EventNormalizer
//
// Common usage pattern:
//
//	normalizer, err := eventstore.NewJSONNormalizer(
//		eventstore.RegisterEventType[WidgetCreated]("Widget.Created"),
//		eventstore.RegisterEventType[WidgetRenamed]("Widget.Renamed"),
//	)
//
//	store, err := eventstore.NewEventStore(storage, normalizer, eventstore.WithDispatcher(dispatcher))
//
//	stream := eventstore.MustStreamName("Widget-A")
//	_, err = store.Commit(ctx, stream, []any{WidgetCreated{ID: "A"}}, eventstore.NoStream)
//	if errors.Is(err, eventstore.ErrConcurrencyViolation) {
//		// reload state and retry
//	}
//
//	events, err := store.Load(ctx, stream)
//	for envelope, err := range events {
//		// handle envelope.DomainEvent()
//	}
package eventstore
