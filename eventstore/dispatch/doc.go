// Package dispatch provides eventstore.Dispatcher implementations that schedule listener catch-ups.
//
// CatchUpDispatcher runs one worker per registered listener inside the process.
// PostgresNotifier and NotificationListener carry commit notifications to other processes
// through PostgreSQL LISTEN/NOTIFY, where they feed a local CatchUpDispatcher.
//
// Wiring for a single process:
//
//	dispatcher, _ := dispatch.NewCatchUpDispatcher(registry, invoker)
//	store, _ := eventstore.NewEventStore(storage, normalizer, eventstore.WithDispatcher(dispatcher))
//	go dispatcher.Run(ctx)
//
// Wiring for several processes sharing one database:
//
//	notifier, _ := dispatch.NewPostgresNotifier(db, dispatch.DefaultChannel)
//	store, _ := eventstore.NewEventStore(storage, normalizer, eventstore.WithDispatcher(dispatch.Fanout(dispatcher, notifier)))
//	listener, _ := dispatch.NewNotificationListener(dsn, dispatch.DefaultChannel, dispatcher)
//	go listener.Run(ctx)
package dispatch
