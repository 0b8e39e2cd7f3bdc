// Package postgresengine provides the PostgreSQL implementations of eventstore.EventStorage
// and eventstore.AppliedEventsStorage.
//
// Both work with any of the supported database adapters (pgx, sql.DB with lib/pq, sqlx)
// and share one set of functional options.
//
// Key features:
//   - Commits serialized per stream with transaction-scoped advisory locks
//   - Lazy batched loading by exact stream, stream name prefix, correlation id or all streams
//   - Optional read replica for eventually consistent loads
//   - Listener reservations based on row locks with a bounded lock timeout
//   - Optional logging, metrics and tracing
//
// Usage examples:
//
//	db, _ := pgxpool.New(context.Background(), dsn)
//
//	storage, _ := postgresengine.NewEventStorageFromPGXPool(db,
//		postgresengine.WithTableName("my_events"),
//		postgresengine.WithLogger(logger),
//	)
//	ledger, _ := postgresengine.NewAppliedEventsStorageFromPGXPool(db,
//		postgresengine.WithLockTimeout(500*time.Millisecond),
//	)
//
//	storage.Setup(ctx)
//	ledger.Setup(ctx)
//
//	store, _ := eventstore.NewEventStore(storage, normalizer)
package postgresengine
