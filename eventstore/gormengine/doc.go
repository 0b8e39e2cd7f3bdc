// Package gormengine is a second backend for eventstore.EventStorage and eventstore.AppliedEventsStorage
// built on gorm. It runs on SQLite (a single file, handy for tests and small deployments)
// or on PostgreSQL through gorm's pgx driver.
//
// The dialects differ in how commits are serialized and how reservations are held:
//
//	PostgreSQL: advisory transaction lock per stream, row lock with lock_timeout per listener
//	SQLite:     immediate write transactions, a renewable lease per listener
//
// Usage:
//
//	engine, err := gormengine.Open(gormengine.Config{SQLitePath: "events.db"})
//	defer engine.Close()
//
//	engine.EventStorage().Setup(ctx)
//	engine.AppliedEventsStorage().Setup(ctx)
//
//	store, _ := eventstore.NewEventStore(engine.EventStorage(), normalizer)
package gormengine
