// Package testdoubles provides in-memory storages and observability spies for tests.
//
// The in-memory storages implement the same contracts as the relational backends,
// including keyset batching and the try-lock semantics of reservations,
// so the catch-up loop and the EventStore facade can be tested without a database.
package testdoubles
