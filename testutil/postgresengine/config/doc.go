// Package config provides PostgreSQL connection factories for integration tests.
//
// The DSNs come from the environment so the same tests run locally and in CI:
//
//	EVENTSTORE_TEST_DSN: primary database, defaults to a local test database
//	EVENTSTORE_TEST_REPLICA_DSN: optional read replica
//
// All factories ping the database, so callers can skip tests when it is not reachable.
package config
