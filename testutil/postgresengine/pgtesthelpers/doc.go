// Package pgtesthelpers provides test utilities for the PostgreSQL engine with multi-adapter support.
//
// The adapter under test is selected with the ADAPTER_TYPE environment variable:
//
//	pgx.pool (default), sql.db, sqlx.db
//
// Tests calling CreateWrapper are skipped when the test database is not reachable,
// see package config for the DSN settings.
package pgtesthelpers
