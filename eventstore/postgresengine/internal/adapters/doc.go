// Package adapters hides the differences between pgx.Pool, sql.DB and sqlx.DB behind DBAdapter.
//
// All adapters offer the same operations: parameterized queries, transactions on the primary,
// health checks, and SQLSTATE extraction for both pgx and lib/pq errors. The pgx adapter can
// additionally route eventually consistent reads to a replica pool.
package adapters
