package postgresengine

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
	"github.com/neos/Neos.EventSourcing-sub000/eventstore/postgresengine/internal/adapters"
)

const (
	logMsgSetupFailed = "eventstore: schema setup failed"
	logAttrTable      = "table"
)

func eventTableDDL(table string) []string {
	quoted := pgx.Identifier{table}.Sanitize()

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	sequence_number BIGSERIAL PRIMARY KEY,
	stream_name TEXT NOT NULL,
	version BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	event_id TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	causation_id TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT %s UNIQUE (stream_name, version),
	CONSTRAINT %s UNIQUE (event_id)
)`,
			quoted,
			pgx.Identifier{table + constraintStreamVersion}.Sanitize(),
			pgx.Identifier{table + constraintEventID}.Sanitize()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (stream_name text_pattern_ops, sequence_number)`,
			pgx.Identifier{table + "_stream_prefix_idx"}.Sanitize(), quoted),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (correlation_id, sequence_number) WHERE correlation_id <> ''`,
			pgx.Identifier{table + "_correlation_idx"}.Sanitize(), quoted),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (event_type, sequence_number)`,
			pgx.Identifier{table + "_event_type_idx"}.Sanitize(), quoted),
	}
}

func ledgerTableDDL(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	listener_id TEXT PRIMARY KEY,
	highest_applied_sequence_number BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, pgx.Identifier{table}.Sanitize()),
	}
}

// Setup creates the events table and its indexes unless they exist.
func (s *EventStorage) Setup(ctx context.Context) eventstore.Result {
	return s.setup(ctx, s.db, s.eventTableName, eventTableDDL(s.eventTableName))
}

// Status checks connectivity and whether the events table exists.
func (s *EventStorage) Status(ctx context.Context) eventstore.Result {
	return status(ctx, s.db, s.eventTableName)
}

// Setup creates the ledger table unless it exists.
func (s *AppliedEventsStorage) Setup(ctx context.Context) eventstore.Result {
	return s.setup(ctx, s.db, s.ledgerTableName, ledgerTableDDL(s.ledgerTableName))
}

// Status checks connectivity and whether the ledger table exists.
func (s *AppliedEventsStorage) Status(ctx context.Context) eventstore.Result {
	return status(ctx, s.db, s.ledgerTableName)
}

func (s *settings) setup(ctx context.Context, db adapters.DBAdapter, table string, statements []string) eventstore.Result {
	result := eventstore.Result{}

	for _, statement := range statements {
		if _, err := db.Exec(ctx, statement); err != nil {
			s.logError(ctx, logMsgSetupFailed, err, logAttrTable, table)
			return result.WithError(fmt.Sprintf("setting up table %q failed: %v", table, err))
		}
	}

	return result.WithNotice(fmt.Sprintf("table %q is set up", table))
}

func status(ctx context.Context, db adapters.DBAdapter, table string) eventstore.Result {
	result := eventstore.Result{}

	if err := db.Ping(ctx); err != nil {
		return result.WithError(fmt.Sprintf("database is not reachable: %v", err))
	}

	result = result.WithNotice("database connection is ok")

	rows, err := db.Query(eventstore.WithStrongConsistency(ctx), "SELECT to_regclass($1) IS NOT NULL", pgx.Identifier{table}.Sanitize())
	if err != nil {
		return result.WithError(fmt.Sprintf("checking table %q failed: %v", table, err))
	}
	defer func() { _ = rows.Close() }()

	exists := false
	if rows.Next() {
		if err := rows.Scan(&exists); err != nil {
			return result.WithError(fmt.Sprintf("checking table %q failed: %v", table, err))
		}
	}

	if !exists {
		return result.WithWarning(fmt.Sprintf("table %q does not exist, run Setup", table))
	}

	return result.WithNotice(fmt.Sprintf("table %q exists", table))
}
