package pgtesthelpers

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore/postgresengine"
	"github.com/neos/Neos.EventSourcing-sub000/testutil/postgresengine/config"
)

// Adapter type constants
const (
	TypePGXPool = "pgx.pool"
	TypeSQLDB   = "sql.db"
	TypeSQLXDB  = "sqlx.db"
)

const (
	testEventTableName  = "events_test"
	testLedgerTableName = "applied_events_test"
)

// Wrapper abstracts over the adapter types, so one test suite covers all of them.
type Wrapper struct {
	AdapterType          string
	EventStorage         *postgresengine.EventStorage
	AppliedEventsStorage *postgresengine.AppliedEventsStorage

	exec  func(ctx context.Context, query string) error
	close func()
}

// AdapterTypeFromEnv returns the adapter selected by ADAPTER_TYPE.
func AdapterTypeFromEnv() string {
	if adapterType := strings.ToLower(os.Getenv("ADAPTER_TYPE")); adapterType != "" {
		return adapterType
	}

	return TypePGXPool
}

// CreateWrapper connects with the adapter from ADAPTER_TYPE, sets up fresh test tables
// and registers the cleanup. It skips the test if the database is not reachable.
func CreateWrapper(t testing.TB, options ...postgresengine.Option) *Wrapper {
	t.Helper()

	ctx := context.Background()
	options = append(TestTableOptions(), options...)

	wrapper, err := connect(ctx, AdapterTypeFromEnv(), options)
	if err != nil {
		t.Skipf("postgres test database is not reachable: %v", err)
	}

	t.Cleanup(wrapper.close)

	setup := wrapper.EventStorage.Setup(ctx).Merge(wrapper.AppliedEventsStorage.Setup(ctx))
	require.False(t, setup.HasErrors(), "error in test setup: %v", setup.Errors())

	CleanUp(t, wrapper)

	return wrapper
}

func connect(ctx context.Context, adapterType string, options []postgresengine.Option) (*Wrapper, error) {
	switch adapterType {
	case TypePGXPool:
		pool, err := config.PostgresPGXPool(ctx, config.PostgresTestDSN())
		if err != nil {
			return nil, err
		}

		wrapper := &Wrapper{
			AdapterType: adapterType,
			exec: func(ctx context.Context, query string) error {
				_, err := pool.Exec(ctx, query)
				return err
			},
			close: pool.Close,
		}

		return wrapper.withStorages(
			func() (*postgresengine.EventStorage, error) {
				return postgresengine.NewEventStorageFromPGXPool(pool, options...)
			},
			func() (*postgresengine.AppliedEventsStorage, error) {
				return postgresengine.NewAppliedEventsStorageFromPGXPool(pool, options...)
			},
		)

	case TypeSQLDB:
		db, err := config.PostgresSQLDB(ctx, config.PostgresTestDSN())
		if err != nil {
			return nil, err
		}

		wrapper := &Wrapper{
			AdapterType: adapterType,
			exec:        execSQL(db),
			close:       func() { _ = db.Close() },
		}

		return wrapper.withStorages(
			func() (*postgresengine.EventStorage, error) {
				return postgresengine.NewEventStorageFromSQLDB(db, options...)
			},
			func() (*postgresengine.AppliedEventsStorage, error) {
				return postgresengine.NewAppliedEventsStorageFromSQLDB(db, options...)
			},
		)

	case TypeSQLXDB:
		db, err := config.PostgresSQLX(ctx, config.PostgresTestDSN())
		if err != nil {
			return nil, err
		}

		wrapper := &Wrapper{
			AdapterType: adapterType,
			exec:        execSQLX(db),
			close:       func() { _ = db.Close() },
		}

		return wrapper.withStorages(
			func() (*postgresengine.EventStorage, error) {
				return postgresengine.NewEventStorageFromSQLX(db, options...)
			},
			func() (*postgresengine.AppliedEventsStorage, error) {
				return postgresengine.NewAppliedEventsStorageFromSQLX(db, options...)
			},
		)

	default: // neither one of the known types nor empty
		panic(fmt.Sprintf("unsupported adapter type from env: %s", adapterType))
	}
}

func (w *Wrapper) withStorages(
	newEventStorage func() (*postgresengine.EventStorage, error),
	newAppliedEventsStorage func() (*postgresengine.AppliedEventsStorage, error),
) (*Wrapper, error) {

	var err error

	if w.EventStorage, err = newEventStorage(); err != nil {
		w.close()
		return nil, err
	}

	if w.AppliedEventsStorage, err = newAppliedEventsStorage(); err != nil {
		w.close()
		return nil, err
	}

	return w, nil
}

func execSQL(db *sql.DB) func(ctx context.Context, query string) error {
	return func(ctx context.Context, query string) error {
		_, err := db.ExecContext(ctx, query)
		return err
	}
}

func execSQLX(db *sqlx.DB) func(ctx context.Context, query string) error {
	return func(ctx context.Context, query string) error {
		_, err := db.ExecContext(ctx, query)
		return err
	}
}

// Exec runs a raw statement against the test database.
func (w *Wrapper) Exec(t testing.TB, query string) {
	t.Helper()

	require.NoError(t, w.exec(context.Background(), query), "error in arranging test data")
}

// CleanUp empties the test tables.
func CleanUp(t testing.TB, wrapper *Wrapper) {
	t.Helper()

	wrapper.Exec(t, fmt.Sprintf("TRUNCATE TABLE %s, %s RESTART IDENTITY",
		pgx.Identifier{testEventTableName}.Sanitize(),
		pgx.Identifier{testLedgerTableName}.Sanitize()))
}

// OpenExtraPGXPool opens another pool on the test database, e.g. to simulate a second process.
func OpenExtraPGXPool(t testing.TB) *pgxpool.Pool {
	t.Helper()

	pool, err := config.PostgresPGXPool(context.Background(), config.PostgresTestDSN())
	if err != nil {
		t.Skipf("postgres test database is not reachable: %v", err)
	}

	t.Cleanup(pool.Close)

	return pool
}

// TestTableOptions returns the options that point a storage at the test tables.
func TestTableOptions() []postgresengine.Option {
	return []postgresengine.Option{
		postgresengine.WithTableName(testEventTableName),
		postgresengine.WithLedgerTableName(testLedgerTableName),
	}
}
