package gormengine_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
	"github.com/neos/Neos.EventSourcing-sub000/eventstore/gormengine"
	"github.com/neos/Neos.EventSourcing-sub000/testutil/fixtures"
)

// givenSQLiteEngine opens an engine on a fresh database file with both tables set up.
func givenSQLiteEngine(t *testing.T, configure func(*gormengine.Config)) *gormengine.Engine {
	t.Helper()

	return givenSQLiteEngineAt(t, filepath.Join(t.TempDir(), "events.db"), configure)
}

func givenSQLiteEngineAt(t *testing.T, databasePath string, configure func(*gormengine.Config)) *gormengine.Engine {
	t.Helper()

	cfg := gormengine.Config{SQLitePath: databasePath}
	if configure != nil {
		configure(&cfg)
	}

	engine, err := gormengine.Open(cfg)
	require.NoError(t, err, "error in arranging test data")
	t.Cleanup(func() { _ = engine.Close() })

	ctx := context.Background()
	require.False(t, engine.EventStorage().Setup(ctx).HasErrors(), "error in arranging test data")
	require.False(t, engine.AppliedEventsStorage().Setup(ctx).HasErrors(), "error in arranging test data")

	return engine
}

func givenCommitted(
	t *testing.T,
	storage eventstore.EventStorage,
	streamName eventstore.StreamName,
	domainEvents ...any,
) []eventstore.RawEvent {

	t.Helper()

	writable := make([]eventstore.WritableEvent, 0, len(domainEvents))
	for _, domainEvent := range domainEvents {
		writable = append(writable, fixtures.ToWritable(t, domainEvent, eventstore.NewMetadata(nil)))
	}

	committed, err := storage.Commit(context.Background(), streamName, writable, eventstore.Any)
	require.NoError(t, err, "error in arranging test data")

	return committed
}

func loadAll(t *testing.T, storage eventstore.EventStorage, filter eventstore.EventStreamFilter) ([]eventstore.RawEvent, error) {
	t.Helper()

	events, err := storage.Load(context.Background(), filter)
	if err != nil {
		return nil, err
	}

	return eventstore.CollectEvents(events)
}

func streamFilter(t *testing.T, streamName eventstore.StreamName) eventstore.EventStreamFilter {
	t.Helper()

	filter, err := eventstore.StreamFilterFor(streamName)
	require.NoError(t, err, "error in arranging test data")

	return filter
}

// givenExpiredLease ends the lease on listenerID behind the engine's back, as if its holder had stalled.
func givenExpiredLease(t *testing.T, databasePath string, listenerID string) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+databasePath+"?_busy_timeout=2000"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err, "error in arranging test data")

	sqlDB, err := db.DB()
	require.NoError(t, err, "error in arranging test data")
	defer func() { _ = sqlDB.Close() }()

	err = db.Exec("UPDATE applied_events SET reserved_until = 0 WHERE listener_id = ?", listenerID).Error
	require.NoError(t, err, "error in arranging test data")
}
