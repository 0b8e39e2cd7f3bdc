package postgresengine_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
	"github.com/neos/Neos.EventSourcing-sub000/eventstore/eventlistener"
	"github.com/neos/Neos.EventSourcing-sub000/eventstore/postgresengine"
	"github.com/neos/Neos.EventSourcing-sub000/testutil/fixtures"
	"github.com/neos/Neos.EventSourcing-sub000/testutil/postgresengine/pgtesthelpers"
)

func givenReservation(t *testing.T, ctx context.Context, ledger eventstore.AppliedEventsStorage, listenerID string) eventstore.Reservation {
	t.Helper()

	require.NoError(t, ledger.InitializeHighestAppliedSequenceNumber(ctx, listenerID), "error in arranging test data")

	result, err := ledger.ReserveHighestAppliedEventSequenceNumber(ctx, listenerID)
	require.NoError(t, err, "error in arranging test data")

	reservation, ok := result.Reservation()
	require.True(t, ok, "error in arranging test data")

	return reservation
}

func Test_Reserve_WithoutInitialization_Fails(t *testing.T) {
	// setup
	wrapper := pgtesthelpers.CreateWrapper(t)

	// act
	_, err := wrapper.AppliedEventsStorage.ReserveHighestAppliedEventSequenceNumber(context.Background(), "unknown-listener")

	// assert
	assert.ErrorIs(t, err, eventstore.ErrLedgerNotInitialized)
}

func Test_Initialize_IsIdempotent_AndStartsAtInitialSequenceNumber(t *testing.T) {
	// setup
	ctx := context.Background()
	wrapper := pgtesthelpers.CreateWrapper(t)
	ledger := wrapper.AppliedEventsStorage

	// arrange
	reservation := givenReservation(t, ctx, ledger, "projection")
	require.NoError(t, reservation.SaveHighestAppliedSequenceNumber(ctx, 7), "error in arranging test data")
	require.NoError(t, reservation.ReleaseHighestAppliedSequenceNumber(ctx), "error in arranging test data")

	// act
	err := ledger.InitializeHighestAppliedSequenceNumber(ctx, "projection")
	fresh := givenReservation(t, ctx, ledger, "other-projection")
	again := givenReservation(t, ctx, ledger, "projection")

	// assert
	assert.NoError(t, err)
	assert.Equal(t, eventstore.InitialSequenceNumber, fresh.HighestAppliedSequenceNumber())
	assert.Equal(t, int64(7), again.HighestAppliedSequenceNumber())

	assert.NoError(t, fresh.Rollback(ctx))
	assert.NoError(t, again.Rollback(ctx))
}

func Test_Reservation_IsExclusive(t *testing.T) {
	// setup
	ctx := context.Background()
	wrapper := pgtesthelpers.CreateWrapper(t, postgresengine.WithLockTimeout(50*time.Millisecond))
	ledger := wrapper.AppliedEventsStorage

	// arrange
	held := givenReservation(t, ctx, ledger, "projection")

	// act
	whileHeld, err := ledger.ReserveHighestAppliedEventSequenceNumber(ctx, "projection")
	require.NoError(t, err)

	require.NoError(t, held.ReleaseHighestAppliedSequenceNumber(ctx))

	afterRelease, err := ledger.ReserveHighestAppliedEventSequenceNumber(ctx, "projection")
	require.NoError(t, err)

	// assert
	assert.True(t, whileHeld.IsUnavailable())
	reservation, ok := afterRelease.Reservation()
	require.True(t, ok)
	assert.NoError(t, reservation.Rollback(ctx))
}

func Test_Reservation_SaveKeepsTheReservation(t *testing.T) {
	// setup
	ctx := context.Background()
	wrapper := pgtesthelpers.CreateWrapper(t, postgresengine.WithLockTimeout(50*time.Millisecond))
	ledger := wrapper.AppliedEventsStorage

	// arrange
	reservation := givenReservation(t, ctx, ledger, "projection")

	// act
	saveErr := reservation.SaveHighestAppliedSequenceNumber(ctx, 3)
	competing, err := ledger.ReserveHighestAppliedEventSequenceNumber(ctx, "projection")
	require.NoError(t, err)

	// assert
	assert.NoError(t, saveErr)
	assert.Equal(t, int64(3), reservation.HighestAppliedSequenceNumber())
	assert.True(t, competing.IsUnavailable(), "saving must not release the reservation")
	assert.NoError(t, reservation.ReleaseHighestAppliedSequenceNumber(ctx))
}

func Test_Reservation_RollbackKeepsSavedProgress(t *testing.T) {
	// setup
	ctx := context.Background()
	wrapper := pgtesthelpers.CreateWrapper(t)
	ledger := wrapper.AppliedEventsStorage

	// arrange
	reservation := givenReservation(t, ctx, ledger, "projection")
	require.NoError(t, reservation.SaveHighestAppliedSequenceNumber(ctx, 4), "error in arranging test data")

	// act
	rollbackErr := reservation.Rollback(ctx)
	secondRollbackErr := reservation.Rollback(ctx)
	again := givenReservation(t, ctx, ledger, "projection")

	// assert
	assert.NoError(t, rollbackErr)
	assert.NoError(t, secondRollbackErr)
	assert.Equal(t, int64(4), again.HighestAppliedSequenceNumber())
	assert.NoError(t, again.Rollback(ctx))
}

func Test_Reservation_RejectsRegressionAndUseAfterClose(t *testing.T) {
	// setup
	ctx := context.Background()
	wrapper := pgtesthelpers.CreateWrapper(t)
	ledger := wrapper.AppliedEventsStorage

	// arrange
	reservation := givenReservation(t, ctx, ledger, "projection")
	require.NoError(t, reservation.SaveHighestAppliedSequenceNumber(ctx, 10), "error in arranging test data")

	// act
	regressionErr := reservation.SaveHighestAppliedSequenceNumber(ctx, 9)
	releaseErr := reservation.ReleaseHighestAppliedSequenceNumber(ctx)
	secondReleaseErr := reservation.ReleaseHighestAppliedSequenceNumber(ctx)
	saveAfterCloseErr := reservation.SaveHighestAppliedSequenceNumber(ctx, 11)

	// assert
	assert.ErrorIs(t, regressionErr, eventstore.ErrProgressRegression)
	assert.NoError(t, releaseErr)
	assert.ErrorIs(t, secondReleaseErr, eventstore.ErrReservationClosed)
	assert.ErrorIs(t, saveAfterCloseErr, eventstore.ErrReservationClosed)
}

func Test_Invoker_WithPostgres_ConcurrentCatchUps_ApplyEveryEventOnce(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	wrapper := pgtesthelpers.CreateWrapper(t, postgresengine.WithLockTimeout(20*time.Millisecond), postgresengine.WithBatchSize(3))
	normalizer := fixtures.NewNormalizer(t)
	store, err := eventstore.NewEventStore(wrapper.EventStorage, normalizer)
	require.NoError(t, err, "error in test setup")

	// arrange
	const widgets = 5
	for i := 0; i < widgets; i++ {
		widgetID := fixtures.GivenUniqueWidgetID(t)
		_, err := store.Commit(ctx, fixtures.WidgetStream(widgetID), []any{
			fixtures.FixtureWidgetCreated(widgetID),
			fixtures.FixtureWidgetRenamed(widgetID, "renamed"),
		}, eventstore.NoStream)
		require.NoError(t, err, "error in arranging test data")
	}

	var applied atomic.Int64
	seen := sync.Map{}
	duplicates := atomic.Int64{}

	listener, err := eventlistener.Define("widget-counter").
		ScopedTo(fixtures.WidgetCategory()).
		Handle(fixtures.WidgetCreatedEventType, func(_ context.Context, _ any, raw eventstore.RawEvent) error {
			if _, loaded := seen.LoadOrStore(raw.SequenceNumber(), true); loaded {
				duplicates.Add(1)
			}
			applied.Add(1)

			return nil
		}).
		Build()
	require.NoError(t, err, "error in arranging test data")

	invoker, err := eventlistener.NewInvoker(store, wrapper.AppliedEventsStorage)
	require.NoError(t, err, "error in arranging test data")

	// act
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for attempt := 0; attempt < 20 && applied.Load() < widgets; attempt++ {
				_, _ = invoker.CatchUp(ctx, listener)
			}
		}()
	}
	wg.Wait()

	result, err := invoker.CatchUp(ctx, listener)

	// assert
	require.NoError(t, err)
	assert.Equal(t, int64(widgets), applied.Load())
	assert.Zero(t, duplicates.Load())
	assert.Equal(t, eventlistener.OutcomeCaughtUp, result.Outcome)
	assert.Zero(t, result.AppliedEvents)
	assert.Zero(t, result.SkippedEvents)
}
