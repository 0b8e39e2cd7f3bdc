package eventlistener_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
	"github.com/neos/Neos.EventSourcing-sub000/eventstore/eventlistener"
	"github.com/neos/Neos.EventSourcing-sub000/testutil/fixtures"
	"github.com/neos/Neos.EventSourcing-sub000/testutil/testdoubles"
)

type invokerHarness struct {
	store  *eventstore.EventStore
	ledger *testdoubles.InMemoryAppliedEventsStorage
}

func givenInvokerHarness(t *testing.T) invokerHarness {
	t.Helper()

	storage := testdoubles.NewInMemoryEventStorage(2)
	store, err := eventstore.NewEventStore(storage, fixtures.NewNormalizer(t))
	require.NoError(t, err, "error in arranging test data")

	return invokerHarness{
		store:  store,
		ledger: testdoubles.NewInMemoryAppliedEventsStorage(),
	}
}

func (h invokerHarness) givenCommitted(t *testing.T, streamName eventstore.StreamName, domainEvents ...any) []eventstore.RawEvent {
	t.Helper()

	committed, err := h.store.Commit(context.Background(), streamName, domainEvents, eventstore.Any)
	require.NoError(t, err, "error in arranging test data")

	return committed
}

func (h invokerHarness) newInvoker(t *testing.T, options ...eventlistener.InvokerOption) *eventlistener.Invoker {
	t.Helper()

	invoker, err := eventlistener.NewInvoker(h.store, h.ledger, options...)
	require.NoError(t, err, "error in arranging test data")

	return invoker
}

// widgetNames is a tiny projection used as the listener under test.
type widgetNames struct {
	mu      sync.Mutex
	names   map[string]string
	applied []int64
	failOn  map[int64]error
}

func newWidgetNames() *widgetNames {
	return &widgetNames{names: make(map[string]string), failOn: make(map[int64]error)}
}

func (p *widgetNames) listener(t *testing.T, scope eventstore.StreamName) eventlistener.Listener {
	t.Helper()

	listener, err := eventlistener.Define("widget-names").
		ScopedTo(scope).
		Handle(fixtures.WidgetCreatedEventType, eventlistener.Typed(
			func(_ context.Context, event fixtures.WidgetCreated, raw eventstore.RawEvent) error {
				return p.apply(raw, event.WidgetID, event.Name)
			})).
		Handle(fixtures.WidgetRenamedEventType, eventlistener.Typed(
			func(_ context.Context, event fixtures.WidgetRenamed, raw eventstore.RawEvent) error {
				return p.apply(raw, event.WidgetID, event.Name)
			})).
		Build()
	require.NoError(t, err, "error in arranging test data")

	return listener
}

func (p *widgetNames) apply(raw eventstore.RawEvent, widgetID string, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.failOn[raw.SequenceNumber()]; ok {
		return err
	}

	p.names[widgetID] = name
	p.applied = append(p.applied, raw.SequenceNumber())

	return nil
}

func (p *widgetNames) appliedSequenceNumbers() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]int64(nil), p.applied...)
}

func Test_CatchUp_AppliesAllEventsOfTheScopeInOrder(t *testing.T) {
	// setup
	h := givenInvokerHarness(t)
	projection := newWidgetNames()
	invoker := h.newInvoker(t)

	// arrange
	widgetA := fixtures.GivenUniqueWidgetID(t)
	widgetB := fixtures.GivenUniqueWidgetID(t)
	h.givenCommitted(t, fixtures.WidgetStream(widgetA), fixtures.FixtureWidgetCreated(widgetA))
	h.givenCommitted(t, eventstore.MustStreamName("Gadget-1"), fixtures.FixtureWidgetCreated("gadget"))
	h.givenCommitted(t, fixtures.WidgetStream(widgetB), fixtures.FixtureWidgetCreated(widgetB))
	last := h.givenCommitted(t, fixtures.WidgetStream(widgetA), fixtures.FixtureWidgetRenamed(widgetA, "renamed"))

	// act
	result, err := invoker.CatchUp(context.Background(), projection.listener(t, fixtures.WidgetCategory()))

	// assert
	require.NoError(t, err)
	assert.Equal(t, eventlistener.OutcomeCaughtUp, result.Outcome)
	assert.Equal(t, 3, result.AppliedEvents)
	assert.Equal(t, 0, result.SkippedEvents)
	assert.Equal(t, last[0].SequenceNumber(), result.HighestAppliedSequenceNumber)
	assert.Equal(t, []int64{1, 3, 4}, projection.appliedSequenceNumbers())
	assert.Equal(t, "renamed", projection.names[widgetA])

	highest, ok := h.ledger.HighestAppliedSequenceNumber("widget-names")
	assert.True(t, ok)
	assert.Equal(t, int64(4), highest)
	assert.False(t, h.ledger.IsReserved("widget-names"))
}

func Test_CatchUp_SecondRunAppliesNothing(t *testing.T) {
	// setup
	h := givenInvokerHarness(t)
	projection := newWidgetNames()
	invoker := h.newInvoker(t)
	listener := projection.listener(t, eventstore.AllStreams())

	// arrange
	widgetID := fixtures.GivenUniqueWidgetID(t)
	h.givenCommitted(t, fixtures.WidgetStream(widgetID), fixtures.FixtureWidgetCreated(widgetID))

	_, err := invoker.CatchUp(context.Background(), listener)
	require.NoError(t, err, "error in arranging test data")

	// act
	result, err := invoker.CatchUp(context.Background(), listener)

	// assert
	require.NoError(t, err)
	assert.Equal(t, eventlistener.OutcomeCaughtUp, result.Outcome)
	assert.Equal(t, 0, result.AppliedEvents)
	assert.Equal(t, int64(1), result.HighestAppliedSequenceNumber)
	assert.Equal(t, []int64{1}, projection.appliedSequenceNumbers())
}

func Test_CatchUp_PicksUpEventsCommittedAfterThePreviousRun(t *testing.T) {
	// setup
	h := givenInvokerHarness(t)
	projection := newWidgetNames()
	invoker := h.newInvoker(t)
	listener := projection.listener(t, eventstore.AllStreams())

	// arrange
	widgetID := fixtures.GivenUniqueWidgetID(t)
	h.givenCommitted(t, fixtures.WidgetStream(widgetID), fixtures.FixtureWidgetCreated(widgetID))

	_, err := invoker.CatchUp(context.Background(), listener)
	require.NoError(t, err, "error in arranging test data")

	h.givenCommitted(t, fixtures.WidgetStream(widgetID), fixtures.FixtureWidgetRenamed(widgetID, "later"))

	// act
	result, err := invoker.CatchUp(context.Background(), listener)

	// assert
	require.NoError(t, err)
	assert.Equal(t, 1, result.AppliedEvents)
	assert.Equal(t, []int64{1, 2}, projection.appliedSequenceNumbers())
	assert.Equal(t, "later", projection.names[widgetID])
}

func Test_CatchUp_ScopeStreamDoesNotExistYet(t *testing.T) {
	// setup
	h := givenInvokerHarness(t)
	projection := newWidgetNames()
	invoker := h.newInvoker(t)

	// arrange
	h.givenCommitted(t, eventstore.MustStreamName("Gadget-1"), fixtures.FixtureWidgetCreated("gadget"))

	// act
	result, err := invoker.CatchUp(context.Background(), projection.listener(t, fixtures.WidgetCategory()))

	// assert
	require.NoError(t, err)
	assert.Equal(t, eventlistener.OutcomeNothingToDo, result.Outcome)
	assert.Equal(t, eventstore.InitialSequenceNumber, result.HighestAppliedSequenceNumber)
	assert.Empty(t, projection.appliedSequenceNumbers())
	assert.False(t, h.ledger.IsReserved("widget-names"))
}

func Test_CatchUp_ReservationHeldElsewhere(t *testing.T) {
	// setup
	h := givenInvokerHarness(t)
	projection := newWidgetNames()
	invoker := h.newInvoker(t)
	ctx := context.Background()

	// arrange
	widgetID := fixtures.GivenUniqueWidgetID(t)
	h.givenCommitted(t, fixtures.WidgetStream(widgetID), fixtures.FixtureWidgetCreated(widgetID))

	require.NoError(t, h.ledger.InitializeHighestAppliedSequenceNumber(ctx, "widget-names"))
	held, err := h.ledger.ReserveHighestAppliedEventSequenceNumber(ctx, "widget-names")
	require.NoError(t, err, "error in arranging test data")
	require.False(t, held.IsUnavailable(), "error in arranging test data")

	// act
	result, err := invoker.CatchUp(ctx, projection.listener(t, eventstore.AllStreams()))

	// assert
	require.NoError(t, err)
	assert.Equal(t, eventlistener.OutcomeUnavailable, result.Outcome)
	assert.Empty(t, projection.appliedSequenceNumbers())
}

func Test_CatchUp_HandlerFailureRollsBackAndIsRetriedNextTime(t *testing.T) {
	// setup
	h := givenInvokerHarness(t)
	projection := newWidgetNames()
	invoker := h.newInvoker(t)
	listener := projection.listener(t, eventstore.AllStreams())
	handlerErr := errors.New("projection database unavailable")

	// arrange
	widgetID := fixtures.GivenUniqueWidgetID(t)
	h.givenCommitted(t, fixtures.WidgetStream(widgetID),
		fixtures.FixtureWidgetCreated(widgetID),
		fixtures.FixtureWidgetRenamed(widgetID, "second"),
		fixtures.FixtureWidgetRenamed(widgetID, "third"),
	)
	projection.failOn[2] = handlerErr

	// act
	failedResult, failedErr := invoker.CatchUp(context.Background(), listener)

	// assert
	assert.ErrorIs(t, failedErr, eventlistener.ErrEventApplicationFailed)
	assert.ErrorIs(t, failedErr, handlerErr)

	var applicationErr *eventlistener.EventApplicationError
	require.ErrorAs(t, failedErr, &applicationErr)
	assert.Equal(t, "widget-names", applicationErr.ListenerID)
	assert.Equal(t, int64(2), applicationErr.Event.SequenceNumber())

	assert.Equal(t, eventlistener.OutcomeFailed, failedResult.Outcome)
	assert.Equal(t, int64(1), failedResult.HighestAppliedSequenceNumber)

	highest, _ := h.ledger.HighestAppliedSequenceNumber("widget-names")
	assert.Equal(t, int64(1), highest)
	assert.False(t, h.ledger.IsReserved("widget-names"))

	// act
	delete(projection.failOn, 2)
	retriedResult, retriedErr := invoker.CatchUp(context.Background(), listener)

	// assert
	require.NoError(t, retriedErr)
	assert.Equal(t, 2, retriedResult.AppliedEvents)
	assert.Equal(t, []int64{1, 2, 3}, projection.appliedSequenceNumbers())
	assert.Equal(t, "third", projection.names[widgetID])
}

func Test_CatchUp_UnhandledEventsStillAdvanceProgress(t *testing.T) {
	// setup
	h := givenInvokerHarness(t)
	projection := newWidgetNames()
	invoker := h.newInvoker(t)

	// arrange
	widgetID := fixtures.GivenUniqueWidgetID(t)
	h.givenCommitted(t, fixtures.WidgetStream(widgetID),
		fixtures.FixtureWidgetCreated(widgetID),
		fixtures.FixtureWidgetDeleted(widgetID),
	)

	// act
	result, err := invoker.CatchUp(context.Background(), projection.listener(t, eventstore.AllStreams()))

	// assert
	require.NoError(t, err)
	assert.Equal(t, 1, result.AppliedEvents)
	assert.Equal(t, 1, result.SkippedEvents)

	highest, _ := h.ledger.HighestAppliedSequenceNumber("widget-names")
	assert.Equal(t, int64(2), highest)
}

func Test_CatchUp_RunsHooksAroundHandledEventsOnly(t *testing.T) {
	// setup
	h := givenInvokerHarness(t)
	invoker := h.newInvoker(t)
	var calls []string

	listener, err := eventlistener.Define("hooked").
		BeforeInvoke(func(_ context.Context, _ any, raw eventstore.RawEvent) error {
			calls = append(calls, "before:"+raw.EventType())
			return nil
		}).
		Handle(fixtures.WidgetCreatedEventType, func(_ context.Context, _ any, raw eventstore.RawEvent) error {
			calls = append(calls, "handle:"+raw.EventType())
			return nil
		}).
		AfterInvoke(func(_ context.Context, _ any, raw eventstore.RawEvent) error {
			calls = append(calls, "after:"+raw.EventType())
			return nil
		}).
		Build()
	require.NoError(t, err, "error in arranging test data")

	// arrange
	widgetID := fixtures.GivenUniqueWidgetID(t)
	h.givenCommitted(t, fixtures.WidgetStream(widgetID),
		fixtures.FixtureWidgetCreated(widgetID),
		fixtures.FixtureWidgetDeleted(widgetID),
	)

	// act
	_, err = invoker.CatchUp(context.Background(), listener)

	// assert
	require.NoError(t, err)
	assert.Equal(t, []string{
		"before:" + fixtures.WidgetCreatedEventType,
		"handle:" + fixtures.WidgetCreatedEventType,
		"after:" + fixtures.WidgetCreatedEventType,
	}, calls)
}

func Test_CatchUp_FailingAfterHookCountsAsApplicationFailure(t *testing.T) {
	// setup
	h := givenInvokerHarness(t)
	invoker := h.newInvoker(t)
	hookErr := errors.New("flush failed")

	listener, err := eventlistener.Define("hooked").
		Handle(fixtures.WidgetCreatedEventType, noopHandler).
		AfterInvoke(func(_ context.Context, _ any, _ eventstore.RawEvent) error {
			return hookErr
		}).
		Build()
	require.NoError(t, err, "error in arranging test data")

	// arrange
	widgetID := fixtures.GivenUniqueWidgetID(t)
	h.givenCommitted(t, fixtures.WidgetStream(widgetID), fixtures.FixtureWidgetCreated(widgetID))

	// act
	_, err = invoker.CatchUp(context.Background(), listener)

	// assert
	assert.ErrorIs(t, err, hookErr)

	highest, _ := h.ledger.HighestAppliedSequenceNumber("hooked")
	assert.Equal(t, eventstore.InitialSequenceNumber, highest)
}

func Test_CatchUp_ReservationLostMidRunHandsOver(t *testing.T) {
	// setup
	h := givenInvokerHarness(t)
	projection := newWidgetNames()
	listener := projection.listener(t, eventstore.AllStreams())

	var reported []int64
	invoker := h.newInvoker(t, eventlistener.WithProgressCallback(
		func(listenerID string, raw eventstore.RawEvent, _ bool) {
			reported = append(reported, raw.SequenceNumber())
			if raw.SequenceNumber() == 1 {
				h.ledger.ExpireReservation(listenerID)
			}
		}))

	// arrange
	widgetID := fixtures.GivenUniqueWidgetID(t)
	h.givenCommitted(t, fixtures.WidgetStream(widgetID),
		fixtures.FixtureWidgetCreated(widgetID),
		fixtures.FixtureWidgetRenamed(widgetID, "second"),
		fixtures.FixtureWidgetRenamed(widgetID, "third"),
	)

	// act
	result, err := invoker.CatchUp(context.Background(), listener)

	// assert
	require.NoError(t, err)
	assert.Equal(t, eventlistener.OutcomeHandedOver, result.Outcome)
	assert.Equal(t, 2, result.AppliedEvents)
	assert.Equal(t, int64(2), result.HighestAppliedSequenceNumber)
	assert.Equal(t, []int64{1, 2}, reported, "the event saved before handing over is reported too")

	highest, _ := h.ledger.HighestAppliedSequenceNumber("widget-names")
	assert.Equal(t, int64(2), highest)

	// act
	resumed, err := invoker.CatchUp(context.Background(), listener)

	// assert
	require.NoError(t, err)
	assert.Equal(t, 1, resumed.AppliedEvents)
	assert.Equal(t, []int64{1, 2, 3}, projection.appliedSequenceNumbers())
}

func Test_CatchUp_DatabaseFailureAfterSavingIsNotMistakenForAHandOver(t *testing.T) {
	// setup
	h := givenInvokerHarness(t)
	projection := newWidgetNames()
	listener := projection.listener(t, eventstore.AllStreams())
	invoker := h.newInvoker(t)

	// arrange
	widgetID := fixtures.GivenUniqueWidgetID(t)
	h.givenCommitted(t, fixtures.WidgetStream(widgetID),
		fixtures.FixtureWidgetCreated(widgetID),
		fixtures.FixtureWidgetRenamed(widgetID, "second"),
	)

	connectionLost := errors.Join(eventstore.ErrLedgerOperationFailed, errors.New("connection reset by peer"))
	h.ledger.FailRelockAfterNextSave("widget-names", connectionLost)

	// act
	result, err := invoker.CatchUp(context.Background(), listener)

	// assert
	assert.ErrorIs(t, err, eventstore.ErrLedgerOperationFailed)
	assert.NotErrorIs(t, err, eventstore.ErrReservationLost)
	assert.Equal(t, eventlistener.OutcomeFailed, result.Outcome)
	assert.False(t, h.ledger.IsReserved("widget-names"))

	highest, _ := h.ledger.HighestAppliedSequenceNumber("widget-names")
	assert.Equal(t, int64(1), highest, "the save itself is durable")

	// act
	resumed, err := invoker.CatchUp(context.Background(), listener)

	// assert
	require.NoError(t, err)
	assert.Equal(t, 1, resumed.AppliedEvents)
	assert.Equal(t, []int64{1, 2}, projection.appliedSequenceNumbers())
}

func Test_CatchUp_StopsBetweenEventsWhenContextIsCanceled(t *testing.T) {
	// setup
	h := givenInvokerHarness(t)
	projection := newWidgetNames()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	invoker := h.newInvoker(t, eventlistener.WithProgressCallback(
		func(_ string, raw eventstore.RawEvent, _ bool) {
			if raw.SequenceNumber() == 1 {
				cancel()
			}
		}))

	// arrange
	widgetID := fixtures.GivenUniqueWidgetID(t)
	h.givenCommitted(t, fixtures.WidgetStream(widgetID),
		fixtures.FixtureWidgetCreated(widgetID),
		fixtures.FixtureWidgetRenamed(widgetID, "second"),
	)

	// act
	_, err := invoker.CatchUp(ctx, projection.listener(t, eventstore.AllStreams()))

	// assert
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{1}, projection.appliedSequenceNumbers())
	assert.False(t, h.ledger.IsReserved("widget-names"))

	highest, _ := h.ledger.HighestAppliedSequenceNumber("widget-names")
	assert.Equal(t, int64(1), highest)
}

func Test_CatchUp_ConcurrentRunsApplyEveryEventExactlyOnce(t *testing.T) {
	// setup
	h := givenInvokerHarness(t)
	projection := newWidgetNames()
	invoker := h.newInvoker(t)
	listener := projection.listener(t, eventstore.AllStreams())

	// arrange
	for range 20 {
		widgetID := fixtures.GivenUniqueWidgetID(t)
		h.givenCommitted(t, fixtures.WidgetStream(widgetID), fixtures.FixtureWidgetCreated(widgetID))
	}

	// act
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := invoker.CatchUp(context.Background(), listener)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	_, err := invoker.CatchUp(context.Background(), listener)
	require.NoError(t, err)

	// assert
	applied := projection.appliedSequenceNumbers()
	assert.Len(t, applied, 20)
	assert.IsIncreasing(t, applied)
}

func Test_CatchUp_ReportsProgressLogsAndMetrics(t *testing.T) {
	// setup
	h := givenInvokerHarness(t)
	projection := newWidgetNames()
	logger, logSpy := testdoubles.NewSpyLogger()
	metricsSpy := testdoubles.NewMetricsCollectorSpy()
	var progress []int64

	invoker := h.newInvoker(t,
		eventlistener.WithContextualLogger(logger),
		eventlistener.WithMetrics(metricsSpy),
		eventlistener.WithProgressCallback(func(_ string, raw eventstore.RawEvent, _ bool) {
			progress = append(progress, raw.SequenceNumber())
		}),
	)

	// arrange
	widgetID := fixtures.GivenUniqueWidgetID(t)
	h.givenCommitted(t, fixtures.WidgetStream(widgetID),
		fixtures.FixtureWidgetCreated(widgetID),
		fixtures.FixtureWidgetDeleted(widgetID),
	)

	// act
	_, err := invoker.CatchUp(context.Background(), projection.listener(t, eventstore.AllStreams()))

	// assert
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, progress)
	assert.True(t, logSpy.HasLogWithMessage(slog.LevelInfo, "eventlistener: caught up").
		WithAttr("listener_id", "widget-names").
		WithAttr("applied_events", "1").
		WithAttr("skipped_events", "1").
		Assert())
	assert.True(t, metricsSpy.HasDurationRecord(
		"eventlistener_catch_up_duration_seconds",
		map[string]string{"listener_id": "widget-names", "outcome": "caught_up"}))
	assert.InDelta(t, 1.0, metricsSpy.ValueTotal("eventlistener_applied_events_total", nil), 0.001)
}

func Test_NewInvoker_RejectsMissingDependencies(t *testing.T) {
	// setup
	h := givenInvokerHarness(t)

	// act
	_, noSourceErr := eventlistener.NewInvoker(nil, h.ledger)
	_, noLedgerErr := eventlistener.NewInvoker(h.store, nil)

	// assert
	assert.ErrorIs(t, noSourceErr, eventstore.ErrNilStorage)
	assert.ErrorIs(t, noLedgerErr, eventstore.ErrNilAppliedEventsStorage)
}
