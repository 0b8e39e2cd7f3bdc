package postgresengine_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
	"github.com/neos/Neos.EventSourcing-sub000/eventstore/postgresengine"
	"github.com/neos/Neos.EventSourcing-sub000/testutil/fixtures"
	"github.com/neos/Neos.EventSourcing-sub000/testutil/postgresengine/pgtesthelpers"
	"github.com/neos/Neos.EventSourcing-sub000/testutil/testdoubles"
)

func Test_Observability_Commit_RecordsLogsMetricsAndSpans(t *testing.T) {
	// setup
	ctx := context.Background()
	logger, logSpy := testdoubles.NewSpyLogger()
	metricsSpy := testdoubles.NewMetricsCollectorSpy()
	tracingSpy := testdoubles.NewTracingCollectorSpy()

	wrapper := pgtesthelpers.CreateWrapper(t,
		postgresengine.WithLogger(logger),
		postgresengine.WithMetrics(metricsSpy),
		postgresengine.WithTracing(tracingSpy),
	)

	// arrange
	widgetID := fixtures.GivenUniqueWidgetID(t)
	stream := fixtures.WidgetStream(widgetID)

	// act
	_, err := wrapper.EventStorage.Commit(ctx, stream, []eventstore.WritableEvent{
		fixtures.ToWritable(t, fixtures.FixtureWidgetCreated(widgetID), eventstore.Metadata{}),
		fixtures.ToWritable(t, fixtures.FixtureWidgetRenamed(widgetID, "x"), eventstore.Metadata{}),
	}, eventstore.NoStream)

	// assert
	require.NoError(t, err)

	assert.True(t, logSpy.HasLogWithMessage(slog.LevelInfo, "eventstore: events committed").
		WithAttr("stream", stream.String()).
		WithAttr("event_count", "2").
		WithAttrKey("duration_ms").
		Assert())
	assert.True(t, logSpy.HasLogWithMessage(slog.LevelDebug, "eventstore: executed sql for commit").WithAttrKey("query").Assert())

	assert.True(t, metricsSpy.HasDurationRecord("eventstore_commit_duration_seconds", map[string]string{"status": "success"}))
	assert.Equal(t, float64(2), metricsSpy.ValueTotal("eventstore_events_committed_total", nil))

	assert.True(t, tracingSpy.HasSpanRecordForName("eventstore.commit").
		WithStatus("success").
		WithStartAttribute("stream", stream.String()).
		WithStartAttribute("event_count", "2").
		WithStartAttribute("expected_version", eventstore.NoStream.String()).
		Assert())
}

func Test_Observability_ConcurrencyViolation_IsRecorded(t *testing.T) {
	// setup
	ctx := context.Background()
	logger, logSpy := testdoubles.NewSpyLogger()
	metricsSpy := testdoubles.NewMetricsCollectorSpy()
	tracingSpy := testdoubles.NewTracingCollectorSpy()

	wrapper := pgtesthelpers.CreateWrapper(t,
		postgresengine.WithContextualLogger(logger),
		postgresengine.WithMetrics(metricsSpy),
		postgresengine.WithTracing(tracingSpy),
	)

	// arrange
	widgetID := fixtures.GivenUniqueWidgetID(t)
	stream := fixtures.WidgetStream(widgetID)
	givenCommitted(t, ctx, wrapper.EventStorage, stream,
		fixtures.ToWritable(t, fixtures.FixtureWidgetCreated(widgetID), eventstore.Metadata{}))
	metricsSpy.Reset()

	// act
	_, err := wrapper.EventStorage.Commit(ctx, stream, []eventstore.WritableEvent{
		fixtures.ToWritable(t, fixtures.FixtureWidgetCreated(widgetID), eventstore.Metadata{}),
	}, eventstore.NoStream)

	// assert
	assert.ErrorIs(t, err, eventstore.ErrConcurrencyViolation)
	assert.True(t, logSpy.HasLogWithMessage(slog.LevelInfo, "eventstore: concurrency violation detected").
		WithAttr("stream", stream.String()).
		Assert())
	assert.Equal(t, 1, metricsSpy.CounterTotal("eventstore_concurrency_violations_total", nil))
	assert.True(t, metricsSpy.HasDurationRecord("eventstore_commit_duration_seconds", map[string]string{"status": "concurrency_violation"}))
	assert.True(t, tracingSpy.HasSpanRecordForName("eventstore.commit").WithStatus("concurrency_violation").Assert())
}

func Test_Observability_Load_RecordsBatchesAndSpans(t *testing.T) {
	// setup
	ctx := context.Background()
	metricsSpy := testdoubles.NewMetricsCollectorSpy()
	tracingSpy := testdoubles.NewTracingCollectorSpy()

	wrapper := pgtesthelpers.CreateWrapper(t,
		postgresengine.WithBatchSize(2),
		postgresengine.WithMetrics(metricsSpy),
		postgresengine.WithTracing(tracingSpy),
	)

	// arrange
	widgetID := fixtures.GivenUniqueWidgetID(t)
	stream := fixtures.WidgetStream(widgetID)
	givenCommitted(t, ctx, wrapper.EventStorage, stream,
		fixtures.ToWritable(t, fixtures.FixtureWidgetCreated(widgetID), eventstore.Metadata{}),
		fixtures.ToWritable(t, fixtures.FixtureWidgetRenamed(widgetID, "a"), eventstore.Metadata{}),
		fixtures.ToWritable(t, fixtures.FixtureWidgetRenamed(widgetID, "b"), eventstore.Metadata{}))

	// act
	loaded := loadAll(t, ctx, wrapper.EventStorage, streamFilter(t, stream))
	_, notFoundErr := wrapper.EventStorage.Load(ctx, streamFilter(t, fixtures.WidgetStream(fixtures.GivenUniqueWidgetID(t))))

	// assert
	assert.Len(t, loaded, 3)
	assert.ErrorIs(t, notFoundErr, eventstore.ErrStreamNotFound)
	assert.Equal(t, float64(3), metricsSpy.ValueTotal("eventstore_events_loaded_total", nil))
	assert.True(t, metricsSpy.HasDurationRecord("eventstore_load_duration_seconds", map[string]string{"status": "success"}))
	assert.True(t, tracingSpy.HasSpanRecordForName("eventstore.load").
		WithStatus("success").
		WithStartAttribute("stream_match", eventstore.MatchExactStream.String()).
		Assert())
	assert.True(t, tracingSpy.HasSpanRecordForName("eventstore.load").WithStatus("not_found").Assert())
}

func Test_Observability_Reserve_CountsOutcomes(t *testing.T) {
	// setup
	ctx := context.Background()
	metricsSpy := testdoubles.NewMetricsCollectorSpy()
	tracingSpy := testdoubles.NewTracingCollectorSpy()

	wrapper := pgtesthelpers.CreateWrapper(t,
		postgresengine.WithLockTimeout(20*time.Millisecond),
		postgresengine.WithMetrics(metricsSpy),
		postgresengine.WithTracing(tracingSpy),
	)

	// arrange
	held := givenReservation(t, ctx, wrapper.AppliedEventsStorage, "projection")

	// act
	result, err := wrapper.AppliedEventsStorage.ReserveHighestAppliedEventSequenceNumber(ctx, "projection")

	// assert
	require.NoError(t, err)
	assert.True(t, result.IsUnavailable())
	assert.Equal(t, 1, metricsSpy.CounterTotal("eventstore_reservations_total", map[string]string{"outcome": "reserved"}))
	assert.Equal(t, 1, metricsSpy.CounterTotal("eventstore_reservations_total", map[string]string{"outcome": "unavailable"}))
	assert.True(t, tracingSpy.HasSpanRecordForName("eventstore.reserve").
		WithStatus("unavailable").
		WithStartAttribute("listener_id", "projection").
		Assert())
	assert.NoError(t, held.Rollback(ctx))
}
