package oteladapters_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore/oteladapters"
)

// recordingLogger is an OpenTelemetry log.Logger keeping every emitted record.
type recordingLogger struct {
	noop.Logger
	mu      sync.Mutex
	records []log.Record
}

func (l *recordingLogger) Emit(_ context.Context, record log.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, record.Clone())
}

func recordAttributes(record log.Record) map[string]log.Value {
	attrs := map[string]log.Value{}
	record.WalkAttributes(func(kv log.KeyValue) bool {
		attrs[kv.Key] = kv.Value
		return true
	})

	return attrs
}

func Test_SlogBridgeLoggerWithHandler_WritesAllLevels(t *testing.T) {
	// setup
	var buf bytes.Buffer
	logger := oteladapters.NewSlogBridgeLoggerWithHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := context.Background()

	// act
	logger.DebugContext(ctx, "eventstore: executed sql for commit", "query", "SELECT 1")
	logger.InfoContext(ctx, "eventstore: events committed", "event_count", 2)
	logger.WarnContext(ctx, "eventstore: concurrency violation on commit", "expected_version", "0")
	logger.ErrorContext(ctx, "eventstore: applied events ledger operation failed", "listener_id", "widgets")

	// assert
	output := buf.String()
	assert.Contains(t, output, `"level":"DEBUG"`)
	assert.Contains(t, output, `"level":"INFO"`)
	assert.Contains(t, output, `"level":"WARN"`)
	assert.Contains(t, output, `"level":"ERROR"`)
	assert.Contains(t, output, `"event_count":2`)
	assert.Contains(t, output, `"listener_id":"widgets"`)
}

func Test_SlogBridgeLogger_AcceptsTracedContexts(t *testing.T) {
	// setup
	provider := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	ctx, span := provider.Tracer("eventstore-test").Start(context.Background(), "eventstore.commit")
	defer span.End()

	logger := oteladapters.NewSlogBridgeLogger("eventstore-test")

	// act & assert
	assert.NotPanics(t, func() {
		logger.InfoContext(ctx, "eventstore: events committed", "event_count", 1)
	})
}

func Test_OTelLogger_EmitsSeverityBodyAndTypedAttributes(t *testing.T) {
	// setup
	recorder := &recordingLogger{}
	logger := oteladapters.NewOTelLogger(recorder)

	// act
	logger.WarnContext(context.Background(), "eventlistener: reservation taken over by another process",
		"listener_id", "widgets",
		"sequence_number", int64(42),
		"applied_events", 3,
		"strong", true,
		"error", errors.New("boom"),
		"dangling")

	// assert
	require.Len(t, recorder.records, 1)
	record := recorder.records[0]

	assert.Equal(t, log.SeverityWarn, record.Severity())
	assert.Equal(t, "eventlistener: reservation taken over by another process", record.Body().AsString())

	attrs := recordAttributes(record)
	assert.Len(t, attrs, 5)
	assert.Equal(t, "widgets", attrs["listener_id"].AsString())
	assert.Equal(t, int64(42), attrs["sequence_number"].AsInt64())
	assert.Equal(t, int64(3), attrs["applied_events"].AsInt64())
	assert.True(t, attrs["strong"].AsBool())
	assert.Equal(t, "boom", attrs["error"].AsString())
}

func Test_OTelLogger_MapsLevels(t *testing.T) {
	// setup
	recorder := &recordingLogger{}
	logger := oteladapters.NewOTelLogger(recorder)
	ctx := context.Background()

	// act
	logger.DebugContext(ctx, "debug")
	logger.InfoContext(ctx, "info")
	logger.WarnContext(ctx, "warn")
	logger.ErrorContext(ctx, "error")

	// assert
	require.Len(t, recorder.records, 4)
	assert.Equal(t, log.SeverityDebug, recorder.records[0].Severity())
	assert.Equal(t, log.SeverityInfo, recorder.records[1].Severity())
	assert.Equal(t, log.SeverityWarn, recorder.records[2].Severity())
	assert.Equal(t, log.SeverityError, recorder.records[3].Severity())
}
