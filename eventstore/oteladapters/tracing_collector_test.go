package oteladapters_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore/oteladapters"
	"github.com/neos/Neos.EventSourcing-sub000/testutil/testdoubles"
)

func givenTracingCollector(t *testing.T) (*oteladapters.TracingCollector, *tracetest.InMemoryExporter) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	return oteladapters.NewTracingCollector(provider.Tracer("eventstore-test")), exporter
}

func spanAttribute(span tracetest.SpanStub, key string) (string, bool) {
	for _, attr := range span.Attributes {
		if attr.Key == attribute.Key(key) {
			return attr.Value.AsString(), true
		}
	}

	return "", false
}

func Test_TracingCollector_RecordsStartAndEndAttributes(t *testing.T) {
	// setup
	collector, exporter := givenTracingCollector(t)

	// act
	ctx, spanCtx := collector.StartSpan(context.Background(), "eventstore.commit", map[string]string{
		"operation": "commit",
		"stream":    "Widget-1",
	})
	spanCtx.AddAttribute("expected_version", "-1")
	collector.FinishSpan(spanCtx, "success", map[string]string{"event_count": "2"})

	// assert
	assert.True(t, trace.SpanContextFromContext(ctx).IsValid(), "the returned context carries the span")

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "eventstore.commit", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)

	for key, expected := range map[string]string{
		"operation":        "commit",
		"stream":           "Widget-1",
		"expected_version": "-1",
		"event_count":      "2",
	} {
		actual, found := spanAttribute(spans[0], key)
		assert.True(t, found, key)
		assert.Equal(t, expected, actual, key)
	}
}

func Test_TracingCollector_MapsStatuses(t *testing.T) {
	testCases := []struct {
		status          string
		expectedCode    codes.Code
		expectedOutcome string
	}{
		{status: "success", expectedCode: codes.Ok},
		{status: "error", expectedCode: codes.Error},
		{status: "concurrency_violation", expectedCode: codes.Unset, expectedOutcome: "concurrency_violation"},
		{status: "unavailable", expectedCode: codes.Unset, expectedOutcome: "unavailable"},
		{status: "not_found", expectedCode: codes.Unset, expectedOutcome: "not_found"},
	}

	for _, tc := range testCases {
		t.Run(tc.status, func(t *testing.T) {
			// setup
			collector, exporter := givenTracingCollector(t)

			// act
			_, spanCtx := collector.StartSpan(context.Background(), "eventstore.reserve", nil)
			collector.FinishSpan(spanCtx, tc.status, nil)

			// assert
			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			assert.Equal(t, tc.expectedCode, spans[0].Status.Code)

			outcome, found := spanAttribute(spans[0], "eventstore.outcome")
			assert.Equal(t, tc.expectedOutcome != "", found)
			assert.Equal(t, tc.expectedOutcome, outcome)
		})
	}
}

func Test_TracingCollector_IgnoresForeignSpanContexts(t *testing.T) {
	// setup
	collector, exporter := givenTracingCollector(t)
	_, foreign := testdoubles.NewTracingCollectorSpy().StartSpan(context.Background(), "eventstore.load", nil)

	// act
	collector.FinishSpan(foreign, "success", nil)

	// assert
	assert.Empty(t, exporter.GetSpans())
}
