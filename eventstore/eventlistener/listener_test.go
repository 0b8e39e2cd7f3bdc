package eventlistener_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
	"github.com/neos/Neos.EventSourcing-sub000/eventstore/eventlistener"
	"github.com/neos/Neos.EventSourcing-sub000/testutil/fixtures"
)

func noopHandler(_ context.Context, _ any, _ eventstore.RawEvent) error {
	return nil
}

func Test_Define_Build_ValidListener(t *testing.T) {
	// act
	listener, err := eventlistener.Define("widget-names").
		ScopedTo(fixtures.WidgetCategory()).
		Handle(fixtures.WidgetRenamedEventType, noopHandler).
		Handle(fixtures.WidgetCreatedEventType, noopHandler).
		Build()

	// assert
	require.NoError(t, err)
	assert.Equal(t, "widget-names", listener.ID())
	assert.Equal(t, fixtures.WidgetCategory(), listener.Scope())
	assert.Equal(t, []string{fixtures.WidgetCreatedEventType, fixtures.WidgetRenamedEventType}, listener.HandledEventTypes())

	_, ok := listener.Handler(fixtures.WidgetCreatedEventType)
	assert.True(t, ok)

	_, ok = listener.Handler(fixtures.WidgetDeletedEventType)
	assert.False(t, ok)
}

func Test_Define_Build_DefaultsToAllStreams(t *testing.T) {
	// act
	listener, err := eventlistener.Define("everything").
		Handle(fixtures.WidgetCreatedEventType, noopHandler).
		Build()

	// assert
	require.NoError(t, err)
	assert.True(t, listener.Scope().IsAllStreams())
}

func Test_Define_Build_InvalidDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		build       func() (eventlistener.Listener, error)
		expectedErr error
	}{
		{
			name: "empty listener id",
			build: func() (eventlistener.Listener, error) {
				return eventlistener.Define("").Handle(fixtures.WidgetCreatedEventType, noopHandler).Build()
			},
			expectedErr: eventlistener.ErrEmptyListenerID,
		},
		{
			name: "no handlers",
			build: func() (eventlistener.Listener, error) {
				return eventlistener.Define("listener").Build()
			},
			expectedErr: eventlistener.ErrNoHandlers,
		},
		{
			name: "nil handler",
			build: func() (eventlistener.Listener, error) {
				return eventlistener.Define("listener").Handle(fixtures.WidgetCreatedEventType, nil).Build()
			},
			expectedErr: eventlistener.ErrNilHandler,
		},
		{
			name: "empty event type",
			build: func() (eventlistener.Listener, error) {
				return eventlistener.Define("listener").Handle("", noopHandler).Build()
			},
			expectedErr: eventstore.ErrEmptyEventType,
		},
		{
			name: "event type handled twice",
			build: func() (eventlistener.Listener, error) {
				return eventlistener.Define("listener").
					Handle(fixtures.WidgetCreatedEventType, noopHandler).
					Handle(fixtures.WidgetCreatedEventType, noopHandler).
					Build()
			},
			expectedErr: eventlistener.ErrDuplicateHandler,
		},
		{
			name: "zero scope",
			build: func() (eventlistener.Listener, error) {
				return eventlistener.Define("listener").
					ScopedTo(eventstore.StreamName{}).
					Handle(fixtures.WidgetCreatedEventType, noopHandler).
					Build()
			},
			expectedErr: eventstore.ErrEmptyStreamName,
		},
		{
			name: "nil hook",
			build: func() (eventlistener.Listener, error) {
				return eventlistener.Define("listener").
					Handle(fixtures.WidgetCreatedEventType, noopHandler).
					BeforeInvoke(nil).
					Build()
			},
			expectedErr: eventlistener.ErrNilHandler,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// act
			_, err := tc.build()

			// assert
			assert.ErrorIs(t, err, tc.expectedErr)
			assert.ErrorIs(t, err, eventstore.ErrInvalidConfiguration)
		})
	}
}

func Test_Listener_IsInterestedIn(t *testing.T) {
	// arrange
	widgetID := fixtures.GivenUniqueWidgetID(t)
	widgetStream := fixtures.WidgetStream(widgetID)
	otherStream := eventstore.MustStreamName("Gadget-" + widgetID)

	correlationStream, err := eventstore.CorrelationStream("corr-1")
	require.NoError(t, err)

	correlated := givenRawEventWithMetadata(t, widgetStream, eventstore.NewMetadata(map[string]any{
		eventstore.MetadataKeyCorrelationID: "corr-1",
	}))
	uncorrelated := givenRawEventWithMetadata(t, widgetStream, eventstore.Metadata{})

	build := func(scope eventstore.StreamName) eventlistener.Listener {
		listener, buildErr := eventlistener.Define("listener").
			ScopedTo(scope).
			Handle(fixtures.WidgetCreatedEventType, noopHandler).
			Build()
		require.NoError(t, buildErr)

		return listener
	}

	// act / assert
	assert.True(t, build(eventstore.AllStreams()).IsInterestedIn(otherStream, nil))
	assert.True(t, build(fixtures.WidgetCategory()).IsInterestedIn(widgetStream, nil))
	assert.False(t, build(fixtures.WidgetCategory()).IsInterestedIn(otherStream, nil))
	assert.True(t, build(widgetStream).IsInterestedIn(widgetStream, nil))
	assert.False(t, build(widgetStream).IsInterestedIn(otherStream, nil))
	assert.True(t, build(correlationStream).IsInterestedIn(widgetStream, nil))
	assert.True(t, build(correlationStream).IsInterestedIn(widgetStream, []eventstore.RawEvent{uncorrelated, correlated}))
	assert.False(t, build(correlationStream).IsInterestedIn(widgetStream, []eventstore.RawEvent{uncorrelated}))
}

func Test_Typed_RejectsUnexpectedEventValue(t *testing.T) {
	// arrange
	called := false
	handler := eventlistener.Typed(func(_ context.Context, _ fixtures.WidgetCreated, _ eventstore.RawEvent) error {
		called = true
		return nil
	})
	rawEvent := givenRawEventWithMetadata(t, fixtures.WidgetStream("1"), eventstore.Metadata{})

	// act
	wrongTypeErr := handler(context.Background(), fixtures.FixtureWidgetDeleted("1"), rawEvent)
	rightTypeErr := handler(context.Background(), fixtures.FixtureWidgetCreated("1"), rawEvent)

	// assert
	assert.ErrorIs(t, wrongTypeErr, eventlistener.ErrUnexpectedEventValue)
	assert.NoError(t, rightTypeErr)
	assert.True(t, called)
}

func givenRawEventWithMetadata(t *testing.T, streamName eventstore.StreamName, metadata eventstore.Metadata) eventstore.RawEvent {
	t.Helper()

	rawEvent, err := eventstore.BuildRawEvent(
		1,
		streamName.String(),
		0,
		fixtures.WidgetCreatedEventType,
		[]byte(`{"widgetId":"1","name":"Widget 1"}`),
		metadata,
		fixtures.GivenUniqueWidgetID(t),
		fixtures.FixtureRecordedAt(),
	)
	require.NoError(t, err, "error in arranging test data")

	return rawEvent
}
