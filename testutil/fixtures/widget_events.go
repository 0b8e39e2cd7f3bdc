package fixtures

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

const (
	WidgetCreatedEventType = "Widget.Created"
	WidgetRenamedEventType = "Widget.Renamed"
	WidgetDeletedEventType = "Widget.Deleted"
	widgetStreamPrefix     = "Widget-"
)

type WidgetCreated struct {
	WidgetID string `json:"widgetId"`
	Name     string `json:"name"`
}

type WidgetRenamed struct {
	WidgetID string `json:"widgetId"`
	Name     string `json:"name"`
}

type WidgetDeleted struct {
	WidgetID string `json:"widgetId"`
}

// NewNormalizer returns a JSONNormalizer knowing all Widget events.
func NewNormalizer(t testing.TB) *eventstore.JSONNormalizer {
	normalizer, err := eventstore.NewJSONNormalizer(
		eventstore.RegisterEventType[WidgetCreated](WidgetCreatedEventType),
		eventstore.RegisterEventType[WidgetRenamed](WidgetRenamedEventType),
		eventstore.RegisterEventType[WidgetDeleted](WidgetDeletedEventType),
	)
	require.NoError(t, err, "error in arranging test data")

	return normalizer
}

// WidgetCategory is the stream name prefix shared by all Widget streams.
func WidgetCategory() eventstore.StreamName {
	category, _ := eventstore.CategoryStream(widgetStreamPrefix)

	return category
}

// WidgetStream returns the stream of one widget.
func WidgetStream(widgetID string) eventstore.StreamName {
	return eventstore.MustStreamName(widgetStreamPrefix + widgetID)
}

// GivenUniqueWidgetID returns a fresh id, so tests against a shared database do not interfere.
func GivenUniqueWidgetID(t testing.TB) string {
	id, err := uuid.NewV7()
	require.NoError(t, err, "error in arranging test data")

	return id.String()
}

func FixtureWidgetCreated(widgetID string) WidgetCreated {
	return WidgetCreated{WidgetID: widgetID, Name: "Widget " + widgetID}
}

func FixtureWidgetRenamed(widgetID string, name string) WidgetRenamed {
	return WidgetRenamed{WidgetID: widgetID, Name: name}
}

func FixtureWidgetDeleted(widgetID string) WidgetDeleted {
	return WidgetDeleted{WidgetID: widgetID}
}

// ToWritable normalizes a Widget event into a WritableEvent with a fresh identifier.
func ToWritable(t testing.TB, domainEvent any, metadata eventstore.Metadata) eventstore.WritableEvent {
	normalizer := NewNormalizer(t)

	eventType, err := normalizer.EventTypeFor(domainEvent)
	require.NoError(t, err, "error in arranging test data")

	payload, err := normalizer.Encode(domainEvent)
	require.NoError(t, err, "error in arranging test data")

	id, err := uuid.NewV7()
	require.NoError(t, err, "error in arranging test data")

	event, err := eventstore.BuildWritableEvent(id.String(), eventType, payload, metadata)
	require.NoError(t, err, "error in arranging test data")

	return event
}

// FixtureRecordedAt is a fixed point in time for hand-built RawEvents.
func FixtureRecordedAt() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}
