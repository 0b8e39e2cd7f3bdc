package eventstore

import (
	"slices"
)

// StreamConstraint tells a storage backend how to match the stream part of an EventStreamFilter.
type StreamConstraint int

const (
	// MatchAnyStream matches events of all streams.
	MatchAnyStream StreamConstraint = iota

	// MatchExactStream matches events whose stream name equals the filter value.
	MatchExactStream

	// MatchStreamPrefix matches events whose stream name starts with the filter value.
	MatchStreamPrefix

	// MatchCorrelationID matches events whose metadata carries the filter value as correlation id.
	MatchCorrelationID
)

func (c StreamConstraint) String() string {
	switch c {
	case MatchAnyStream:
		return "any_stream"
	case MatchExactStream:
		return "exact_stream"
	case MatchStreamPrefix:
		return "stream_prefix"
	case MatchCorrelationID:
		return "correlation_id"
	default:
		return "unknown"
	}
}

/***** EventStreamFilter *****/

// EventStreamFilter describes a read query against an EventStorage.
//
// The stream part (StreamConstraint + StreamValue) decides whether a stream exists at all.
// Event types and the minimum sequence number only narrow the result and never cause ErrStreamNotFound.
type EventStreamFilter struct {
	streamConstraint      StreamConstraint
	streamValue           string
	eventTypes            []string
	minimumSequenceNumber int64
}

func (f EventStreamFilter) StreamConstraint() StreamConstraint {
	return f.streamConstraint
}

// StreamValue is the stream name, prefix or correlation id, depending on StreamConstraint.
func (f EventStreamFilter) StreamValue() string {
	return f.streamValue
}

// EventTypes returns the sorted, de-duplicated event types. Empty means all event types.
func (f EventStreamFilter) EventTypes() []string {
	return f.eventTypes
}

func (f EventStreamFilter) HasEventTypes() bool {
	return len(f.eventTypes) > 0
}

// MinimumSequenceNumber is inclusive.
func (f EventStreamFilter) MinimumSequenceNumber() int64 {
	return f.minimumSequenceNumber
}

// WithMinimumSequenceNumber returns a copy of f starting at sequenceNumber (inclusive).
// Negative values are clamped to 0.
func (f EventStreamFilter) WithMinimumSequenceNumber(sequenceNumber int64) EventStreamFilter {
	f.minimumSequenceNumber = max(sequenceNumber, 0)

	return f
}

/***** StreamFilterBuilder *****/

// StreamFilterBuilder builds an EventStreamFilter. It is designed to only allow useful combinations:
//
//   - one stream constraint (exact name, name prefix, correlation id or all streams)
//   - optionally a non-empty set of event types
//   - optionally a minimum sequence number
type StreamFilterBuilder interface {
	// ForStream derives the stream constraint from any StreamName shape.
	ForStream(streamName StreamName) StreamFilterRefiner

	// ForStreamNamePrefix matches all streams whose name starts with prefix.
	ForStreamNamePrefix(prefix string) StreamFilterRefiner

	// ForCorrelationID matches all events sharing the correlation id.
	ForCorrelationID(correlationID string) StreamFilterRefiner

	// ForAllStreams matches all events in the store.
	ForAllStreams() StreamFilterRefiner
}

type StreamFilterRefiner interface {
	// WithEventTypes restricts the filter to one or multiple event types.
	//
	// It sanitizes the input:
	//	- removing empty event types ("")
	//	- sorting the event types
	//	- removing duplicate event types
	//
	// If nothing is left after sanitizing, Finalize fails with ErrEmptyEventTypeFilter.
	WithEventTypes(eventType string, eventTypes ...string) StreamFilterRefiner

	// WithMinimumSequenceNumber only matches events at or after sequenceNumber.
	WithMinimumSequenceNumber(sequenceNumber int64) StreamFilterRefiner

	// Finalize returns the EventStreamFilter or the first validation error.
	Finalize() (EventStreamFilter, error)
}

// streamFilterBuilder implements all the interfaces of StreamFilterBuilder
type streamFilterBuilder struct {
	filter EventStreamFilter
	err    error
}

// BuildStreamFilter creates a StreamFilterBuilder which must eventually be finalized with Finalize().
func BuildStreamFilter() StreamFilterBuilder {
	return streamFilterBuilder{}
}

// StreamFilterFor is a shortcut for BuildStreamFilter().ForStream(streamName).Finalize().
func StreamFilterFor(streamName StreamName) (EventStreamFilter, error) {
	return BuildStreamFilter().ForStream(streamName).Finalize()
}

func (fb streamFilterBuilder) ForStream(streamName StreamName) StreamFilterRefiner {
	switch {
	case streamName.IsZero():
		fb.err = ErrMissingStreamConstraint

	case streamName.IsAllStreams():
		return fb.ForAllStreams()

	default:
		if category, ok := streamName.Category(); ok {
			return fb.ForStreamNamePrefix(category)
		}

		if correlationID, ok := streamName.CorrelationID(); ok {
			return fb.ForCorrelationID(correlationID)
		}

		fb.filter.streamConstraint = MatchExactStream
		fb.filter.streamValue = streamName.String()
	}

	return fb
}

func (fb streamFilterBuilder) ForStreamNamePrefix(prefix string) StreamFilterRefiner {
	if prefix == "" {
		fb.err = ErrEmptyCategory
	}

	fb.filter.streamConstraint = MatchStreamPrefix
	fb.filter.streamValue = prefix

	return fb
}

func (fb streamFilterBuilder) ForCorrelationID(correlationID string) StreamFilterRefiner {
	if err := validateIdentifier(correlationID, ErrInvalidCorrelationID); err != nil {
		fb.err = err
	}

	fb.filter.streamConstraint = MatchCorrelationID
	fb.filter.streamValue = correlationID

	return fb
}

func (fb streamFilterBuilder) ForAllStreams() StreamFilterRefiner {
	fb.filter.streamConstraint = MatchAnyStream
	fb.filter.streamValue = ""

	return fb
}

func (fb streamFilterBuilder) WithEventTypes(eventType string, eventTypes ...string) StreamFilterRefiner {
	sanitized := fb.sanitizeEventTypes(eventType, eventTypes...)
	if len(sanitized) == 0 && fb.err == nil {
		fb.err = ErrEmptyEventTypeFilter
	}

	fb.filter.eventTypes = sanitized

	return fb
}

func (fb streamFilterBuilder) sanitizeEventTypes(eventType string, eventTypes ...string) []string {
	allEventTypes := append([]string{eventType}, eventTypes...)
	allEventTypes = slices.DeleteFunc(
		allEventTypes,
		func(e string) bool {
			return e == ""
		})
	slices.Sort(allEventTypes)
	allEventTypes = slices.Compact(allEventTypes)
	allEventTypes = slices.Clip(allEventTypes)

	return allEventTypes
}

func (fb streamFilterBuilder) WithMinimumSequenceNumber(sequenceNumber int64) StreamFilterRefiner {
	if sequenceNumber < 0 && fb.err == nil {
		fb.err = ErrNegativeSequenceNumber
	}

	fb.filter.minimumSequenceNumber = sequenceNumber

	return fb
}

func (fb streamFilterBuilder) Finalize() (EventStreamFilter, error) {
	if fb.err != nil {
		return EventStreamFilter{}, fb.err
	}

	return fb.filter, nil
}
