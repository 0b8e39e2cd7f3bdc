package eventstore

import (
	"strings"
)

const (
	virtualStreamSentinel      = "$"
	allStreamsName             = virtualStreamSentinel + "all"
	categoryStreamPrefix       = virtualStreamSentinel + "category:"
	correlationStreamPrefix    = virtualStreamSentinel + "correlation:"
	streamNameShapePlain       = "plain"
	streamNameShapeAll         = "all"
	streamNameShapeCategory    = "category"
	streamNameShapeCorrelation = "correlation"
)

// MaxIdentifierLength bounds event, correlation and causation identifiers.
const MaxIdentifierLength = 255

// StreamName identifies either a plain, writable stream or one of the read-only virtual streams:
//
//   - AllStreams: every event in the store
//   - CategoryStream: every stream whose name starts with the category
//   - CorrelationStream: every event carrying the correlation id in its metadata
//
// Virtual stream names start with "$", which plain stream names may never do.
// The zero value is not a valid StreamName.
type StreamName struct {
	value string
}

// NewStreamName creates a plain StreamName.
func NewStreamName(name string) (StreamName, error) {
	if name == "" {
		return StreamName{}, ErrEmptyStreamName
	}

	if strings.HasPrefix(name, virtualStreamSentinel) {
		return StreamName{}, ErrReservedStreamName
	}

	return StreamName{value: name}, nil
}

// MustStreamName is like NewStreamName but panics on invalid input. Intended for constants and tests.
func MustStreamName(name string) StreamName {
	streamName, err := NewStreamName(name)
	if err != nil {
		panic(err)
	}

	return streamName
}

// AllStreams returns the virtual stream containing every event in the store.
func AllStreams() StreamName {
	return StreamName{value: allStreamsName}
}

// CategoryStream returns the virtual stream of all plain streams whose name starts with category.
func CategoryStream(category string) (StreamName, error) {
	if category == "" {
		return StreamName{}, ErrEmptyCategory
	}

	if strings.HasPrefix(category, virtualStreamSentinel) {
		return StreamName{}, ErrReservedStreamName
	}

	return StreamName{value: categoryStreamPrefix + category}, nil
}

// CorrelationStream returns the virtual stream of all events sharing the correlation id.
func CorrelationStream(correlationID string) (StreamName, error) {
	if err := validateIdentifier(correlationID, ErrInvalidCorrelationID); err != nil {
		return StreamName{}, err
	}

	return StreamName{value: correlationStreamPrefix + correlationID}, nil
}

// StreamNameFromString parses the String() representation of any StreamName shape.
func StreamNameFromString(value string) (StreamName, error) {
	switch {
	case value == allStreamsName:
		return AllStreams(), nil

	case strings.HasPrefix(value, categoryStreamPrefix):
		return CategoryStream(strings.TrimPrefix(value, categoryStreamPrefix))

	case strings.HasPrefix(value, correlationStreamPrefix):
		return CorrelationStream(strings.TrimPrefix(value, correlationStreamPrefix))

	default:
		return NewStreamName(value)
	}
}

func (s StreamName) String() string {
	return s.value
}

// IsZero reports whether s is the zero value.
func (s StreamName) IsZero() bool {
	return s.value == ""
}

// IsVirtual reports whether s is one of the read-only virtual streams.
func (s StreamName) IsVirtual() bool {
	return strings.HasPrefix(s.value, virtualStreamSentinel)
}

func (s StreamName) IsAllStreams() bool {
	return s.value == allStreamsName
}

// Category returns the name prefix of a category stream.
func (s StreamName) Category() (string, bool) {
	if !strings.HasPrefix(s.value, categoryStreamPrefix) {
		return "", false
	}

	return strings.TrimPrefix(s.value, categoryStreamPrefix), true
}

// CorrelationID returns the correlation id of a correlation stream.
func (s StreamName) CorrelationID() (string, bool) {
	if !strings.HasPrefix(s.value, correlationStreamPrefix) {
		return "", false
	}

	return strings.TrimPrefix(s.value, correlationStreamPrefix), true
}

// Shape names the kind of stream, mostly useful for logging.
func (s StreamName) Shape() string {
	switch {
	case s.IsAllStreams():
		return streamNameShapeAll
	case strings.HasPrefix(s.value, categoryStreamPrefix):
		return streamNameShapeCategory
	case strings.HasPrefix(s.value, correlationStreamPrefix):
		return streamNameShapeCorrelation
	default:
		return streamNameShapePlain
	}
}

// Contains reports whether an event committed to the plain stream other would be part of s.
// Correlation streams can not be decided by name alone and report false.
func (s StreamName) Contains(other StreamName) bool {
	if other.IsVirtual() || other.IsZero() {
		return false
	}

	if s.IsAllStreams() {
		return true
	}

	if category, ok := s.Category(); ok {
		return strings.HasPrefix(other.value, category)
	}

	return s.value == other.value
}

func validateIdentifier(identifier string, errOnInvalid error) error {
	if identifier == "" || len(identifier) > MaxIdentifierLength {
		return errOnInvalid
	}

	return nil
}
