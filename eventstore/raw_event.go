package eventstore

import (
	"bytes"
	"time"
)

// RawEvent is a committed, persisted event as read back from an EventStorage.
// It is immutable, so it can be handed to listeners and dispatchers without copying.
type RawEvent struct {
	sequenceNumber int64
	streamName     StreamName
	version        int64
	eventType      string
	payload        []byte
	metadata       Metadata
	identifier     string
	recordedAt     time.Time
}

// BuildRawEvent is the factory storage backends use to turn a row into a RawEvent.
//
// Returns an error if the stream name is not a plain stream name or payloadJSON is not valid JSON.
func BuildRawEvent(
	sequenceNumber int64,
	streamName string,
	version int64,
	eventType string,
	payloadJSON []byte,
	metadata Metadata,
	identifier string,
	recordedAt time.Time,
) (RawEvent, error) {

	stream, err := NewStreamName(streamName)
	if err != nil {
		return RawEvent{}, err
	}

	if !json.Valid(payloadJSON) {
		return RawEvent{}, ErrInvalidPayloadJSON
	}

	return RawEvent{
		sequenceNumber: sequenceNumber,
		streamName:     stream,
		version:        version,
		eventType:      eventType,
		payload:        bytes.Clone(payloadJSON),
		metadata:       metadata,
		identifier:     identifier,
		recordedAt:     recordedAt,
	}, nil
}

// SequenceNumber is the global position of the event across all streams.
func (e RawEvent) SequenceNumber() int64 {
	return e.sequenceNumber
}

func (e RawEvent) StreamName() StreamName {
	return e.streamName
}

// Version is the 0-based position of the event within its own stream.
func (e RawEvent) Version() int64 {
	return e.version
}

func (e RawEvent) EventType() string {
	return e.eventType
}

// Payload returns a copy of the JSON payload.
func (e RawEvent) Payload() []byte {
	return bytes.Clone(e.payload)
}

func (e RawEvent) Metadata() Metadata {
	return e.metadata
}

func (e RawEvent) Identifier() string {
	return e.identifier
}

func (e RawEvent) RecordedAt() time.Time {
	return e.recordedAt
}

// EventEnvelope pairs a decoded domain event with the RawEvent it was decoded from.
type EventEnvelope struct {
	domainEvent any
	rawEvent    RawEvent
}

func NewEventEnvelope(domainEvent any, rawEvent RawEvent) EventEnvelope {
	return EventEnvelope{domainEvent: domainEvent, rawEvent: rawEvent}
}

func (e EventEnvelope) DomainEvent() any {
	return e.domainEvent
}

func (e EventEnvelope) RawEvent() RawEvent {
	return e.rawEvent
}
