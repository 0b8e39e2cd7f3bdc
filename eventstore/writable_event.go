package eventstore

import "bytes"

// WritableEvent is an event about to be committed.
//
// It is built on scalars so that storage backends stay agnostic of the domain event implementation.
// Only construct it with BuildWritableEvent.
type WritableEvent struct {
	identifier string
	eventType  string
	payload    []byte
	metadata   Metadata
}

// BuildWritableEvent validates its input and returns a WritableEvent.
//
// Returns an error if identifier or eventType are invalid or if payloadJSON is not valid JSON.
func BuildWritableEvent(identifier string, eventType string, payloadJSON []byte, metadata Metadata) (WritableEvent, error) {
	if err := validateIdentifier(identifier, ErrInvalidEventID); err != nil {
		return WritableEvent{}, err
	}

	if eventType == "" {
		return WritableEvent{}, ErrEmptyEventType
	}

	if !json.Valid(payloadJSON) {
		return WritableEvent{}, ErrInvalidPayloadJSON
	}

	return WritableEvent{
		identifier: identifier,
		eventType:  eventType,
		payload:    bytes.Clone(payloadJSON),
		metadata:   metadata,
	}, nil
}

func (e WritableEvent) Identifier() string {
	return e.identifier
}

func (e WritableEvent) EventType() string {
	return e.eventType
}

// Payload returns a copy of the JSON payload.
func (e WritableEvent) Payload() []byte {
	return bytes.Clone(e.payload)
}

func (e WritableEvent) Metadata() Metadata {
	return e.metadata
}
