package eventstore

// DecoratedEvent wraps a domain event with metadata and an optional event identifier
// that the EventStore applies when committing it.
//
// Decorating an already decorated event merges onto the existing decoration instead of nesting,
// so there is always exactly one envelope around the domain event.
type DecoratedEvent struct {
	event      any
	metadata   Metadata
	identifier string
}

// Decorate wraps event. If event already is a DecoratedEvent it is returned as is.
func Decorate(event any) DecoratedEvent {
	switch decorated := event.(type) {
	case DecoratedEvent:
		return decorated
	case *DecoratedEvent:
		return *decorated
	default:
		return DecoratedEvent{event: event}
	}
}

// DecorateWithMetadata wraps event and merges metadata into the decoration.
func DecorateWithMetadata(event any, metadata Metadata) DecoratedEvent {
	return Decorate(event).WithMetadata(metadata)
}

// DecorateWithCorrelationID wraps event and sets its correlation id.
func DecorateWithCorrelationID(event any, correlationID string) (DecoratedEvent, error) {
	return Decorate(event).WithCorrelationID(correlationID)
}

// DecorateWithCausationID wraps event and sets its causation id.
func DecorateWithCausationID(event any, causationID string) (DecoratedEvent, error) {
	return Decorate(event).WithCausationID(causationID)
}

// WithMetadata returns a copy with metadata merged on top of the existing metadata.
func (d DecoratedEvent) WithMetadata(metadata Metadata) DecoratedEvent {
	d.metadata = d.metadata.Merge(metadata)

	return d
}

func (d DecoratedEvent) WithCorrelationID(correlationID string) (DecoratedEvent, error) {
	if err := validateIdentifier(correlationID, ErrInvalidCorrelationID); err != nil {
		return DecoratedEvent{}, err
	}

	d.metadata = d.metadata.With(MetadataKeyCorrelationID, correlationID)

	return d, nil
}

func (d DecoratedEvent) WithCausationID(causationID string) (DecoratedEvent, error) {
	if err := validateIdentifier(causationID, ErrInvalidCausationID); err != nil {
		return DecoratedEvent{}, err
	}

	d.metadata = d.metadata.With(MetadataKeyCausationID, causationID)

	return d, nil
}

// WithIdentifier fixes the event identifier instead of letting the EventStore generate one.
func (d DecoratedEvent) WithIdentifier(identifier string) (DecoratedEvent, error) {
	if err := validateIdentifier(identifier, ErrInvalidEventID); err != nil {
		return DecoratedEvent{}, err
	}

	d.identifier = identifier

	return d, nil
}

// Event returns the undecorated domain event.
func (d DecoratedEvent) Event() any {
	return d.event
}

func (d DecoratedEvent) Metadata() Metadata {
	return d.metadata
}

// Identifier returns the fixed identifier or "" if none was set.
func (d DecoratedEvent) Identifier() string {
	return d.identifier
}
