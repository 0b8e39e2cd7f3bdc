package eventstore

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
)

// EventNormalizer resolves domain events to and from their wire representation.
//
// It must be a stable, collision-free bijection between domain event types and event type names
// for as long as the stored data lives.
type EventNormalizer interface {
	EventTypeFor(domainEvent any) (string, error)
	Encode(domainEvent any) ([]byte, error)
	Decode(eventType string, payload []byte) (any, error)
	IsKnownEventType(eventType string) bool
}

// EventTypeRegistration binds an event type name to a Go type. Create it with RegisterEventType.
type EventTypeRegistration struct {
	eventType string
	goType    reflect.Type
}

// RegisterEventType binds eventType to the Go type T.
// Decoding yields values of type T, never pointers to T.
func RegisterEventType[T any](eventType string) EventTypeRegistration {
	return EventTypeRegistration{eventType: eventType, goType: reflect.TypeFor[T]()}
}

// JSONNormalizer is an EventNormalizer backed by an explicit registry of event types, encoding payloads as JSON.
// It is safe for concurrent use because the registry is immutable after construction.
type JSONNormalizer struct {
	typesByName map[string]reflect.Type
	namesByType map[reflect.Type]string
}

// NewJSONNormalizer validates all registrations eagerly:
// empty names, names registered twice and Go types registered twice are rejected.
func NewJSONNormalizer(registrations ...EventTypeRegistration) (*JSONNormalizer, error) {
	normalizer := &JSONNormalizer{
		typesByName: make(map[string]reflect.Type, len(registrations)),
		namesByType: make(map[reflect.Type]string, len(registrations)),
	}

	for _, registration := range registrations {
		if registration.eventType == "" || registration.goType == nil {
			return nil, ErrEmptyEventType
		}

		if _, exists := normalizer.typesByName[registration.eventType]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEventType, registration.eventType)
		}

		if existing, exists := normalizer.namesByType[registration.goType]; exists {
			return nil, fmt.Errorf("%w: %s is already registered as %s", ErrDuplicateEventType, registration.goType, existing)
		}

		normalizer.typesByName[registration.eventType] = registration.goType
		normalizer.namesByType[registration.goType] = registration.eventType
	}

	return normalizer, nil
}

// EventTypeFor accepts values and pointers of registered types as well as DecoratedEvents wrapping them.
func (n *JSONNormalizer) EventTypeFor(domainEvent any) (string, error) {
	domainEvent = undecorated(domainEvent)
	if domainEvent == nil {
		return "", ErrUnknownEventType
	}

	goType := reflect.TypeOf(domainEvent)
	if name, ok := n.namesByType[goType]; ok {
		return name, nil
	}

	if goType.Kind() == reflect.Pointer {
		if name, ok := n.namesByType[goType.Elem()]; ok {
			return name, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrUnknownEventType, goType)
}

func (n *JSONNormalizer) Encode(domainEvent any) ([]byte, error) {
	domainEvent = undecorated(domainEvent)

	if _, err := n.EventTypeFor(domainEvent); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(domainEvent)
	if err != nil {
		return nil, errors.Join(ErrEncodingEventFailed, err)
	}

	return payload, nil
}

func (n *JSONNormalizer) Decode(eventType string, payload []byte) (any, error) {
	goType, ok := n.typesByName[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	target := reflect.New(goType)
	if err := json.Unmarshal(payload, target.Interface()); err != nil {
		return nil, errors.Join(ErrDecodingEventFailed, err)
	}

	return target.Elem().Interface(), nil
}

func (n *JSONNormalizer) IsKnownEventType(eventType string) bool {
	_, ok := n.typesByName[eventType]

	return ok
}

// KnownEventTypes returns all registered event type names in sorted order.
func (n *JSONNormalizer) KnownEventTypes() []string {
	return slices.Sorted(maps.Keys(n.typesByName))
}

func undecorated(domainEvent any) any {
	switch decorated := domainEvent.(type) {
	case DecoratedEvent:
		return decorated.Event()
	case *DecoratedEvent:
		return decorated.Event()
	default:
		return domainEvent
	}
}

var _ EventNormalizer = (*JSONNormalizer)(nil)
