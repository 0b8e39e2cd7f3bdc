package eventlistener

import (
	"fmt"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

// KnownEventTypes is the part of eventstore.EventNormalizer the Registry validates against.
type KnownEventTypes interface {
	IsKnownEventType(eventType string) bool
}

// Registry is the explicit, validated list of listeners of a process.
// It is immutable after construction and safe for concurrent use.
type Registry struct {
	listeners []Listener
	byID      map[string]Listener
}

// NewRegistry validates that listener ids are unique and that every handled event type is known.
func NewRegistry(knownEventTypes KnownEventTypes, listeners ...Listener) (*Registry, error) {
	if knownEventTypes == nil {
		return nil, eventstore.ErrNilNormalizer
	}

	registry := &Registry{
		listeners: make([]Listener, 0, len(listeners)),
		byID:      make(map[string]Listener, len(listeners)),
	}

	for _, listener := range listeners {
		if listener.ID() == "" {
			return nil, ErrEmptyListenerID
		}

		if _, exists := registry.byID[listener.ID()]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateListenerID, listener.ID())
		}

		for _, eventType := range listener.HandledEventTypes() {
			if !knownEventTypes.IsKnownEventType(eventType) {
				return nil, fmt.Errorf("%w: %s handles %s", ErrUnknownHandledType, listener.ID(), eventType)
			}
		}

		registry.listeners = append(registry.listeners, listener)
		registry.byID[listener.ID()] = listener
	}

	return registry, nil
}

// Listeners returns all listeners in registration order.
func (r *Registry) Listeners() []Listener {
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)

	return listeners
}

func (r *Registry) Get(listenerID string) (Listener, bool) {
	listener, ok := r.byID[listenerID]

	return listener, ok
}

// InterestedIn returns the listeners that may be concerned by events committed to streamName.
func (r *Registry) InterestedIn(streamName eventstore.StreamName, committed []eventstore.RawEvent) []Listener {
	interested := make([]Listener, 0)

	for _, listener := range r.listeners {
		if listener.IsInterestedIn(streamName, committed) {
			interested = append(interested, listener)
		}
	}

	return interested
}
