package eventlistener

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

var (
	ErrEmptyListenerID      = fmt.Errorf("%w: empty listener id", eventstore.ErrInvalidConfiguration)
	ErrNilHandler           = fmt.Errorf("%w: handler must not be nil", eventstore.ErrInvalidConfiguration)
	ErrDuplicateHandler     = fmt.Errorf("%w: event type is handled more than once", eventstore.ErrInvalidConfiguration)
	ErrNoHandlers           = fmt.Errorf("%w: listener handles no event types", eventstore.ErrInvalidConfiguration)
	ErrDuplicateListenerID  = fmt.Errorf("%w: listener id registered more than once", eventstore.ErrInvalidConfiguration)
	ErrUnknownHandledType   = fmt.Errorf("%w: listener handles an event type unknown to the normalizer", eventstore.ErrInvalidConfiguration)
	ErrUnexpectedEventValue = errors.New("event value does not have the type the handler expects")
)

// HandlerFunc applies one event to a listener.
type HandlerFunc func(ctx context.Context, domainEvent any, rawEvent eventstore.RawEvent) error

// HookFunc runs before or after every handled event.
type HookFunc func(ctx context.Context, domainEvent any, rawEvent eventstore.RawEvent) error

// Typed adapts a handler for a concrete event type T.
// Decoded events of another type fail with ErrUnexpectedEventValue.
func Typed[T any](handler func(ctx context.Context, event T, rawEvent eventstore.RawEvent) error) HandlerFunc {
	return func(ctx context.Context, domainEvent any, rawEvent eventstore.RawEvent) error {
		event, ok := domainEvent.(T)
		if !ok {
			return fmt.Errorf("%w: got %T for %s", ErrUnexpectedEventValue, domainEvent, rawEvent.EventType())
		}

		return handler(ctx, event, rawEvent)
	}
}

// Listener is an immutable listener definition. Build it with Define.
type Listener struct {
	id          string
	scope       eventstore.StreamName
	handlers    map[string]HandlerFunc
	beforeHooks []HookFunc
	afterHooks  []HookFunc
}

func (l Listener) ID() string {
	return l.id
}

// Scope is the stream the listener catches up on, AllStreams unless ScopedTo was used.
func (l Listener) Scope() eventstore.StreamName {
	return l.scope
}

// HandledEventTypes returns the handled event types in sorted order.
func (l Listener) HandledEventTypes() []string {
	return slices.Sorted(maps.Keys(l.handlers))
}

// Handler returns the handler for eventType.
func (l Listener) Handler(eventType string) (HandlerFunc, bool) {
	handler, ok := l.handlers[eventType]

	return handler, ok
}

// IsInterestedIn reports whether events committed to the plain stream streamName may concern the listener.
// Correlation scoped listeners are decided by the committed events' metadata.
// Without events they are conservatively considered interested.
func (l Listener) IsInterestedIn(streamName eventstore.StreamName, committed []eventstore.RawEvent) bool {
	correlationID, isCorrelationScoped := l.scope.CorrelationID()
	if !isCorrelationScoped {
		return l.scope.Contains(streamName)
	}

	if len(committed) == 0 {
		return true
	}

	return slices.ContainsFunc(committed, func(event eventstore.RawEvent) bool {
		return event.Metadata().CorrelationID() == correlationID
	})
}

func (l Listener) apply(ctx context.Context, handler HandlerFunc, domainEvent any, rawEvent eventstore.RawEvent) error {
	for _, hook := range l.beforeHooks {
		if err := hook(ctx, domainEvent, rawEvent); err != nil {
			return err
		}
	}

	if err := handler(ctx, domainEvent, rawEvent); err != nil {
		return err
	}

	for _, hook := range l.afterHooks {
		if err := hook(ctx, domainEvent, rawEvent); err != nil {
			return err
		}
	}

	return nil
}

/***** Builder *****/

// Builder collects a listener definition. Errors are reported by Build.
type Builder struct {
	listener Listener
	err      error
}

// Define starts a listener definition. The id identifies the listener's progress in the ledger,
// so it must stay stable across deployments.
func Define(id string) *Builder {
	b := &Builder{
		listener: Listener{
			id:       id,
			scope:    eventstore.AllStreams(),
			handlers: make(map[string]HandlerFunc),
		},
	}

	if id == "" {
		b.err = ErrEmptyListenerID
	}

	return b
}

// ScopedTo restricts the listener to one stream, which may be virtual.
func (b *Builder) ScopedTo(streamName eventstore.StreamName) *Builder {
	if streamName.IsZero() && b.err == nil {
		b.err = eventstore.ErrEmptyStreamName
	}

	b.listener.scope = streamName

	return b
}

// Handle registers handler for eventType.
func (b *Builder) Handle(eventType string, handler HandlerFunc) *Builder {
	switch {
	case b.err != nil:
		return b
	case eventType == "":
		b.err = eventstore.ErrEmptyEventType
	case handler == nil:
		b.err = fmt.Errorf("%w: %s", ErrNilHandler, eventType)
	default:
		if _, exists := b.listener.handlers[eventType]; exists {
			b.err = fmt.Errorf("%w: %s", ErrDuplicateHandler, eventType)
			return b
		}

		b.listener.handlers[eventType] = handler
	}

	return b
}

// BeforeInvoke registers a hook running before every handled event.
func (b *Builder) BeforeInvoke(hook HookFunc) *Builder {
	if hook == nil && b.err == nil {
		b.err = ErrNilHandler
	}

	b.listener.beforeHooks = append(b.listener.beforeHooks, hook)

	return b
}

// AfterInvoke registers a hook running after every successfully handled event.
func (b *Builder) AfterInvoke(hook HookFunc) *Builder {
	if hook == nil && b.err == nil {
		b.err = ErrNilHandler
	}

	b.listener.afterHooks = append(b.listener.afterHooks, hook)

	return b
}

func (b *Builder) Build() (Listener, error) {
	if b.err != nil {
		return Listener{}, b.err
	}

	if len(b.listener.handlers) == 0 {
		return Listener{}, ErrNoHandlers
	}

	listener := b.listener
	listener.handlers = maps.Clone(b.listener.handlers)
	listener.beforeHooks = slices.Clone(b.listener.beforeHooks)
	listener.afterHooks = slices.Clone(b.listener.afterHooks)

	return listener, nil
}
