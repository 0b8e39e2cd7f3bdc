package eventstore

import (
	"context"
	"errors"
	"iter"

	"github.com/google/uuid"
)

const (
	logMsgEventsCommitted  = "eventstore: events committed"
	logMsgDispatchFailed   = "eventstore: dispatching committed events failed"
	logMsgCommitFailed     = "eventstore: commit failed"
	logAttrStream          = "stream"
	logAttrEventCount      = "event_count"
	logAttrExpectedVersion = "expected_version"
	logAttrError           = "error"
)

// EventStore is the entry point for applications: it converts domain events through an EventNormalizer,
// delegates to an EventStorage and notifies a Dispatcher after successful commits.
type EventStore struct {
	storage          EventStorage
	normalizer       EventNormalizer
	dispatcher       Dispatcher
	logger           Logger
	contextualLogger ContextualLogger
	newEventID       func() (string, error)
}

// Option defines a functional option for configuring EventStore.
type Option func(*EventStore) error

// WithDispatcher sets the Dispatcher that is notified after every successful commit.
func WithDispatcher(dispatcher Dispatcher) Option {
	return func(es *EventStore) error {
		es.dispatcher = dispatcher
		return nil
	}
}

// WithLogger sets the logger for the EventStore.
func WithLogger(logger Logger) Option {
	return func(es *EventStore) error {
		es.logger = logger
		return nil
	}
}

// WithContextualLogger sets a context-aware logger, which takes precedence over the one set with WithLogger.
func WithContextualLogger(logger ContextualLogger) Option {
	return func(es *EventStore) error {
		es.contextualLogger = logger
		return nil
	}
}

// WithEventIDGenerator replaces the default UUIDv7 event identifiers.
func WithEventIDGenerator(generator func() (string, error)) Option {
	return func(es *EventStore) error {
		if generator == nil {
			return ErrInvalidConfiguration
		}

		es.newEventID = generator

		return nil
	}
}

// NewEventStore creates an EventStore with optional configuration.
func NewEventStore(storage EventStorage, normalizer EventNormalizer, options ...Option) (*EventStore, error) {
	if storage == nil {
		return nil, ErrNilStorage
	}

	if normalizer == nil {
		return nil, ErrNilNormalizer
	}

	es := &EventStore{
		storage:    storage,
		normalizer: normalizer,
		newEventID: newUUIDv7,
	}

	for _, option := range options {
		if err := option(es); err != nil {
			return nil, err
		}
	}

	return es, nil
}

// Load returns the decoded events of streamName, which may be a plain or a virtual stream.
//
// Returns ErrStreamNotFound if the stream was never written to.
// Decoding happens lazily, a decoding error is yielded by the sequence.
func (es *EventStore) Load(ctx context.Context, streamName StreamName) (iter.Seq2[EventEnvelope, error], error) {
	return es.LoadFrom(ctx, streamName, 0)
}

// LoadFrom is like Load but only yields events at or after minimumSequenceNumber.
// A stream that exists but has no events from that position on yields an empty sequence.
func (es *EventStore) LoadFrom(
	ctx context.Context,
	streamName StreamName,
	minimumSequenceNumber int64,
) (iter.Seq2[EventEnvelope, error], error) {

	filter, err := BuildStreamFilter().
		ForStream(streamName).
		WithMinimumSequenceNumber(minimumSequenceNumber).
		Finalize()
	if err != nil {
		return nil, err
	}

	return es.LoadFiltered(ctx, filter)
}

// LoadFiltered returns the decoded events matching filter.
func (es *EventStore) LoadFiltered(ctx context.Context, filter EventStreamFilter) (iter.Seq2[EventEnvelope, error], error) {
	rawEvents, err := es.LoadRaw(ctx, filter)
	if err != nil {
		return nil, err
	}

	return func(yield func(EventEnvelope, error) bool) {
		for rawEvent, err := range rawEvents {
			if err != nil {
				yield(EventEnvelope{}, err)
				return
			}

			domainEvent, err := es.Decode(rawEvent)
			if err != nil {
				yield(EventEnvelope{}, err)
				return
			}

			if !yield(NewEventEnvelope(domainEvent, rawEvent), nil) {
				return
			}
		}
	}, nil
}

// LoadRaw returns the undecoded events matching filter.
func (es *EventStore) LoadRaw(ctx context.Context, filter EventStreamFilter) (iter.Seq2[RawEvent, error], error) {
	return es.storage.Load(ctx, filter)
}

// Decode turns a RawEvent back into its domain event.
func (es *EventStore) Decode(rawEvent RawEvent) (any, error) {
	return es.normalizer.Decode(rawEvent.EventType(), rawEvent.Payload())
}

// Commit normalizes domainEvents and appends them to the plain stream streamName.
// Domain events may be wrapped with Decorate to attach metadata or a fixed identifier.
//
// Committing an empty slice is a no-op and dispatches nothing.
// Returns ErrConcurrencyViolation if the stream's version does not satisfy expectedVersion.
// If the commit succeeded but dispatching failed, the committed events are returned
// together with an error matching ErrDispatchFailed.
func (es *EventStore) Commit(
	ctx context.Context,
	streamName StreamName,
	domainEvents []any,
	expectedVersion ExpectedVersion,
) ([]RawEvent, error) {

	if streamName.IsZero() {
		return nil, ErrEmptyStreamName
	}

	if streamName.IsVirtual() {
		return nil, ErrVirtualStreamNotWritable
	}

	if !expectedVersion.IsValid() {
		return nil, ErrInvalidExpectedVersion
	}

	if len(domainEvents) == 0 {
		return nil, nil
	}

	writableEvents, err := es.normalize(domainEvents)
	if err != nil {
		return nil, err
	}

	committed, err := es.storage.Commit(ctx, streamName, writableEvents, expectedVersion)
	if err != nil {
		es.logWarn(ctx, logMsgCommitFailed,
			logAttrStream, streamName.String(),
			logAttrExpectedVersion, expectedVersion.String(),
			logAttrError, err.Error())

		return nil, err
	}

	es.logInfo(ctx, logMsgEventsCommitted, logAttrStream, streamName.String(), logAttrEventCount, len(committed))

	if es.dispatcher != nil {
		if dispatchErr := es.dispatcher.Dispatch(ctx, streamName, committed); dispatchErr != nil {
			es.logWarn(ctx, logMsgDispatchFailed, logAttrStream, streamName.String(), logAttrError, dispatchErr.Error())

			return committed, errors.Join(ErrDispatchFailed, dispatchErr)
		}
	}

	return committed, nil
}

// Setup provisions the storage schema.
func (es *EventStore) Setup(ctx context.Context) Result {
	return es.storage.Setup(ctx)
}

// Status checks the storage health.
func (es *EventStore) Status(ctx context.Context) Result {
	return es.storage.Status(ctx)
}

func (es *EventStore) normalize(domainEvents []any) ([]WritableEvent, error) {
	writableEvents := make([]WritableEvent, 0, len(domainEvents))

	for _, domainEvent := range domainEvents {
		decorated := Decorate(domainEvent)

		eventType, err := es.normalizer.EventTypeFor(decorated.Event())
		if err != nil {
			return nil, err
		}

		payload, err := es.normalizer.Encode(decorated.Event())
		if err != nil {
			return nil, err
		}

		identifier := decorated.Identifier()
		if identifier == "" {
			if identifier, err = es.newEventID(); err != nil {
				return nil, err
			}
		}

		writableEvent, err := BuildWritableEvent(identifier, eventType, payload, decorated.Metadata())
		if err != nil {
			return nil, err
		}

		writableEvents = append(writableEvents, writableEvent)
	}

	return writableEvents, nil
}

func (es *EventStore) logInfo(ctx context.Context, msg string, args ...any) {
	if es.contextualLogger != nil {
		es.contextualLogger.InfoContext(ctx, msg, args...)
		return
	}

	if es.logger != nil {
		es.logger.Info(msg, args...)
	}
}

func (es *EventStore) logWarn(ctx context.Context, msg string, args ...any) {
	if es.contextualLogger != nil {
		es.contextualLogger.WarnContext(ctx, msg, args...)
		return
	}

	if es.logger != nil {
		es.logger.Warn(msg, args...)
	}
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	return id.String(), nil
}
