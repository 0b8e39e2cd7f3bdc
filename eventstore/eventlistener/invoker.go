package eventlistener

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

const (
	logMsgReservationUnavailable = "eventlistener: reservation unavailable, skipping catch-up"
	logMsgNothingToDo            = "eventlistener: scope stream does not exist yet"
	logMsgHandedOver             = "eventlistener: reservation taken over by another process"
	logMsgApplicationFailed      = "eventlistener: applying event failed, rolled back"
	logMsgCatchUpFailed          = "eventlistener: catch-up failed, rolled back"
	logMsgCaughtUp               = "eventlistener: caught up"
	logMsgRollbackFailed         = "eventlistener: rollback failed"
	logAttrListenerID            = "listener_id"
	logAttrScope                 = "scope"
	logAttrApplied               = "applied_events"
	logAttrSkipped               = "skipped_events"
	logAttrSequenceNumber        = "sequence_number"
	logAttrEventType             = "event_type"
	logAttrDurationMS            = "duration_ms"
	logAttrError                 = "error"
	metricCatchUpDuration        = "eventlistener_catch_up_duration_seconds"
	metricAppliedEvents          = "eventlistener_applied_events_total"
	metricApplicationFailures    = "eventlistener_application_failures_total"
	metricLabelListener          = "listener_id"
	metricLabelOutcome           = "outcome"
)

// Outcome tells how a CatchUp call ended.
type Outcome string

const (
	// OutcomeCaughtUp means all events up to the end of the scope stream were processed.
	OutcomeCaughtUp Outcome = "caught_up"

	// OutcomeNothingToDo means the scope stream does not exist yet.
	OutcomeNothingToDo Outcome = "nothing_to_do"

	// OutcomeUnavailable means another process holds the reservation. Try again next cycle.
	OutcomeUnavailable Outcome = "unavailable"

	// OutcomeHandedOver means another process took over the reservation mid-run.
	// Everything applied so far is saved.
	OutcomeHandedOver Outcome = "handed_over"

	// OutcomeFailed means the catch-up ended with an error.
	OutcomeFailed Outcome = "failed"
)

// CatchUpResult summarizes one CatchUp call.
type CatchUpResult struct {
	Outcome                      Outcome
	AppliedEvents                int
	SkippedEvents                int
	HighestAppliedSequenceNumber int64
}

// EventSource is the part of the EventStore the Invoker reads from.
type EventSource interface {
	LoadRaw(ctx context.Context, filter eventstore.EventStreamFilter) (iter.Seq2[eventstore.RawEvent, error], error)
	Decode(rawEvent eventstore.RawEvent) (any, error)
}

// ProgressCallback is called after every processed event, for observability only.
type ProgressCallback func(listenerID string, rawEvent eventstore.RawEvent, applied bool)

// Invoker runs the catch-up loop of listeners against an EventSource and an AppliedEventsStorage.
// It is safe for concurrent use with different listeners. Concurrent calls for the same listener
// are serialized by the ledger's reservation, the loser returns OutcomeUnavailable.
type Invoker struct {
	source           EventSource
	ledger           eventstore.AppliedEventsStorage
	progressCallback ProgressCallback
	logger           eventstore.Logger
	contextualLogger eventstore.ContextualLogger
	metricsCollector eventstore.MetricsCollector
}

// InvokerOption defines a functional option for configuring the Invoker.
type InvokerOption func(*Invoker) error

// WithProgressCallback sets a callback invoked after every processed event.
func WithProgressCallback(callback ProgressCallback) InvokerOption {
	return func(i *Invoker) error {
		i.progressCallback = callback
		return nil
	}
}

func WithLogger(logger eventstore.Logger) InvokerOption {
	return func(i *Invoker) error {
		i.logger = logger
		return nil
	}
}

func WithContextualLogger(logger eventstore.ContextualLogger) InvokerOption {
	return func(i *Invoker) error {
		i.contextualLogger = logger
		return nil
	}
}

func WithMetrics(collector eventstore.MetricsCollector) InvokerOption {
	return func(i *Invoker) error {
		i.metricsCollector = collector
		return nil
	}
}

func NewInvoker(source EventSource, ledger eventstore.AppliedEventsStorage, options ...InvokerOption) (*Invoker, error) {
	if source == nil {
		return nil, eventstore.ErrNilStorage
	}

	if ledger == nil {
		return nil, eventstore.ErrNilAppliedEventsStorage
	}

	invoker := &Invoker{source: source, ledger: ledger}

	for _, option := range options {
		if err := option(invoker); err != nil {
			return nil, err
		}
	}

	return invoker, nil
}

// CatchUp applies all events of the listener's scope that it has not applied yet, in sequence number order.
//
// Reads always go to the primary database. The handler invocations are not bounded by any timeout,
// but ctx is checked between events: on cancellation the reservation is released and ctx.Err() returned.
func (i *Invoker) CatchUp(ctx context.Context, listener Listener) (CatchUpResult, error) {
	start := time.Now()
	ctx = eventstore.WithStrongConsistency(ctx)

	result, err := i.catchUp(ctx, listener)
	if err != nil {
		result.Outcome = OutcomeFailed
	}

	i.recordCatchUp(ctx, listener, result, time.Since(start))

	return result, err
}

func (i *Invoker) catchUp(ctx context.Context, listener Listener) (CatchUpResult, error) {
	result := CatchUpResult{HighestAppliedSequenceNumber: eventstore.InitialSequenceNumber}

	if err := i.ledger.InitializeHighestAppliedSequenceNumber(ctx, listener.ID()); err != nil {
		return result, err
	}

	reservationResult, err := i.ledger.ReserveHighestAppliedEventSequenceNumber(ctx, listener.ID())
	if err != nil {
		return result, err
	}

	reservation, reserved := reservationResult.Reservation()
	if !reserved {
		i.logInfo(ctx, logMsgReservationUnavailable, logAttrListenerID, listener.ID())
		result.Outcome = OutcomeUnavailable

		return result, nil
	}

	result.HighestAppliedSequenceNumber = reservation.HighestAppliedSequenceNumber()

	filter, err := eventstore.BuildStreamFilter().
		ForStream(listener.Scope()).
		WithMinimumSequenceNumber(result.HighestAppliedSequenceNumber + 1).
		Finalize()
	if err != nil {
		return result, i.rollback(ctx, reservation, err)
	}

	events, err := i.source.LoadRaw(ctx, filter)
	if errors.Is(err, eventstore.ErrStreamNotFound) {
		i.logInfo(ctx, logMsgNothingToDo, logAttrListenerID, listener.ID(), logAttrScope, listener.Scope().String())
		result.Outcome = OutcomeNothingToDo

		return result, reservation.ReleaseHighestAppliedSequenceNumber(ctx)
	}

	if err != nil {
		return result, i.rollback(ctx, reservation, err)
	}

	for rawEvent, err := range events {
		if err != nil {
			return result, i.rollback(ctx, reservation, err)
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, errors.Join(ctxErr, reservation.ReleaseHighestAppliedSequenceNumber(context.WithoutCancel(ctx)))
		}

		applied, err := i.applyEvent(ctx, listener, rawEvent)
		if err != nil {
			i.logError(ctx, logMsgApplicationFailed,
				logAttrListenerID, listener.ID(),
				logAttrSequenceNumber, rawEvent.SequenceNumber(),
				logAttrEventType, rawEvent.EventType(),
				logAttrError, err.Error())

			return result, i.rollback(ctx, reservation, &EventApplicationError{
				ListenerID: listener.ID(),
				Event:      rawEvent,
				Err:        err,
			})
		}

		saveErr := reservation.SaveHighestAppliedSequenceNumber(ctx, rawEvent.SequenceNumber())
		if errors.Is(saveErr, eventstore.ErrReservationLost) {
			i.countProcessed(&result, rawEvent, applied)
			i.reportProgress(listener, rawEvent, applied)
			i.logInfo(ctx, logMsgHandedOver, logAttrListenerID, listener.ID(), logAttrSequenceNumber, rawEvent.SequenceNumber())
			result.Outcome = OutcomeHandedOver

			return result, nil
		}

		if saveErr != nil {
			return result, i.rollback(ctx, reservation, saveErr)
		}

		i.countProcessed(&result, rawEvent, applied)
		i.reportProgress(listener, rawEvent, applied)
	}

	result.Outcome = OutcomeCaughtUp

	return result, reservation.ReleaseHighestAppliedSequenceNumber(ctx)
}

// applyEvent reports false if the listener has no handler for the event's type.
func (i *Invoker) applyEvent(ctx context.Context, listener Listener, rawEvent eventstore.RawEvent) (bool, error) {
	handler, ok := listener.Handler(rawEvent.EventType())
	if !ok {
		return false, nil
	}

	domainEvent, err := i.source.Decode(rawEvent)
	if err != nil {
		return false, err
	}

	if err := listener.apply(ctx, handler, domainEvent, rawEvent); err != nil {
		return false, err
	}

	return true, nil
}

func (i *Invoker) countProcessed(result *CatchUpResult, rawEvent eventstore.RawEvent, applied bool) {
	result.HighestAppliedSequenceNumber = rawEvent.SequenceNumber()

	if applied {
		result.AppliedEvents++
	} else {
		result.SkippedEvents++
	}
}

func (i *Invoker) reportProgress(listener Listener, rawEvent eventstore.RawEvent, applied bool) {
	if i.progressCallback != nil {
		i.progressCallback(listener.ID(), rawEvent, applied)
	}
}

func (i *Invoker) rollback(ctx context.Context, reservation eventstore.Reservation, cause error) error {
	if rollbackErr := reservation.Rollback(context.WithoutCancel(ctx)); rollbackErr != nil {
		i.logError(ctx, logMsgRollbackFailed, logAttrListenerID, reservation.ListenerID(), logAttrError, rollbackErr.Error())

		return errors.Join(cause, rollbackErr)
	}

	var applicationErr *EventApplicationError
	if !errors.As(cause, &applicationErr) {
		i.logError(ctx, logMsgCatchUpFailed, logAttrListenerID, reservation.ListenerID(), logAttrError, cause.Error())
	}

	return cause
}

func (i *Invoker) recordCatchUp(ctx context.Context, listener Listener, result CatchUpResult, duration time.Duration) {
	if result.Outcome == OutcomeCaughtUp || result.Outcome == OutcomeHandedOver {
		i.logInfo(ctx, logMsgCaughtUp,
			logAttrListenerID, listener.ID(),
			logAttrApplied, result.AppliedEvents,
			logAttrSkipped, result.SkippedEvents,
			logAttrSequenceNumber, result.HighestAppliedSequenceNumber,
			logAttrDurationMS, duration.Milliseconds())
	}

	if i.metricsCollector == nil {
		return
	}

	labels := map[string]string{metricLabelListener: listener.ID(), metricLabelOutcome: string(result.Outcome)}

	if collector, ok := i.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		collector.RecordDurationContext(ctx, metricCatchUpDuration, duration, labels)
		collector.RecordValueContext(ctx, metricAppliedEvents, float64(result.AppliedEvents), labels)
	} else {
		i.metricsCollector.RecordDuration(metricCatchUpDuration, duration, labels)
		i.metricsCollector.RecordValue(metricAppliedEvents, float64(result.AppliedEvents), labels)
	}

	if result.Outcome == OutcomeFailed {
		i.metricsCollector.IncrementCounter(metricApplicationFailures, labels)
	}
}

func (i *Invoker) logInfo(ctx context.Context, msg string, args ...any) {
	if i.contextualLogger != nil {
		i.contextualLogger.InfoContext(ctx, msg, args...)
		return
	}

	if i.logger != nil {
		i.logger.Info(msg, args...)
	}
}

func (i *Invoker) logError(ctx context.Context, msg string, args ...any) {
	if i.contextualLogger != nil {
		i.contextualLogger.ErrorContext(ctx, msg, args...)
		return
	}

	if i.logger != nil {
		i.logger.Error(msg, args...)
	}
}
