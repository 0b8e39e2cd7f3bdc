package eventstore

import (
	"context"
	"iter"
)

// EventStorage is the append/read engine behind the EventStore.
type EventStorage interface {
	// Load returns a lazy, restartable sequence of the events matching filter, ordered by sequence number.
	// Every new iteration re-reads from the filter's minimum sequence number in bounded batches.
	//
	// Returns ErrStreamNotFound if the stream part of the filter matches no event at all.
	// Event type and minimum sequence number constraints never cause ErrStreamNotFound.
	Load(ctx context.Context, filter EventStreamFilter) (iter.Seq2[RawEvent, error], error)

	// Commit appends events to the plain stream streamName in one transaction after checking expectedVersion.
	// It either appends all events or none. An empty events slice is a no-op.
	//
	// Returns ErrConcurrencyViolation if the stream's actual version does not satisfy expectedVersion.
	Commit(ctx context.Context, streamName StreamName, events []WritableEvent, expectedVersion ExpectedVersion) ([]RawEvent, error)

	// Setup idempotently provisions the schema.
	Setup(ctx context.Context) Result

	// Status checks connectivity and schema.
	Status(ctx context.Context) Result
}

// CollectEvents drains a sequence returned by EventStorage.Load, stopping at the first error.
func CollectEvents(events iter.Seq2[RawEvent, error]) ([]RawEvent, error) {
	collected := make([]RawEvent, 0)

	for event, err := range events {
		if err != nil {
			return nil, err
		}

		collected = append(collected, event)
	}

	return collected, nil
}
