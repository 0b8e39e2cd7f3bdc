package testdoubles

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

// InMemoryEventStorage is an eventstore.EventStorage keeping all events in a slice.
// It pages through the events like the relational backends do, so it exercises the same contract.
type InMemoryEventStorage struct {
	mu            sync.Mutex
	events        []eventstore.RawEvent
	batchSize     int
	nextCommitErr error
	loadedBatches int
}

func NewInMemoryEventStorage(batchSize int) *InMemoryEventStorage {
	return &InMemoryEventStorage{batchSize: max(batchSize, 1)}
}

// FailNextCommit makes the next Commit return err without appending anything.
func (s *InMemoryEventStorage) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCommitErr = err
}

// LoadedBatches returns how many batch queries were served so far.
func (s *InMemoryEventStorage) LoadedBatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadedBatches
}

func (s *InMemoryEventStorage) Load(
	_ context.Context,
	filter eventstore.EventStreamFilter,
) (iter.Seq2[eventstore.RawEvent, error], error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, event := range s.events {
		if matchesStream(filter, event) {
			found = true
			break
		}
	}

	if !found {
		return nil, eventstore.ErrStreamNotFound
	}

	return func(yield func(eventstore.RawEvent, error) bool) {
		lastSequenceNumber := filter.MinimumSequenceNumber() - 1

		for {
			batch := s.nextBatch(filter, lastSequenceNumber)
			if len(batch) == 0 {
				return
			}

			for _, event := range batch {
				if !yield(event, nil) {
					return
				}
			}

			lastSequenceNumber = batch[len(batch)-1].SequenceNumber()
		}
	}, nil
}

func (s *InMemoryEventStorage) nextBatch(filter eventstore.EventStreamFilter, after int64) []eventstore.RawEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadedBatches++
	batch := make([]eventstore.RawEvent, 0, s.batchSize)

	for _, event := range s.events {
		if event.SequenceNumber() <= after || !matchesStream(filter, event) || !matchesEventType(filter, event) {
			continue
		}

		batch = append(batch, event)
		if len(batch) == s.batchSize {
			break
		}
	}

	return batch
}

func (s *InMemoryEventStorage) Commit(
	_ context.Context,
	streamName eventstore.StreamName,
	events []eventstore.WritableEvent,
	expectedVersion eventstore.ExpectedVersion,
) ([]eventstore.RawEvent, error) {

	if len(events) == 0 {
		return nil, nil
	}

	if streamName.IsVirtual() {
		return nil, eventstore.ErrVirtualStreamNotWritable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextCommitErr != nil {
		err := s.nextCommitErr
		s.nextCommitErr = nil

		return nil, err
	}

	currentVersion := int64(-1)
	for _, event := range s.events {
		if event.StreamName() == streamName {
			currentVersion = event.Version()
		}

		for _, writable := range events {
			if event.Identifier() == writable.Identifier() {
				return nil, eventstore.ErrDuplicateEventID
			}
		}
	}

	if !expectedVersion.IsSatisfiedBy(currentVersion) {
		return nil, eventstore.ErrConcurrencyViolation
	}

	committed := make([]eventstore.RawEvent, 0, len(events))
	for i, writable := range events {
		raw, err := eventstore.BuildRawEvent(
			int64(len(s.events)+i+1),
			streamName.String(),
			currentVersion+int64(i)+1,
			writable.EventType(),
			writable.Payload(),
			writable.Metadata(),
			writable.Identifier(),
			time.Now().UTC(),
		)
		if err != nil {
			return nil, err
		}

		committed = append(committed, raw)
	}

	s.events = append(s.events, committed...)

	return committed, nil
}

func (s *InMemoryEventStorage) Setup(_ context.Context) eventstore.Result {
	return eventstore.Result{}.WithNotice("in-memory event storage needs no setup")
}

func (s *InMemoryEventStorage) Status(_ context.Context) eventstore.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	return eventstore.Result{}.WithNotice("in-memory event storage is available")
}

func matchesStream(filter eventstore.EventStreamFilter, event eventstore.RawEvent) bool {
	switch filter.StreamConstraint() {
	case eventstore.MatchExactStream:
		return event.StreamName().String() == filter.StreamValue()
	case eventstore.MatchStreamPrefix:
		return strings.HasPrefix(event.StreamName().String(), filter.StreamValue())
	case eventstore.MatchCorrelationID:
		return event.Metadata().CorrelationID() == filter.StreamValue()
	default:
		return true
	}
}

func matchesEventType(filter eventstore.EventStreamFilter, event eventstore.RawEvent) bool {
	if !filter.HasEventTypes() {
		return true
	}

	return slices.Contains(filter.EventTypes(), event.EventType())
}

var _ eventstore.EventStorage = (*InMemoryEventStorage)(nil)
