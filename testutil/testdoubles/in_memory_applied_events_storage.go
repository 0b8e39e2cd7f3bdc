package testdoubles

import (
	"context"
	"sync"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

// InMemoryAppliedEventsStorage is an eventstore.AppliedEventsStorage with a non-blocking try-lock per listener.
type InMemoryAppliedEventsStorage struct {
	mu       sync.Mutex
	progress map[string]int64
	reserved map[string]*inMemoryReservation
	saves    int

	relockFailures map[string]error
}

func NewInMemoryAppliedEventsStorage() *InMemoryAppliedEventsStorage {
	return &InMemoryAppliedEventsStorage{
		progress: make(map[string]int64),
		reserved: make(map[string]*inMemoryReservation),

		relockFailures: make(map[string]error),
	}
}

func (s *InMemoryAppliedEventsStorage) InitializeHighestAppliedSequenceNumber(_ context.Context, listenerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.progress[listenerID]; !ok {
		s.progress[listenerID] = eventstore.InitialSequenceNumber
	}

	return nil
}

func (s *InMemoryAppliedEventsStorage) ReserveHighestAppliedEventSequenceNumber(
	_ context.Context,
	listenerID string,
) (eventstore.ReservationResult, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	highest, ok := s.progress[listenerID]
	if !ok {
		return eventstore.Unavailable(), eventstore.ErrLedgerNotInitialized
	}

	if _, held := s.reserved[listenerID]; held {
		return eventstore.Unavailable(), nil
	}

	reservation := &inMemoryReservation{storage: s, listenerID: listenerID, highest: highest}
	s.reserved[listenerID] = reservation

	return eventstore.Reserved(reservation), nil
}

func (s *InMemoryAppliedEventsStorage) Setup(_ context.Context) eventstore.Result {
	return eventstore.Result{}.WithNotice("in-memory applied events storage needs no setup")
}

func (s *InMemoryAppliedEventsStorage) Status(_ context.Context) eventstore.Result {
	return eventstore.Result{}.WithNotice("in-memory applied events storage is available")
}

// HighestAppliedSequenceNumber returns the persisted progress of listenerID.
func (s *InMemoryAppliedEventsStorage) HighestAppliedSequenceNumber(listenerID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	highest, ok := s.progress[listenerID]

	return highest, ok
}

// IsReserved reports whether listenerID is currently reserved.
func (s *InMemoryAppliedEventsStorage) IsReserved(listenerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, held := s.reserved[listenerID]

	return held
}

// SaveCount returns how many progress saves happened overall.
func (s *InMemoryAppliedEventsStorage) SaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saves
}

// ExpireReservation drops the reservation of listenerID as if its lock was lost to another process.
// The next save through the dropped reservation is still stored but reports ErrReservationLost,
// like the relational backends do when they fail to re-acquire the lock after committing.
func (s *InMemoryAppliedEventsStorage) ExpireReservation(listenerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reservation, held := s.reserved[listenerID]; held {
		reservation.lost = true
		delete(s.reserved, listenerID)
	}
}

// FailRelockAfterNextSave makes the next save of listenerID store its progress and then fail with err,
// closing the reservation. It mimics a database error while re-acquiring the lock after committing.
func (s *InMemoryAppliedEventsStorage) FailRelockAfterNextSave(listenerID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.relockFailures[listenerID] = err
}

type inMemoryReservation struct {
	storage    *InMemoryAppliedEventsStorage
	listenerID string
	highest    int64
	closed     bool
	lost       bool
}

func (r *inMemoryReservation) ListenerID() string {
	return r.listenerID
}

func (r *inMemoryReservation) HighestAppliedSequenceNumber() int64 {
	r.storage.mu.Lock()
	defer r.storage.mu.Unlock()

	return r.highest
}

func (r *inMemoryReservation) SaveHighestAppliedSequenceNumber(_ context.Context, sequenceNumber int64) error {
	r.storage.mu.Lock()
	defer r.storage.mu.Unlock()

	switch {
	case r.closed:
		return eventstore.ErrReservationClosed
	case sequenceNumber < r.highest:
		return eventstore.ErrProgressRegression
	case r.lost:
		r.closed = true
		r.storage.progress[r.listenerID] = max(r.storage.progress[r.listenerID], sequenceNumber)
		r.storage.saves++

		return eventstore.ErrReservationLost
	}

	r.highest = sequenceNumber
	r.storage.progress[r.listenerID] = sequenceNumber
	r.storage.saves++

	if err, ok := r.storage.relockFailures[r.listenerID]; ok {
		delete(r.storage.relockFailures, r.listenerID)
		r.close()

		return err
	}

	return nil
}

func (r *inMemoryReservation) ReleaseHighestAppliedSequenceNumber(_ context.Context) error {
	r.storage.mu.Lock()
	defer r.storage.mu.Unlock()

	if r.closed || r.lost {
		return eventstore.ErrReservationClosed
	}

	r.close()

	return nil
}

func (r *inMemoryReservation) Rollback(_ context.Context) error {
	r.storage.mu.Lock()
	defer r.storage.mu.Unlock()

	if !r.closed && !r.lost {
		r.close()
	}

	return nil
}

func (r *inMemoryReservation) close() {
	r.closed = true
	delete(r.storage.reserved, r.listenerID)
}

var _ eventstore.AppliedEventsStorage = (*InMemoryAppliedEventsStorage)(nil)
