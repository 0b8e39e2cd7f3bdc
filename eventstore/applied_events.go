package eventstore

import (
	"context"
)

// InitialSequenceNumber is the highest applied sequence number of a listener that never applied an event.
const InitialSequenceNumber int64 = -1

// AppliedEventsStorage is the durable per-listener progress ledger.
//
// Progress of a listener may only advance while its reservation is held,
// and at most one process holds the reservation of a listener at any time.
type AppliedEventsStorage interface {
	// InitializeHighestAppliedSequenceNumber creates the ledger entry for listenerID with InitialSequenceNumber
	// unless it already exists.
	InitializeHighestAppliedSequenceNumber(ctx context.Context, listenerID string) error

	// ReserveHighestAppliedEventSequenceNumber tries to reserve the ledger entry of listenerID within a short timeout.
	// Contention is not an error: the result is Unavailable() in that case.
	//
	// Returns ErrLedgerNotInitialized if there is no ledger entry for listenerID.
	ReserveHighestAppliedEventSequenceNumber(ctx context.Context, listenerID string) (ReservationResult, error)

	Setup(ctx context.Context) Result
	Status(ctx context.Context) Result
}

// Reservation is the held lock on one listener's progress.
// It must end with exactly one call to ReleaseHighestAppliedSequenceNumber or Rollback.
type Reservation interface {
	ListenerID() string

	// HighestAppliedSequenceNumber is the progress as of reservation time, updated by every successful save.
	HighestAppliedSequenceNumber() int64

	// SaveHighestAppliedSequenceNumber durably stores sequenceNumber and keeps the reservation.
	//
	// Returns ErrProgressRegression if sequenceNumber is lower than the current value.
	// Returns ErrReservationLost if the value was stored but the reservation could not be kept,
	// in which case the reservation is closed.
	SaveHighestAppliedSequenceNumber(ctx context.Context, sequenceNumber int64) error

	// ReleaseHighestAppliedSequenceNumber commits and releases the reservation.
	ReleaseHighestAppliedSequenceNumber(ctx context.Context) error

	// Rollback discards anything not yet saved and releases the reservation.
	// It is a no-op on a closed reservation, so it can be deferred.
	Rollback(ctx context.Context) error
}

// ReservationResult is either Reserved(reservation) or Unavailable().
type ReservationResult struct {
	reservation Reservation
}

func Reserved(reservation Reservation) ReservationResult {
	return ReservationResult{reservation: reservation}
}

// Unavailable signals that another process currently holds the reservation.
func Unavailable() ReservationResult {
	return ReservationResult{}
}

// Reservation returns the held reservation, or false if the result is Unavailable.
func (r ReservationResult) Reservation() (Reservation, bool) {
	return r.reservation, r.reservation != nil
}

func (r ReservationResult) IsUnavailable() bool {
	return r.reservation == nil
}
