package gormengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

const (
	logMsgReservationLost   = "eventstore: reservation could not be kept after saving"
	logMsgLeaseLost         = "eventstore: lease expired or was taken over while reserved"
	logMsgLeaseRenewalError = "eventstore: renewing lease failed"
	logAttrListenerID       = "listener_id"
	logAttrError            = "error"
	leasePollInterval       = 20 * time.Millisecond
)

var errLockNotAvailable = errors.New("ledger row is locked")

// AppliedEventsStorage is the gorm implementation of eventstore.AppliedEventsStorage.
//
// On PostgreSQL a reservation is a transaction holding a row lock, like in the postgresengine.
// On SQLite it is a lease: the ledger row records who holds it and until when.
// While a reservation is open the lease is renewed in the background every third of
// ReservationLease, so slow listeners keep it. A lease that expired anyway, because its
// holder stalled, may be taken over by another process and cannot be renewed by the old holder.
type AppliedEventsStorage struct {
	engine *Engine
}

func (s *AppliedEventsStorage) table(db *gorm.DB) *gorm.DB {
	return db.Table(s.engine.cfg.LedgerTableName)
}

func (s *AppliedEventsStorage) InitializeHighestAppliedSequenceNumber(ctx context.Context, listenerID string) error {
	record := ledgerRecord{
		ListenerID:                   listenerID,
		HighestAppliedSequenceNumber: eventstore.InitialSequenceNumber,
		UpdatedAt:                    time.Now().UTC(),
	}

	err := s.table(s.engine.db.WithContext(ctx)).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: colListenerID}}, DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return errors.Join(eventstore.ErrLedgerOperationFailed, err)
	}

	return nil
}

func (s *AppliedEventsStorage) ReserveHighestAppliedEventSequenceNumber(
	ctx context.Context,
	listenerID string,
) (eventstore.ReservationResult, error) {

	var (
		reservation eventstore.Reservation
		err         error
	)

	if s.engine.dialect.usesLeases() {
		reservation, err = s.acquireLease(ctx, listenerID)
	} else {
		reservation, err = s.lockRow(ctx, listenerID)
	}

	switch {
	case errors.Is(err, errLockNotAvailable):
		return eventstore.Unavailable(), nil
	case err != nil:
		return eventstore.ReservationResult{}, err
	}

	return eventstore.Reserved(reservation), nil
}

func (s *AppliedEventsStorage) lockRow(ctx context.Context, listenerID string) (*rowLockReservation, error) {
	tx := s.engine.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, errors.Join(eventstore.ErrBeginTransactionFailed, tx.Error)
	}

	if err := s.engine.dialect.setLockTimeout(tx, s.engine.cfg.LockTimeout); err != nil {
		tx.Rollback()
		return nil, errors.Join(eventstore.ErrLedgerOperationFailed, err)
	}

	var record ledgerRecord

	err := s.table(tx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(colListenerID+" = ?", listenerID).
		Take(&record).Error
	if err != nil {
		tx.Rollback()

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return nil, eventstore.ErrLedgerNotInitialized
		case s.engine.dialect.isLockTimeout(err):
			return nil, errLockNotAvailable
		default:
			return nil, errors.Join(eventstore.ErrLedgerOperationFailed, err)
		}
	}

	return &rowLockReservation{
		storage:    s,
		listenerID: listenerID,
		highest:    record.HighestAppliedSequenceNumber,
		tx:         tx,
	}, nil
}

// acquireLease polls until the lease is free or the lock timeout elapsed.
func (s *AppliedEventsStorage) acquireLease(ctx context.Context, listenerID string) (*leaseReservation, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(s.engine.cfg.LockTimeout)

	for {
		now := time.Now()

		update := s.table(s.engine.db.WithContext(ctx)).
			Where(colListenerID+" = ?", listenerID).
			Where("("+colReservedBy+" = '' OR "+colReservedUntil+" < ?)", now.UnixMilli()).
			Updates(map[string]any{
				colReservedBy:    token,
				colReservedUntil: now.Add(s.engine.cfg.ReservationLease).UnixMilli(),
			})

		switch {
		case update.Error != nil && s.engine.dialect.isLockTimeout(update.Error):
			// busy writer, treat like a held lease
		case update.Error != nil:
			return nil, errors.Join(eventstore.ErrLedgerOperationFailed, update.Error)
		case update.RowsAffected == 1:
			var record ledgerRecord
			if err := s.table(s.engine.db.WithContext(ctx)).Where(colListenerID+" = ?", listenerID).Take(&record).Error; err != nil {
				return nil, errors.Join(eventstore.ErrLedgerOperationFailed, err)
			}

			reservation := &leaseReservation{
				storage:    s,
				listenerID: listenerID,
				token:      token,
				highest:    record.HighestAppliedSequenceNumber,
			}
			reservation.startRenewal(ctx)

			return reservation, nil
		default:
			exists, err := s.exists(ctx, listenerID)
			if err != nil {
				return nil, err
			}

			if !exists {
				return nil, eventstore.ErrLedgerNotInitialized
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errLockNotAvailable
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(leasePollInterval, remaining)):
		}
	}
}

func (s *AppliedEventsStorage) exists(ctx context.Context, listenerID string) (bool, error) {
	var count int64

	if err := s.table(s.engine.db.WithContext(ctx)).Where(colListenerID+" = ?", listenerID).Count(&count).Error; err != nil {
		return false, errors.Join(eventstore.ErrLedgerOperationFailed, err)
	}

	return count > 0, nil
}

// Setup creates the ledger table if it does not exist.
func (s *AppliedEventsStorage) Setup(ctx context.Context) eventstore.Result {
	table := s.engine.cfg.LedgerTableName

	if err := s.table(s.engine.db.WithContext(ctx)).AutoMigrate(&ledgerRecord{}); err != nil {
		return eventstore.Result{}.WithError(fmt.Sprintf("migrating %s failed: %s", table, err))
	}

	return eventstore.Result{}.WithNotice(fmt.Sprintf("table %s is migrated (%s)", table, s.engine.dialect.name()))
}

// Status pings the database and checks that the ledger table exists.
func (s *AppliedEventsStorage) Status(ctx context.Context) eventstore.Result {
	return s.engine.status(ctx, s.engine.cfg.LedgerTableName)
}

// rowLockReservation holds an open transaction with the ledger row locked. tx is nil once closed.
type rowLockReservation struct {
	storage    *AppliedEventsStorage
	listenerID string
	highest    int64
	tx         *gorm.DB
	mu         sync.Mutex
}

func (r *rowLockReservation) ListenerID() string {
	return r.listenerID
}

func (r *rowLockReservation) HighestAppliedSequenceNumber() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.highest
}

func (r *rowLockReservation) SaveHighestAppliedSequenceNumber(ctx context.Context, sequenceNumber int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tx == nil {
		return eventstore.ErrReservationClosed
	}

	if sequenceNumber < r.highest {
		return fmt.Errorf("%w: %d < %d", eventstore.ErrProgressRegression, sequenceNumber, r.highest)
	}

	err := r.storage.table(r.tx).
		Where(colListenerID+" = ?", r.listenerID).
		Updates(map[string]any{colHighestApplied: sequenceNumber, colUpdatedAt: time.Now().UTC()}).Error
	if err != nil {
		r.tx.Rollback()
		r.tx = nil

		return errors.Join(eventstore.ErrLedgerOperationFailed, err)
	}

	if err := r.tx.Commit().Error; err != nil {
		r.tx = nil
		return errors.Join(eventstore.ErrLedgerOperationFailed, err)
	}

	r.highest = sequenceNumber
	r.tx = nil

	relocked, err := r.storage.lockRow(ctx, r.listenerID)
	switch {
	case errors.Is(err, errLockNotAvailable):
		r.storage.engine.logWarn(logMsgReservationLost, logAttrListenerID, r.listenerID)
		return eventstore.ErrReservationLost
	case err != nil:
		// the save is durable, only the reservation is gone
		return err
	case relocked.highest != sequenceNumber:
		relocked.tx.Rollback()
		r.storage.engine.logWarn(logMsgReservationLost, logAttrListenerID, r.listenerID)

		return eventstore.ErrReservationLost
	}

	r.tx = relocked.tx

	return nil
}

func (r *rowLockReservation) ReleaseHighestAppliedSequenceNumber(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tx == nil {
		return eventstore.ErrReservationClosed
	}

	err := r.tx.Commit().Error
	r.tx = nil

	if err != nil {
		return errors.Join(eventstore.ErrLedgerOperationFailed, err)
	}

	return nil
}

func (r *rowLockReservation) Rollback(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tx == nil {
		return nil
	}

	err := r.tx.Rollback().Error
	r.tx = nil

	if err != nil {
		return errors.Join(eventstore.ErrLedgerOperationFailed, err)
	}

	return nil
}

// leaseReservation is valid while the ledger row carries its token and the lease has not expired.
// A save that finds the lease gone stores nothing and reports ErrReservationLost.
type leaseReservation struct {
	storage     *AppliedEventsStorage
	listenerID  string
	token       string
	highest     int64
	closed      bool
	lost        bool
	stopRenewal context.CancelFunc
	mu          sync.Mutex
}

func (r *leaseReservation) ListenerID() string {
	return r.listenerID
}

func (r *leaseReservation) HighestAppliedSequenceNumber() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.highest
}

// startRenewal extends the lease until the reservation is closed. The renewal outlives
// the cancellation of ctx, releasing is what ends it.
func (r *leaseReservation) startRenewal(ctx context.Context) {
	renewalCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.stopRenewal = cancel

	interval := max(r.storage.engine.cfg.ReservationLease/3, time.Millisecond)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-renewalCtx.Done():
				return
			case <-ticker.C:
				if !r.renew(renewalCtx) {
					return
				}
			}
		}
	}()
}

// renew reports whether renewing should go on.
func (r *leaseReservation) renew(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	updated, err := r.extendLease(ctx, map[string]any{})
	switch {
	case err != nil && ctx.Err() != nil:
		return false
	case err != nil:
		// transient, e.g. a busy database; the next tick tries again
		r.storage.engine.logWarn(logMsgLeaseRenewalError, logAttrListenerID, r.listenerID, logAttrError, err.Error())
		return true
	case !updated:
		r.markLost()
		r.storage.engine.logWarn(logMsgLeaseLost, logAttrListenerID, r.listenerID)

		return false
	}

	return true
}

// extendLease writes values together with a new expiry, provided the lease is still held and valid.
func (r *leaseReservation) extendLease(ctx context.Context, values map[string]any) (bool, error) {
	now := time.Now()
	values[colReservedUntil] = now.Add(r.storage.engine.cfg.ReservationLease).UnixMilli()

	update := r.storage.table(r.storage.engine.db.WithContext(ctx)).
		Where(colListenerID+" = ? AND "+colReservedBy+" = ?", r.listenerID, r.token).
		Where(colReservedUntil+" >= ?", now.UnixMilli()).
		Updates(values)
	if update.Error != nil {
		return false, update.Error
	}

	return update.RowsAffected == 1, nil
}

// markLost closes the reservation without touching the row, which may belong to another holder by now.
func (r *leaseReservation) markLost() {
	r.closed = true
	r.lost = true
	r.stopRenewal()
}

func (r *leaseReservation) SaveHighestAppliedSequenceNumber(ctx context.Context, sequenceNumber int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lost {
		return eventstore.ErrReservationLost
	}

	if r.closed {
		return eventstore.ErrReservationClosed
	}

	if sequenceNumber < r.highest {
		return fmt.Errorf("%w: %d < %d", eventstore.ErrProgressRegression, sequenceNumber, r.highest)
	}

	updated, err := r.extendLease(ctx, map[string]any{
		colHighestApplied: sequenceNumber,
		colUpdatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return errors.Join(eventstore.ErrLedgerOperationFailed, err)
	}

	if !updated {
		r.markLost()
		r.storage.engine.logWarn(logMsgReservationLost, logAttrListenerID, r.listenerID)

		return eventstore.ErrReservationLost
	}

	r.highest = sequenceNumber

	return nil
}

func (r *leaseReservation) ReleaseHighestAppliedSequenceNumber(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return eventstore.ErrReservationClosed
	}

	return r.release(ctx)
}

// Rollback only gives the lease back, every save is already durable.
func (r *leaseReservation) Rollback(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	return r.release(ctx)
}

func (r *leaseReservation) release(ctx context.Context) error {
	r.closed = true
	r.stopRenewal()

	err := r.storage.table(r.storage.engine.db.WithContext(ctx)).
		Where(colListenerID+" = ? AND "+colReservedBy+" = ?", r.listenerID, r.token).
		Updates(map[string]any{colReservedBy: "", colReservedUntil: 0}).Error
	if err != nil {
		return errors.Join(eventstore.ErrLedgerOperationFailed, err)
	}

	return nil
}

var (
	_ eventstore.AppliedEventsStorage = (*AppliedEventsStorage)(nil)
	_ eventstore.Reservation          = (*rowLockReservation)(nil)
	_ eventstore.Reservation          = (*leaseReservation)(nil)
)
