package postgresengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
	"github.com/neos/Neos.EventSourcing-sub000/eventstore/postgresengine/internal/adapters"
)

const (
	logMsgReservationUnavailable = "eventstore: ledger entry is reserved by another process"
	logMsgReservationLost        = "eventstore: reservation could not be kept after saving"
	logMsgLedgerFailed           = "eventstore: applied events ledger operation failed"
	logAttrListenerID            = "listener_id"
	logAttrSequenceNumber        = "sequence_number"
	logActionInitialize          = "ledger initialize"
	logActionReserve             = "ledger reserve"
	logActionSave                = "ledger save"
	colListenerID                = "listener_id"
	colHighestApplied            = "highest_applied_sequence_number"
	colUpdatedAt                 = "updated_at"
	outcomeReserved              = "reserved"
	outcomeNotInitialized        = "not_initialized"
)

// AppliedEventsStorage is the PostgreSQL implementation of eventstore.AppliedEventsStorage.
//
// A reservation is a transaction holding a row lock on the listener's ledger row.
// Saving commits that transaction and immediately locks the row again in a new one.
// If another process grabbed the row in between, the reservation is reported as lost.
type AppliedEventsStorage struct {
	settings
	db adapters.DBAdapter
}

// NewAppliedEventsStorageFromPGXPool creates an AppliedEventsStorage using a pgx pool.
func NewAppliedEventsStorageFromPGXPool(db *pgxpool.Pool, options ...Option) (*AppliedEventsStorage, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newAppliedEventsStorage(adapters.NewPGXAdapter(db), options)
}

// NewAppliedEventsStorageFromSQLDB creates an AppliedEventsStorage using a database/sql connection.
func NewAppliedEventsStorageFromSQLDB(db *sql.DB, options ...Option) (*AppliedEventsStorage, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newAppliedEventsStorage(adapters.NewSQLAdapter(db), options)
}

// NewAppliedEventsStorageFromSQLX creates an AppliedEventsStorage using a sqlx connection.
func NewAppliedEventsStorageFromSQLX(db *sqlx.DB, options ...Option) (*AppliedEventsStorage, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newAppliedEventsStorage(adapters.NewSQLXAdapter(db), options)
}

func newAppliedEventsStorage(db adapters.DBAdapter, options []Option) (*AppliedEventsStorage, error) {
	s := &AppliedEventsStorage{settings: defaultSettings(), db: db}

	if err := s.apply(options); err != nil {
		return nil, err
	}

	return s, nil
}

// InitializeHighestAppliedSequenceNumber implements eventstore.AppliedEventsStorage.
func (s *AppliedEventsStorage) InitializeHighestAppliedSequenceNumber(ctx context.Context, listenerID string) error {
	sqlQuery, args, err := dialect.
		Insert(s.ledgerTableName).
		Rows(goqu.Record{
			colListenerID:     listenerID,
			colHighestApplied: eventstore.InitialSequenceNumber,
			colUpdatedAt:      s.clock().UTC(),
		}).
		OnConflict(goqu.DoNothing()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	start := time.Now()

	if _, err := s.db.Exec(ctx, sqlQuery, args...); err != nil {
		s.logError(ctx, logMsgLedgerFailed, err, logAttrListenerID, listenerID)
		return errors.Join(eventstore.ErrLedgerOperationFailed, err)
	}

	s.logSQL(ctx, logActionInitialize, sqlQuery, time.Since(start))

	return nil
}

// ReserveHighestAppliedEventSequenceNumber implements eventstore.AppliedEventsStorage.
// It waits at most the configured lock timeout for the row lock.
func (s *AppliedEventsStorage) ReserveHighestAppliedEventSequenceNumber(
	ctx context.Context,
	listenerID string,
) (eventstore.ReservationResult, error) {

	o, ctx := s.startObservation(ctx, spanNameReserve, operationReserve, "", map[string]string{
		spanAttrListenerID: listenerID,
	})

	tx, highest, err := s.lockRow(ctx, listenerID)

	switch {
	case errors.Is(err, errLockNotAvailable):
		s.logInfo(ctx, logMsgReservationUnavailable, logAttrListenerID, listenerID)
		s.countReservation(ctx, statusUnavailable)
		o.finish(statusUnavailable, nil)

		return eventstore.Unavailable(), nil

	case errors.Is(err, eventstore.ErrLedgerNotInitialized):
		s.countReservation(ctx, outcomeNotInitialized)
		o.finish(statusNotFound, nil)

		return eventstore.ReservationResult{}, err

	case err != nil:
		s.logError(ctx, logMsgLedgerFailed, err, logAttrListenerID, listenerID)
		s.countReservation(ctx, statusError)
		o.finishError(errorTypeQuery)

		return eventstore.ReservationResult{}, err
	}

	s.countReservation(ctx, outcomeReserved)
	o.finishSuccess(nil)

	return eventstore.Reserved(&reservation{
		storage:    s,
		listenerID: listenerID,
		highest:    highest,
		tx:         tx,
	}), nil
}

var errLockNotAvailable = errors.New("lock not available")

// lockRow opens a transaction and locks the listener's row within the lock timeout.
// On any error the transaction is already rolled back.
func (s *AppliedEventsStorage) lockRow(ctx context.Context, listenerID string) (adapters.DBTx, int64, error) {
	sqlQuery, args, err := dialect.
		From(s.ledgerTableName).
		Select(colHighestApplied).
		Where(goqu.C(colListenerID).Eq(listenerID)).
		ForUpdate(exp.Wait).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, 0, errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, 0, errors.Join(eventstore.ErrBeginTransactionFailed, err)
	}

	highest, err := s.selectForUpdate(ctx, tx, sqlQuery, args)
	if err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return nil, 0, err
	}

	return tx, highest, nil
}

func (s *AppliedEventsStorage) selectForUpdate(ctx context.Context, tx adapters.DBTx, sqlQuery string, args []any) (int64, error) {
	// SET does not accept bind parameters, the value is formatted from a time.Duration
	setTimeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, setTimeout); err != nil {
		return 0, errors.Join(eventstore.ErrLedgerOperationFailed, err)
	}

	start := time.Now()

	rows, err := tx.Query(ctx, sqlQuery, args...)
	if err != nil {
		return 0, s.mapLockError(err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, s.mapLockError(err)
		}

		return 0, eventstore.ErrLedgerNotInitialized
	}

	var highest int64
	if err := rows.Scan(&highest); err != nil {
		return 0, errors.Join(eventstore.ErrScanningDBRowFailed, err)
	}

	s.logSQL(ctx, logActionReserve, sqlQuery, time.Since(start))

	return highest, nil
}

func (s *AppliedEventsStorage) mapLockError(err error) error {
	if adapters.SQLState(err) == sqlStateLockNotAvailable {
		return errLockNotAvailable
	}

	return errors.Join(eventstore.ErrLedgerOperationFailed, err)
}

func (s *AppliedEventsStorage) countReservation(ctx context.Context, outcome string) {
	s.incrementCounter(ctx, metricReservations, map[string]string{metricLabelOutcome: outcome})
}

func (s *AppliedEventsStorage) update(ctx context.Context, tx adapters.DBTx, listenerID string, sequenceNumber int64) error {
	sqlQuery, args, err := dialect.
		Update(s.ledgerTableName).
		Set(goqu.Record{colHighestApplied: sequenceNumber, colUpdatedAt: s.clock().UTC()}).
		Where(goqu.C(colListenerID).Eq(listenerID)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	start := time.Now()

	if _, err := tx.Exec(ctx, sqlQuery, args...); err != nil {
		return errors.Join(eventstore.ErrLedgerOperationFailed, err)
	}

	s.logSQL(ctx, logActionSave, sqlQuery, time.Since(start))

	return nil
}

type reservation struct {
	mu         sync.Mutex
	storage    *AppliedEventsStorage
	listenerID string
	highest    int64
	tx         adapters.DBTx // nil once closed
}

func (r *reservation) ListenerID() string {
	return r.listenerID
}

func (r *reservation) HighestAppliedSequenceNumber() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.highest
}

func (r *reservation) SaveHighestAppliedSequenceNumber(ctx context.Context, sequenceNumber int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tx == nil {
		return eventstore.ErrReservationClosed
	}

	if sequenceNumber < r.highest {
		return eventstore.ErrProgressRegression
	}

	if err := r.storage.update(ctx, r.tx, r.listenerID, sequenceNumber); err != nil {
		return err
	}

	if err := r.tx.Commit(ctx); err != nil {
		r.tx = nil
		return errors.Join(eventstore.ErrLedgerOperationFailed, err)
	}

	r.highest = sequenceNumber

	tx, highest, err := r.storage.lockRow(ctx, r.listenerID)
	if err != nil {
		r.tx = nil

		if errors.Is(err, errLockNotAvailable) {
			r.storage.logWarn(ctx, logMsgReservationLost, logAttrListenerID, r.listenerID, logAttrSequenceNumber, sequenceNumber)
			return eventstore.ErrReservationLost
		}

		// the save is durable, only the reservation is gone
		return err
	}

	if highest != sequenceNumber {
		r.tx = nil
		_ = tx.Rollback(context.WithoutCancel(ctx))
		r.storage.logWarn(ctx, logMsgReservationLost, logAttrListenerID, r.listenerID, logAttrSequenceNumber, highest)

		return eventstore.ErrReservationLost
	}

	r.tx = tx

	return nil
}

func (r *reservation) ReleaseHighestAppliedSequenceNumber(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tx == nil {
		return eventstore.ErrReservationClosed
	}

	tx := r.tx
	r.tx = nil

	if err := tx.Commit(ctx); err != nil {
		return errors.Join(eventstore.ErrLedgerOperationFailed, err)
	}

	return nil
}

func (r *reservation) Rollback(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tx == nil {
		return nil
	}

	tx := r.tx
	r.tx = nil

	if err := tx.Rollback(ctx); err != nil {
		return errors.Join(eventstore.ErrLedgerOperationFailed, err)
	}

	return nil
}

var _ eventstore.AppliedEventsStorage = (*AppliedEventsStorage)(nil)
