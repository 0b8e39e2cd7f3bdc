package postgresengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // driver import
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
	"github.com/neos/Neos.EventSourcing-sub000/eventstore/postgresengine/internal/adapters"
)

const (
	logMsgBuildQueryFailed    = "eventstore: failed to build query"
	logMsgDBQueryFailed       = "eventstore: database query failed"
	logMsgScanRowFailed       = "eventstore: failed to scan database row"
	logMsgBuildRawEventFailed = "eventstore: failed to build raw event from database row"
	logMsgCloseRowsFailed     = "eventstore: failed to close database rows"
	logMsgCommitFailed        = "eventstore: committing events failed"
	logMsgEventsLoaded        = "eventstore: events loaded"
	logMsgEventsCommitted     = "eventstore: events committed"
	logMsgConcurrencyConflict = "eventstore: concurrency violation detected"
	logMsgSQLExecuted         = "eventstore: executed sql for "
	logAttrError              = "error"
	logAttrQuery              = "query"
	logAttrStream             = "stream"
	logAttrEventCount         = "event_count"
	logAttrDurationMS         = "duration_ms"
	logAttrExpectedVersion    = "expected_version"
	logAttrActualVersion      = "actual_version"
	logActionExists           = "stream existence check"
	logActionLoadBatch        = "load batch"
	logActionCommit           = "commit"
	colSequenceNumber         = "sequence_number"
	colStreamName             = "stream_name"
	colVersion                = "version"
	colEventType              = "event_type"
	colPayload                = "payload"
	colMetadata               = "metadata"
	colEventID                = "event_id"
	colCorrelationID          = "correlation_id"
	colCausationID            = "causation_id"
	colRecordedAt             = "recorded_at"
	dialectPostgres           = "postgres"
	castJsonb                 = "?::jsonb"
	constraintStreamVersion   = "_stream_version_uq"
	constraintEventID         = "_event_id_uq"
	sqlStateUniqueViolation   = "23505"
	sqlStateLockNotAvailable  = "55P03"
)

var dialect = goqu.Dialect(dialectPostgres)

// appendLockKey is the second key of the table-wide append lock.
var appendLockKey = goqu.L("1")

// EventStorage is the PostgreSQL implementation of eventstore.EventStorage.
//
// Commits to the same stream are serialized with a transaction-scoped advisory lock,
// so the expected version check and the insert are atomic. A second, table-wide lock is
// taken right before inserting, so sequence numbers commit in the order they were drawn.
// Loads page through the events table in batches of increasing sequence numbers.
type EventStorage struct {
	settings
	db adapters.DBAdapter
}

// NewEventStorageFromPGXPool creates an EventStorage using a pgx pool.
func NewEventStorageFromPGXPool(db *pgxpool.Pool, options ...Option) (*EventStorage, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEventStorage(adapters.NewPGXAdapter(db), options)
}

// NewEventStorageFromPGXPoolWithReplica creates an EventStorage that reads from replica
// when the context asks for eventual consistency, see eventstore.WithEventualConsistency.
func NewEventStorageFromPGXPoolWithReplica(primary *pgxpool.Pool, replica *pgxpool.Pool, options ...Option) (*EventStorage, error) {
	if primary == nil || replica == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEventStorage(adapters.NewPGXAdapterWithReplica(primary, replica), options)
}

// NewEventStorageFromSQLDB creates an EventStorage using a database/sql connection (e.g. with lib/pq).
func NewEventStorageFromSQLDB(db *sql.DB, options ...Option) (*EventStorage, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEventStorage(adapters.NewSQLAdapter(db), options)
}

// NewEventStorageFromSQLDBWithReplica is the database/sql variant of NewEventStorageFromPGXPoolWithReplica.
func NewEventStorageFromSQLDBWithReplica(primary *sql.DB, replica *sql.DB, options ...Option) (*EventStorage, error) {
	if primary == nil || replica == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEventStorage(adapters.NewSQLAdapterWithReplica(primary, replica), options)
}

// NewEventStorageFromSQLX creates an EventStorage using a sqlx connection.
func NewEventStorageFromSQLX(db *sqlx.DB, options ...Option) (*EventStorage, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEventStorage(adapters.NewSQLXAdapter(db), options)
}

func newEventStorage(db adapters.DBAdapter, options []Option) (*EventStorage, error) {
	s := &EventStorage{settings: defaultSettings(), db: db}

	if err := s.apply(options); err != nil {
		return nil, err
	}

	return s, nil
}

// Load implements eventstore.EventStorage.
//
// The existence check runs eagerly, the batches are fetched lazily while iterating.
// Each batch is read completely before its events are yielded,
// so no connection is held while the consumer processes events.
func (s *EventStorage) Load(
	ctx context.Context,
	filter eventstore.EventStreamFilter,
) (iter.Seq2[eventstore.RawEvent, error], error) {

	o, ctx := s.startObservation(ctx, spanNameLoad, operationLoad, "", map[string]string{
		spanAttrStreamMatch: filter.StreamConstraint().String(),
		spanAttrStream:      filter.StreamValue(),
	})

	exists, err := s.streamExists(ctx, filter)
	if err != nil {
		o.finishError(errorTypeQuery)
		return nil, err
	}

	if !exists {
		o.finish(statusNotFound, nil)
		return nil, eventstore.ErrStreamNotFound
	}

	o.finishSuccess(nil)

	return func(yield func(eventstore.RawEvent, error) bool) {
		lastSequenceNumber := filter.MinimumSequenceNumber() - 1

		for {
			batch, err := s.loadBatch(ctx, filter, lastSequenceNumber)
			if err != nil {
				yield(eventstore.RawEvent{}, err)
				return
			}

			for _, event := range batch {
				if !yield(event, nil) {
					return
				}
			}

			if len(batch) < s.batchSize {
				return
			}

			lastSequenceNumber = batch[len(batch)-1].SequenceNumber()
		}
	}, nil
}

func (s *EventStorage) streamExists(ctx context.Context, filter eventstore.EventStreamFilter) (bool, error) {
	selectStmt := dialect.From(s.eventTableName).Select(goqu.L("1")).Limit(1)
	if where := streamCondition(filter); where != nil {
		selectStmt = selectStmt.Where(where)
	}

	sqlQuery, args, err := selectStmt.Prepared(true).ToSQL()
	if err != nil {
		s.logError(ctx, logMsgBuildQueryFailed, err)
		return false, errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	start := time.Now()

	rows, err := s.db.Query(ctx, sqlQuery, args...)
	if err != nil {
		s.logError(ctx, logMsgDBQueryFailed, err, logAttrQuery, sqlQuery)
		return false, errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}
	defer s.closeRows(ctx, rows)

	exists := rows.Next()
	if err := rows.Err(); err != nil {
		return false, errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}

	s.logSQL(ctx, logActionExists, sqlQuery, time.Since(start))

	return exists, nil
}

func (s *EventStorage) loadBatch(
	ctx context.Context,
	filter eventstore.EventStreamFilter,
	afterSequenceNumber int64,
) ([]eventstore.RawEvent, error) {

	start := time.Now()
	labels := map[string]string{spanAttrOperation: operationLoad, metricLabelStatus: statusSuccess}

	batch, err := s.queryBatch(ctx, filter, afterSequenceNumber)
	if err != nil {
		labels[metricLabelStatus] = statusError
		s.recordDuration(ctx, metricLoadDuration, time.Since(start), labels)
		s.incrementCounter(ctx, metricDatabaseErrors, map[string]string{spanAttrOperation: operationLoad, spanAttrErrorType: errorTypeQuery})

		return nil, err
	}

	duration := time.Since(start)
	s.recordDuration(ctx, metricLoadDuration, duration, labels)
	s.recordValue(ctx, metricEventsLoaded, float64(len(batch)), labels)
	s.logInfo(ctx, logMsgEventsLoaded, logAttrEventCount, len(batch), logAttrDurationMS, toMilliseconds(duration))

	return batch, nil
}

func (s *EventStorage) queryBatch(
	ctx context.Context,
	filter eventstore.EventStreamFilter,
	afterSequenceNumber int64,
) ([]eventstore.RawEvent, error) {

	conditions := []exp.Expression{goqu.C(colSequenceNumber).Gt(afterSequenceNumber)}

	if where := streamCondition(filter); where != nil {
		conditions = append(conditions, where)
	}

	if filter.HasEventTypes() {
		conditions = append(conditions, goqu.C(colEventType).In(filter.EventTypes()))
	}

	sqlQuery, args, err := dialect.
		From(s.eventTableName).
		Select(colSequenceNumber, colStreamName, colVersion, colEventType, colPayload, colMetadata, colEventID, colRecordedAt).
		Where(conditions...).
		Order(goqu.C(colSequenceNumber).Asc()).
		Limit(uint(s.batchSize)).
		Prepared(true).
		ToSQL()
	if err != nil {
		s.logError(ctx, logMsgBuildQueryFailed, err)
		return nil, errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	start := time.Now()

	rows, err := s.db.Query(ctx, sqlQuery, args...)
	if err != nil {
		s.logError(ctx, logMsgDBQueryFailed, err, logAttrQuery, sqlQuery)
		return nil, errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}
	defer s.closeRows(ctx, rows)

	batch := make([]eventstore.RawEvent, 0, s.batchSize)

	for rows.Next() {
		event, err := s.scanEvent(ctx, rows)
		if err != nil {
			return nil, err
		}

		batch = append(batch, event)
	}

	if err := rows.Err(); err != nil {
		s.logError(ctx, logMsgDBQueryFailed, err, logAttrQuery, sqlQuery)
		return nil, errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}

	s.logSQL(ctx, logActionLoadBatch, sqlQuery, time.Since(start))

	return batch, nil
}

func (s *EventStorage) scanEvent(ctx context.Context, rows adapters.DBRows) (eventstore.RawEvent, error) {
	var (
		sequenceNumber int64
		streamName     string
		version        int64
		eventType      string
		payload        []byte
		metadataJSON   []byte
		eventID        string
		recordedAt     time.Time
	)

	if err := rows.Scan(&sequenceNumber, &streamName, &version, &eventType, &payload, &metadataJSON, &eventID, &recordedAt); err != nil {
		s.logError(ctx, logMsgScanRowFailed, err)
		return eventstore.RawEvent{}, errors.Join(eventstore.ErrScanningDBRowFailed, err)
	}

	metadata, err := eventstore.MetadataFromJSON(metadataJSON)
	if err != nil {
		s.logError(ctx, logMsgBuildRawEventFailed, err, colSequenceNumber, sequenceNumber)
		return eventstore.RawEvent{}, errors.Join(eventstore.ErrBuildingRawEventFailed, err)
	}

	event, err := eventstore.BuildRawEvent(sequenceNumber, streamName, version, eventType, payload, metadata, eventID, recordedAt)
	if err != nil {
		s.logError(ctx, logMsgBuildRawEventFailed, err, colSequenceNumber, sequenceNumber)
		return eventstore.RawEvent{}, errors.Join(eventstore.ErrBuildingRawEventFailed, err)
	}

	return event, nil
}

// Commit implements eventstore.EventStorage.
func (s *EventStorage) Commit(
	ctx context.Context,
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

	o, ctx := s.startObservation(ctx, spanNameCommit, operationCommit, metricCommitDuration, map[string]string{
		spanAttrStream:          streamName.String(),
		spanAttrEventCount:      strconv.Itoa(len(events)),
		spanAttrExpectedVersion: expectedVersion.String(),
	})

	committed, errorType, err := s.commit(ctx, streamName, events, expectedVersion)

	switch {
	case errors.Is(err, eventstore.ErrConcurrencyViolation):
		s.logInfo(ctx, logMsgConcurrencyConflict, logAttrStream, streamName.String(), logAttrExpectedVersion, expectedVersion.String())
		o.finishConcurrencyViolation()

		return nil, err

	case err != nil:
		s.logError(ctx, logMsgCommitFailed, err, logAttrStream, streamName.String())
		o.finishError(errorType)

		return nil, err
	}

	s.recordValue(ctx, metricEventsCommitted, float64(len(committed)), map[string]string{
		spanAttrOperation: operationCommit,
		metricLabelStatus: statusSuccess,
	})
	s.logInfo(ctx, logMsgEventsCommitted,
		logAttrStream, streamName.String(),
		logAttrEventCount, len(committed),
		logAttrDurationMS, toMilliseconds(o.elapsed()))
	o.finishSuccess(map[string]string{spanAttrEventCount: strconv.Itoa(len(committed))})

	return committed, nil
}

// commit returns an error type label alongside any error, for metrics and tracing.
func (s *EventStorage) commit(
	ctx context.Context,
	streamName eventstore.StreamName,
	events []eventstore.WritableEvent,
	expectedVersion eventstore.ExpectedVersion,
) ([]eventstore.RawEvent, string, error) {

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, errorTypeBeginTx, errors.Join(eventstore.ErrBeginTransactionFailed, err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := s.lockStream(ctx, tx, streamName); err != nil {
		return nil, errorTypeExec, err
	}

	actualVersion, err := s.currentVersion(ctx, tx, streamName)
	if err != nil {
		return nil, errorTypeQuery, err
	}

	if !expectedVersion.IsSatisfiedBy(actualVersion) {
		return nil, "", fmt.Errorf("%w: %s=%s %s=%d",
			eventstore.ErrConcurrencyViolation, logAttrExpectedVersion, expectedVersion, logAttrActualVersion, actualVersion)
	}

	if err := s.lockAppends(ctx, tx); err != nil {
		return nil, errorTypeExec, err
	}

	committed, errorType, err := s.insertEvents(ctx, tx, streamName, events, actualVersion)
	if err != nil {
		return nil, errorType, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errorTypeCommitTx, s.mapCommitError(err)
	}

	return committed, "", nil
}

// lockStream serializes concurrent commits to the same stream until the transaction ends.
func (s *EventStorage) lockStream(ctx context.Context, tx adapters.DBTx, streamName eventstore.StreamName) error {
	return s.advisoryLock(ctx, tx, goqu.Func("hashtext", streamName.String()))
}

// lockAppends serializes the inserts of all commits to the events table until the transaction ends.
// Sequence numbers are drawn while holding it, so they become visible in ascending order and
// a reader that saw sequence number n will never find a smaller one appearing later.
// The two-key lock does not collide with the single-key stream locks.
func (s *EventStorage) lockAppends(ctx context.Context, tx adapters.DBTx) error {
	return s.advisoryLock(ctx, tx, goqu.Func("hashtext", s.eventTableName), appendLockKey)
}

func (s *EventStorage) advisoryLock(ctx context.Context, tx adapters.DBTx, keys ...any) error {
	sqlQuery, args, err := dialect.
		Select(goqu.Func("pg_advisory_xact_lock", keys...)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	if _, err := tx.Exec(ctx, sqlQuery, args...); err != nil {
		return errors.Join(eventstore.ErrCommittingEventsFailed, err)
	}

	return nil
}

func (s *EventStorage) currentVersion(ctx context.Context, tx adapters.DBTx, streamName eventstore.StreamName) (int64, error) {
	sqlQuery, args, err := dialect.
		From(s.eventTableName).
		Select(goqu.COALESCE(goqu.MAX(colVersion), -1)).
		Where(goqu.C(colStreamName).Eq(streamName.String())).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	rows, err := tx.Query(ctx, sqlQuery, args...)
	if err != nil {
		return 0, errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}
	defer s.closeRows(ctx, rows)

	version := int64(-1)
	if rows.Next() {
		if err := rows.Scan(&version); err != nil {
			return 0, errors.Join(eventstore.ErrScanningDBRowFailed, err)
		}
	}

	if err := rows.Err(); err != nil {
		return 0, errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}

	return version, nil
}

func (s *EventStorage) insertEvents(
	ctx context.Context,
	tx adapters.DBTx,
	streamName eventstore.StreamName,
	events []eventstore.WritableEvent,
	actualVersion int64,
) ([]eventstore.RawEvent, string, error) {

	recordedAt := s.clock().UTC()
	records := make([]any, 0, len(events))

	for i, event := range events {
		metadataJSON, err := event.Metadata().ToJSON()
		if err != nil {
			return nil, errorTypeBuildQuery, errors.Join(eventstore.ErrInvalidMetadataJSON, err)
		}

		records = append(records, goqu.Record{
			colStreamName:    streamName.String(),
			colVersion:       actualVersion + int64(i) + 1,
			colEventType:     event.EventType(),
			colPayload:       goqu.L(castJsonb, string(event.Payload())),
			colMetadata:      goqu.L(castJsonb, string(metadataJSON)),
			colEventID:       event.Identifier(),
			colCorrelationID: event.Metadata().CorrelationID(),
			colCausationID:   event.Metadata().CausationID(),
			colRecordedAt:    recordedAt,
		})
	}

	sqlQuery, args, err := dialect.
		Insert(s.eventTableName).
		Rows(records...).
		Returning(colEventID, colSequenceNumber).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errorTypeBuildQuery, errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	start := time.Now()

	rows, err := tx.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, errorTypeExec, s.mapCommitError(err)
	}
	defer s.closeRows(ctx, rows)

	sequenceNumbers := make(map[string]int64, len(events))

	for rows.Next() {
		var (
			eventID        string
			sequenceNumber int64
		)

		if err := rows.Scan(&eventID, &sequenceNumber); err != nil {
			return nil, errorTypeScan, errors.Join(eventstore.ErrScanningDBRowFailed, err)
		}

		sequenceNumbers[eventID] = sequenceNumber
	}

	// with pgx, constraint violations of the insert surface here
	if err := rows.Err(); err != nil {
		return nil, errorTypeExec, s.mapCommitError(err)
	}

	s.logSQL(ctx, logActionCommit, sqlQuery, time.Since(start))

	committed := make([]eventstore.RawEvent, 0, len(events))

	for i, event := range events {
		raw, err := eventstore.BuildRawEvent(
			sequenceNumbers[event.Identifier()],
			streamName.String(),
			actualVersion+int64(i)+1,
			event.EventType(),
			event.Payload(),
			event.Metadata(),
			event.Identifier(),
			recordedAt,
		)
		if err != nil {
			return nil, errorTypeBuildEvent, errors.Join(eventstore.ErrBuildingRawEventFailed, err)
		}

		committed = append(committed, raw)
	}

	return committed, "", nil
}

// mapCommitError turns unique violations into the domain errors they stand for.
func (s *EventStorage) mapCommitError(err error) error {
	if adapters.SQLState(err) != sqlStateUniqueViolation {
		return errors.Join(eventstore.ErrCommittingEventsFailed, err)
	}

	if adapters.ConstraintName(err) == s.eventTableName+constraintEventID {
		return errors.Join(eventstore.ErrDuplicateEventID, err)
	}

	return errors.Join(eventstore.ErrConcurrencyViolation, err)
}

func (s *EventStorage) closeRows(ctx context.Context, rows adapters.DBRows) {
	if err := rows.Close(); err != nil {
		s.logWarn(ctx, logMsgCloseRowsFailed, logAttrError, err.Error())
	}
}

// streamCondition returns nil for filters that match all streams.
func streamCondition(filter eventstore.EventStreamFilter) exp.Expression {
	switch filter.StreamConstraint() {
	case eventstore.MatchExactStream:
		return goqu.C(colStreamName).Eq(filter.StreamValue())
	case eventstore.MatchStreamPrefix:
		return goqu.C(colStreamName).Like(escapeLike(filter.StreamValue()) + "%")
	case eventstore.MatchCorrelationID:
		return goqu.C(colCorrelationID).Eq(filter.StreamValue())
	default:
		return nil
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(value string) string {
	return likeEscaper.Replace(value)
}

var _ eventstore.EventStorage = (*EventStorage)(nil)
