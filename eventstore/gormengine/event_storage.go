package gormengine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"gorm.io/gorm"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

const (
	logMsgCommitted           = "eventstore: events committed"
	logMsgConcurrencyConflict = "eventstore: concurrency violation on commit"
	logMsgSchemaMissing       = "eventstore: table is missing, run Setup"
	logAttrStreamName         = "stream_name"
	logAttrEventCount         = "event_count"
	logAttrExpectedVersion    = "expected_version"
	logAttrDialect            = "dialect"
	logAttrTable              = "table"
)

// EventStorage is the gorm implementation of eventstore.EventStorage.
type EventStorage struct {
	engine *Engine
}

func (s *EventStorage) table(ctx context.Context) *gorm.DB {
	return s.engine.db.WithContext(ctx).Table(s.engine.cfg.TableName)
}

func (s *EventStorage) Load(ctx context.Context, filter eventstore.EventStreamFilter) (iter.Seq2[eventstore.RawEvent, error], error) {
	var found []int64

	err := s.streamScope(s.table(ctx), filter).
		Limit(1).
		Pluck(colSequenceNumber, &found).Error
	if err != nil {
		return nil, errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}

	if len(found) == 0 {
		return nil, eventstore.ErrStreamNotFound
	}

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

			if len(batch) < s.engine.cfg.BatchSize {
				return
			}

			lastSequenceNumber = batch[len(batch)-1].SequenceNumber()
		}
	}, nil
}

func (s *EventStorage) loadBatch(
	ctx context.Context,
	filter eventstore.EventStreamFilter,
	afterSequenceNumber int64,
) ([]eventstore.RawEvent, error) {

	query := s.streamScope(s.table(ctx), filter).Where(colSequenceNumber+" > ?", afterSequenceNumber)

	if filter.HasEventTypes() {
		query = query.Where(colEventType+" IN ?", filter.EventTypes())
	}

	var records []eventRecord
	if err := query.Order(colSequenceNumber + " ASC").Limit(s.engine.cfg.BatchSize).Find(&records).Error; err != nil {
		return nil, errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}

	events := make([]eventstore.RawEvent, 0, len(records))
	for _, record := range records {
		event, err := record.toRawEvent()
		if err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	return events, nil
}

func (s *EventStorage) streamScope(query *gorm.DB, filter eventstore.EventStreamFilter) *gorm.DB {
	switch filter.StreamConstraint() {
	case eventstore.MatchExactStream:
		return query.Where(colStreamName+" = ?", filter.StreamValue())
	case eventstore.MatchStreamPrefix:
		condition, value := s.engine.dialect.prefixCondition(colStreamName, filter.StreamValue())
		return query.Where(condition, value)
	case eventstore.MatchCorrelationID:
		return query.Where(colCorrelationID+" = ?", filter.StreamValue())
	default:
		return query
	}
}

func (r eventRecord) toRawEvent() (eventstore.RawEvent, error) {
	metadata, err := eventstore.MetadataFromJSON([]byte(r.Metadata))
	if err != nil {
		return eventstore.RawEvent{}, errors.Join(eventstore.ErrBuildingRawEventFailed, err)
	}

	event, err := eventstore.BuildRawEvent(
		r.SequenceNumber,
		r.StreamName,
		r.Version,
		r.EventType,
		[]byte(r.Payload),
		metadata,
		r.EventID,
		r.RecordedAt.UTC(),
	)
	if err != nil {
		return eventstore.RawEvent{}, errors.Join(eventstore.ErrBuildingRawEventFailed, err)
	}

	return event, nil
}

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

	var records []eventRecord

	err := s.engine.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.engine.dialect.lockStream(tx, streamName.String()); err != nil {
			return err
		}

		var currentVersion int64

		row := tx.Table(s.engine.cfg.TableName).
			Select("COALESCE(MAX("+colVersion+"), -1)").
			Where(colStreamName+" = ?", streamName.String()).
			Row()
		if err := row.Scan(&currentVersion); err != nil {
			return err
		}

		if !expectedVersion.IsSatisfiedBy(currentVersion) {
			return fmt.Errorf("%w: expected %s, actual %d", eventstore.ErrConcurrencyViolation, expectedVersion, currentVersion)
		}

		var err error
		if records, err = buildRecords(streamName, events, currentVersion); err != nil {
			return err
		}

		if err := s.engine.dialect.lockAppends(tx, s.engine.cfg.TableName); err != nil {
			return err
		}

		return tx.Table(s.engine.cfg.TableName).Create(&records).Error
	})
	if err != nil {
		err = s.mapCommitError(err)

		if errors.Is(err, eventstore.ErrConcurrencyViolation) {
			s.engine.logWarn(logMsgConcurrencyConflict,
				logAttrStreamName, streamName.String(),
				logAttrExpectedVersion, expectedVersion.String())
		}

		return nil, err
	}

	committed := make([]eventstore.RawEvent, 0, len(records))
	for _, record := range records {
		event, err := record.toRawEvent()
		if err != nil {
			return nil, err
		}

		committed = append(committed, event)
	}

	s.engine.logInfo(logMsgCommitted, logAttrStreamName, streamName.String(), logAttrEventCount, len(committed))

	return committed, nil
}

func buildRecords(streamName eventstore.StreamName, events []eventstore.WritableEvent, currentVersion int64) ([]eventRecord, error) {
	recordedAt := time.Now().UTC()
	records := make([]eventRecord, 0, len(events))

	for i, event := range events {
		metadataJSON, err := event.Metadata().ToJSON()
		if err != nil {
			return nil, errors.Join(eventstore.ErrInvalidMetadataJSON, err)
		}

		records = append(records, eventRecord{
			StreamName:    streamName.String(),
			Version:       currentVersion + int64(i) + 1,
			EventType:     event.EventType(),
			Payload:       string(event.Payload()),
			Metadata:      string(metadataJSON),
			EventID:       event.Identifier(),
			CorrelationID: event.Metadata().CorrelationID(),
			CausationID:   event.Metadata().CausationID(),
			RecordedAt:    recordedAt,
		})
	}

	return records, nil
}

func (s *EventStorage) mapCommitError(err error) error {
	switch {
	case errors.Is(err, eventstore.ErrConcurrencyViolation),
		errors.Is(err, eventstore.ErrInvalidMetadataJSON),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}

	if unique, duplicateID := s.engine.dialect.classifyWriteError(err); unique {
		if duplicateID {
			return eventstore.ErrDuplicateEventID
		}

		return errors.Join(eventstore.ErrConcurrencyViolation, err)
	}

	return errors.Join(eventstore.ErrCommittingEventsFailed, err)
}

// Setup creates the events table and its indexes if they do not exist.
func (s *EventStorage) Setup(ctx context.Context) eventstore.Result {
	table := s.engine.cfg.TableName

	if err := s.engine.db.WithContext(ctx).Table(table).AutoMigrate(&eventRecord{}); err != nil {
		return eventstore.Result{}.WithError(fmt.Sprintf("migrating %s failed: %s", table, err))
	}

	indexes := []struct {
		suffix  string
		unique  bool
		columns string
	}{
		{suffix: "_stream_version_uq", unique: true, columns: colStreamName + ", " + colVersion},
		{suffix: uniqueEventIDSuffix, unique: true, columns: colEventID},
		{suffix: "_correlation_idx", columns: colCorrelationID},
		{suffix: "_event_type_idx", columns: colEventType},
	}

	result := eventstore.Result{}.WithNotice(fmt.Sprintf("table %s is migrated (%s)", table, s.engine.dialect.name()))

	for _, index := range indexes {
		kind := "INDEX"
		if index.unique {
			kind = "UNIQUE INDEX"
		}

		ddl := fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)",
			kind, quoteIdentifier(table+index.suffix), quoteIdentifier(table), index.columns)

		if err := s.engine.db.WithContext(ctx).Exec(ddl).Error; err != nil {
			return result.WithError(fmt.Sprintf("creating index %s failed: %s", table+index.suffix, err))
		}
	}

	return result
}

// Status pings the database and checks that the events table exists.
func (s *EventStorage) Status(ctx context.Context) eventstore.Result {
	return s.engine.status(ctx, s.engine.cfg.TableName)
}

func (e *Engine) status(ctx context.Context, table string) eventstore.Result {
	sqlDB, err := e.db.DB()
	if err != nil {
		return eventstore.Result{}.WithError(err.Error())
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return eventstore.Result{}.WithError(fmt.Sprintf("%s database is not reachable: %s", e.dialect.name(), err))
	}

	result := eventstore.Result{}.WithNotice(fmt.Sprintf("%s database is reachable", e.dialect.name()))

	if !e.db.WithContext(ctx).Migrator().HasTable(table) {
		e.logWarn(logMsgSchemaMissing, logAttrDialect, e.dialect.name(), logAttrTable, table)
		return result.WithWarning(fmt.Sprintf("table %s does not exist", table))
	}

	return result.WithNotice(fmt.Sprintf("table %s exists", table))
}

var _ eventstore.EventStorage = (*EventStorage)(nil)
