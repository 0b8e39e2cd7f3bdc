package eventstore

import (
	"errors"
	"fmt"
)

var (
	ErrConcurrencyViolation = errors.New("concurrency violation: actual stream version does not satisfy the expected version")
	ErrStreamNotFound       = errors.New("stream not found")
	ErrDuplicateEventID     = errors.New("an event with the same identifier was already committed")

	ErrVirtualStreamNotWritable = errors.New("virtual streams can not be committed to")
	ErrDispatchFailed           = errors.New("events were committed but dispatching them failed")

	ErrLedgerNotInitialized = errors.New("applied events ledger is not initialized for this listener")
	ErrReservationLost      = errors.New("reservation was taken over by another process")
	ErrReservationClosed    = errors.New("reservation was already released or rolled back")
	ErrProgressRegression   = errors.New("highest applied sequence number must not decrease")

	ErrQueryingEventsFailed   = errors.New("querying events failed")
	ErrScanningDBRowFailed    = errors.New("scanning db row failed")
	ErrBuildingQueryFailed    = errors.New("building query failed")
	ErrBuildingRawEventFailed = errors.New("building raw event failed")
	ErrCommittingEventsFailed = errors.New("committing events failed")
	ErrBeginTransactionFailed = errors.New("beginning transaction failed")
	ErrLedgerOperationFailed  = errors.New("applied events ledger operation failed")

	ErrInvalidPayloadJSON  = errors.New("payload json is not valid")
	ErrInvalidMetadataJSON = errors.New("metadata json is not valid")
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrEncodingEventFailed = errors.New("encoding event failed")
	ErrDecodingEventFailed = errors.New("decoding event failed")
)

// ErrInvalidConfiguration is the parent of all wiring and validation errors.
// Use errors.Is(err, ErrInvalidConfiguration) to tell them apart from runtime failures.
var ErrInvalidConfiguration = errors.New("invalid configuration")

var (
	ErrEmptyStreamName         = fmt.Errorf("%w: empty stream name", ErrInvalidConfiguration)
	ErrReservedStreamName      = fmt.Errorf("%w: stream name starts with the reserved character %q", ErrInvalidConfiguration, virtualStreamSentinel)
	ErrEmptyCategory           = fmt.Errorf("%w: empty stream category", ErrInvalidConfiguration)
	ErrInvalidExpectedVersion  = fmt.Errorf("%w: invalid expected version", ErrInvalidConfiguration)
	ErrEmptyEventTypeFilter    = fmt.Errorf("%w: event type filter must contain at least one event type", ErrInvalidConfiguration)
	ErrNegativeSequenceNumber  = fmt.Errorf("%w: minimum sequence number must not be negative", ErrInvalidConfiguration)
	ErrMissingStreamConstraint = fmt.Errorf("%w: stream filter was finalized without a stream constraint", ErrInvalidConfiguration)
	ErrInvalidCorrelationID    = fmt.Errorf("%w: correlation id must be non-empty and at most %d characters", ErrInvalidConfiguration, MaxIdentifierLength)
	ErrInvalidCausationID      = fmt.Errorf("%w: causation id must be non-empty and at most %d characters", ErrInvalidConfiguration, MaxIdentifierLength)
	ErrInvalidEventID          = fmt.Errorf("%w: event id must be non-empty and at most %d characters", ErrInvalidConfiguration, MaxIdentifierLength)
	ErrEmptyEventType          = fmt.Errorf("%w: empty event type", ErrInvalidConfiguration)
	ErrDuplicateEventType      = fmt.Errorf("%w: event type registered more than once", ErrInvalidConfiguration)
	ErrEmptyTableName          = fmt.Errorf("%w: empty table name", ErrInvalidConfiguration)
	ErrNilDatabaseConnection   = fmt.Errorf("%w: database connection must not be nil", ErrInvalidConfiguration)
	ErrInvalidBatchSize        = fmt.Errorf("%w: batch size must be at least 1", ErrInvalidConfiguration)
	ErrInvalidLockTimeout      = fmt.Errorf("%w: lock timeout must be positive", ErrInvalidConfiguration)
	ErrNilStorage              = fmt.Errorf("%w: event storage must not be nil", ErrInvalidConfiguration)
	ErrNilNormalizer           = fmt.Errorf("%w: event normalizer must not be nil", ErrInvalidConfiguration)
	ErrNilAppliedEventsStorage = fmt.Errorf("%w: applied events storage must not be nil", ErrInvalidConfiguration)
)
