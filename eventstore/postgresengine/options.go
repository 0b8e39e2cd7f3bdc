package postgresengine

import (
	"time"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

const (
	defaultEventTableName  = "events"
	defaultLedgerTableName = "applied_events"
	defaultBatchSize       = 100
	defaultLockTimeout     = time.Second
)

// settings are shared by EventStorage and AppliedEventsStorage,
// so both can be configured with the same option list.
type settings struct {
	eventTableName   string
	ledgerTableName  string
	batchSize        int
	lockTimeout      time.Duration
	clock            func() time.Time
	logger           eventstore.Logger
	contextualLogger eventstore.ContextualLogger
	metricsCollector eventstore.MetricsCollector
	tracingCollector eventstore.TracingCollector
}

func defaultSettings() settings {
	return settings{
		eventTableName:  defaultEventTableName,
		ledgerTableName: defaultLedgerTableName,
		batchSize:       defaultBatchSize,
		lockTimeout:     defaultLockTimeout,
		clock:           time.Now,
	}
}

func (s *settings) apply(options []Option) error {
	for _, option := range options {
		if err := option(s); err != nil {
			return err
		}
	}

	return nil
}

// Option defines a functional option for configuring EventStorage and AppliedEventsStorage.
type Option func(*settings) error

// WithTableName sets the events table name.
func WithTableName(tableName string) Option {
	return func(s *settings) error {
		if tableName == "" {
			return eventstore.ErrEmptyTableName
		}

		s.eventTableName = tableName

		return nil
	}
}

// WithLedgerTableName sets the applied events ledger table name.
func WithLedgerTableName(tableName string) Option {
	return func(s *settings) error {
		if tableName == "" {
			return eventstore.ErrEmptyTableName
		}

		s.ledgerTableName = tableName

		return nil
	}
}

// WithBatchSize sets how many events Load fetches per query.
func WithBatchSize(batchSize int) Option {
	return func(s *settings) error {
		if batchSize < 1 {
			return eventstore.ErrInvalidBatchSize
		}

		s.batchSize = batchSize

		return nil
	}
}

// WithLockTimeout bounds how long a reservation attempt waits for the ledger row lock.
// When it elapses the reservation is reported as unavailable.
func WithLockTimeout(timeout time.Duration) Option {
	return func(s *settings) error {
		if timeout < time.Millisecond {
			return eventstore.ErrInvalidLockTimeout
		}

		s.lockTimeout = timeout

		return nil
	}
}

// WithClock replaces time.Now for the recorded_at timestamps of committed events.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) error {
		if clock == nil {
			return eventstore.ErrInvalidConfiguration
		}

		s.clock = clock

		return nil
	}
}

// WithLogger sets the logger.
// The logger will receive messages at different levels based on the logger's configured level:
//
// Debug level: SQL queries with execution timing (development use)
// Info level: event counts, durations, concurrency violations (production-safe)
// Warn level: non-critical issues like cleanup failures
// Error level: failures that abort an operation.
func WithLogger(logger eventstore.Logger) Option {
	return func(s *settings) error {
		s.logger = logger
		return nil
	}
}

// WithContextualLogger sets a context-aware logger, which takes precedence over the one set with WithLogger.
// Use it for automatic trace correlation, e.g. with oteladapters.NewSlogBridgeLogger.
func WithContextualLogger(logger eventstore.ContextualLogger) Option {
	return func(s *settings) error {
		s.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector.
// It receives load/commit durations, event counts, concurrency violations, reservation outcomes
// and database errors.
func WithMetrics(collector eventstore.MetricsCollector) Option {
	return func(s *settings) error {
		s.metricsCollector = collector
		return nil
	}
}

// WithTracing sets the tracing collector, which receives spans for load, commit and reserve operations.
func WithTracing(collector eventstore.TracingCollector) Option {
	return func(s *settings) error {
		s.tracingCollector = collector
		return nil
	}
}
