package postgresengine

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

const (
	spanNameLoad    = "eventstore.load"
	spanNameCommit  = "eventstore.commit"
	spanNameReserve = "eventstore.reserve"

	spanAttrOperation       = "operation"
	spanAttrStream          = "stream"
	spanAttrStreamMatch     = "stream_match"
	spanAttrEventCount      = "event_count"
	spanAttrExpectedVersion = "expected_version"
	spanAttrListenerID      = "listener_id"
	spanAttrErrorType       = "error_type"
	spanAttrDurationMS      = "duration_ms"

	operationLoad    = "load"
	operationCommit  = "commit"
	operationReserve = "reserve"

	statusSuccess     = "success"
	statusError       = "error"
	statusConflict    = "concurrency_violation"
	statusUnavailable = "unavailable"
	statusNotFound    = "not_found"

	metricLoadDuration          = "eventstore_load_duration_seconds"
	metricCommitDuration        = "eventstore_commit_duration_seconds"
	metricEventsCommitted       = "eventstore_events_committed_total"
	metricEventsLoaded          = "eventstore_events_loaded_total"
	metricConcurrencyViolations = "eventstore_concurrency_violations_total"
	metricReservations          = "eventstore_reservations_total"
	metricDatabaseErrors        = "eventstore_database_errors_total"

	metricLabelStatus  = "status"
	metricLabelOutcome = "outcome"

	errorTypeBuildQuery  = "build_query"
	errorTypeQuery       = "query"
	errorTypeScan        = "scan"
	errorTypeBuildEvent  = "build_event"
	errorTypeBeginTx     = "begin_tx"
	errorTypeExec        = "exec"
	errorTypeCommitTx    = "commit_tx"
	errorTypeDuplicateID = "duplicate_event_id"
)

// observation bundles the tracing span and the metrics of one load, commit or reserve operation.
type observation struct {
	s              *settings
	ctx            context.Context
	span           eventstore.SpanContext
	operation      string
	durationMetric string
	start          time.Time
}

func (s *settings) startObservation(
	ctx context.Context,
	spanName string,
	operation string,
	durationMetric string,
	attrs map[string]string,
) (*observation, context.Context) {

	o := &observation{s: s, operation: operation, durationMetric: durationMetric, start: time.Now()}

	if s.tracingCollector != nil {
		spanAttrs := map[string]string{spanAttrOperation: operation}
		for key, value := range attrs {
			spanAttrs[key] = value
		}

		ctx, o.span = s.tracingCollector.StartSpan(ctx, spanName, spanAttrs)
	}

	o.ctx = ctx

	return o, ctx
}

func (o *observation) elapsed() time.Duration {
	return time.Since(o.start)
}

// finish ends the span with status and records the duration metric, if the operation has one.
func (o *observation) finish(status string, attrs map[string]string) {
	duration := o.elapsed()

	if o.durationMetric != "" {
		o.s.recordDuration(o.ctx, o.durationMetric, duration, map[string]string{
			spanAttrOperation: o.operation,
			metricLabelStatus: status,
		})
	}

	if o.span == nil {
		return
	}

	o.span.SetStatus(status)
	o.span.AddAttribute(spanAttrDurationMS, strconv.FormatFloat(toMilliseconds(duration), 'f', 2, 64))

	o.s.tracingCollector.FinishSpan(o.span, status, attrs)
}

func (o *observation) finishSuccess(attrs map[string]string) {
	o.finish(statusSuccess, attrs)
}

// finishError ends the span as failed and counts a database error of errorType.
func (o *observation) finishError(errorType string) {
	o.s.incrementCounter(o.ctx, metricDatabaseErrors, map[string]string{
		spanAttrOperation: o.operation,
		spanAttrErrorType: errorType,
	})

	o.finish(statusError, map[string]string{spanAttrErrorType: errorType})
}

func (o *observation) finishConcurrencyViolation() {
	o.s.incrementCounter(o.ctx, metricConcurrencyViolations, map[string]string{spanAttrOperation: o.operation})
	o.finish(statusConflict, nil)
}

func (s *settings) recordDuration(ctx context.Context, metric string, duration time.Duration, labels map[string]string) {
	if s.metricsCollector == nil {
		return
	}

	if collector, ok := s.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		collector.RecordDurationContext(ctx, metric, duration, labels)
		return
	}

	s.metricsCollector.RecordDuration(metric, duration, labels)
}

func (s *settings) recordValue(ctx context.Context, metric string, value float64, labels map[string]string) {
	if s.metricsCollector == nil {
		return
	}

	if collector, ok := s.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		collector.RecordValueContext(ctx, metric, value, labels)
		return
	}

	s.metricsCollector.RecordValue(metric, value, labels)
}

func (s *settings) incrementCounter(ctx context.Context, metric string, labels map[string]string) {
	if s.metricsCollector == nil {
		return
	}

	if collector, ok := s.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		collector.IncrementCounterContext(ctx, metric, labels)
		return
	}

	s.metricsCollector.IncrementCounter(metric, labels)
}

// logSQL logs an executed statement with its timing at debug level.
func (s *settings) logSQL(ctx context.Context, action string, sqlQuery string, duration time.Duration) {
	args := []any{logAttrDurationMS, toMilliseconds(duration), logAttrQuery, sqlQuery}

	if s.contextualLogger != nil {
		s.contextualLogger.DebugContext(ctx, logMsgSQLExecuted+action, args...)
		return
	}

	if s.logger != nil {
		s.logger.Debug(logMsgSQLExecuted+action, args...)
	}
}

func (s *settings) logInfo(ctx context.Context, msg string, args ...any) {
	if s.contextualLogger != nil {
		s.contextualLogger.InfoContext(ctx, msg, args...)
		return
	}

	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *settings) logWarn(ctx context.Context, msg string, args ...any) {
	if s.contextualLogger != nil {
		s.contextualLogger.WarnContext(ctx, msg, args...)
		return
	}

	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func (s *settings) logError(ctx context.Context, msg string, err error, args ...any) {
	allArgs := append([]any{logAttrError, err.Error()}, args...)

	if s.contextualLogger != nil {
		s.contextualLogger.ErrorContext(ctx, msg, allArgs...)
		return
	}

	if s.logger != nil {
		s.logger.Error(msg, allArgs...)
	}
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}
