package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
	"github.com/neos/Neos.EventSourcing-sub000/eventstore/eventlistener"
)

const (
	logMsgCatchUpFailed  = "dispatch: catch-up failed"
	logMsgWorkersStarted = "dispatch: catch-up workers started"
	logMsgWorkersStopped = "dispatch: catch-up workers stopped"
	logMsgTriggerDropped = "dispatch: trigger for unknown listener ignored"
	logAttrListenerID    = "listener_id"
	logAttrListenerCount = "listener_count"
	logAttrStreamName    = "stream_name"
	logAttrError         = "error"
	defaultPollInterval  = time.Duration(0)
)

// ErrAlreadyRunning is returned by Run if the dispatcher's workers are already running.
var ErrAlreadyRunning = errors.New("catch-up dispatcher is already running")

// CatchUp is the part of eventlistener.Invoker the dispatcher drives.
type CatchUp interface {
	CatchUp(ctx context.Context, listener eventlistener.Listener) (eventlistener.CatchUpResult, error)
}

// CatchUpDispatcher catches up listeners in the background after commits.
//
// Dispatch never blocks: it marks the interested listeners as due and returns.
// Every listener has one worker, so catch-ups of a listener never overlap inside a process.
// Triggers arriving while a catch-up runs coalesce into a single follow-up run.
type CatchUpDispatcher struct {
	registry         *eventlistener.Registry
	invoker          CatchUp
	triggers         map[string]chan struct{}
	pollInterval     time.Duration
	running          atomic.Bool
	logger           eventstore.Logger
	contextualLogger eventstore.ContextualLogger
}

// CatchUpDispatcherOption defines a functional option for configuring the CatchUpDispatcher.
type CatchUpDispatcherOption func(*CatchUpDispatcher) error

// WithPollInterval additionally catches up every listener periodically,
// which picks up commits from processes that do not notify this one. Zero disables polling.
func WithPollInterval(interval time.Duration) CatchUpDispatcherOption {
	return func(d *CatchUpDispatcher) error {
		if interval < 0 {
			return eventstore.ErrInvalidConfiguration
		}

		d.pollInterval = interval

		return nil
	}
}

func WithLogger(logger eventstore.Logger) CatchUpDispatcherOption {
	return func(d *CatchUpDispatcher) error {
		d.logger = logger
		return nil
	}
}

func WithContextualLogger(logger eventstore.ContextualLogger) CatchUpDispatcherOption {
	return func(d *CatchUpDispatcher) error {
		d.contextualLogger = logger
		return nil
	}
}

func NewCatchUpDispatcher(
	registry *eventlistener.Registry,
	invoker CatchUp,
	options ...CatchUpDispatcherOption,
) (*CatchUpDispatcher, error) {

	if registry == nil || invoker == nil {
		return nil, eventstore.ErrInvalidConfiguration
	}

	dispatcher := &CatchUpDispatcher{
		registry:     registry,
		invoker:      invoker,
		triggers:     make(map[string]chan struct{}),
		pollInterval: defaultPollInterval,
	}

	for _, listener := range registry.Listeners() {
		dispatcher.triggers[listener.ID()] = make(chan struct{}, 1)
	}

	for _, option := range options {
		if err := option(dispatcher); err != nil {
			return nil, err
		}
	}

	return dispatcher, nil
}

// Dispatch marks the listeners interested in the committed events as due.
func (d *CatchUpDispatcher) Dispatch(_ context.Context, streamName eventstore.StreamName, committed []eventstore.RawEvent) error {
	for _, listener := range d.registry.InterestedIn(streamName, committed) {
		d.trigger(listener.ID())
	}

	return nil
}

// Trigger marks one listener as due. It reports false for unknown listener ids.
func (d *CatchUpDispatcher) Trigger(listenerID string) bool {
	if _, ok := d.triggers[listenerID]; !ok {
		d.logInfo(context.Background(), logMsgTriggerDropped, logAttrListenerID, listenerID)
		return false
	}

	d.trigger(listenerID)

	return true
}

// TriggerAll marks every listener as due.
func (d *CatchUpDispatcher) TriggerAll() {
	for listenerID := range d.triggers {
		d.trigger(listenerID)
	}
}

func (d *CatchUpDispatcher) trigger(listenerID string) {
	select {
	case d.triggers[listenerID] <- struct{}{}:
	default:
		// already due
	}
}

// Run starts one worker per listener and blocks until ctx is done.
// Every listener is caught up once on start. Failed catch-ups are logged and retried on the next trigger.
func (d *CatchUpDispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer d.running.Store(false)

	group, groupCtx := errgroup.WithContext(ctx)

	for _, listener := range d.registry.Listeners() {
		group.Go(func() error {
			d.work(groupCtx, listener)
			return nil
		})
	}

	d.logInfo(ctx, logMsgWorkersStarted, logAttrListenerCount, len(d.triggers))
	d.TriggerAll()

	err := group.Wait()

	d.logInfo(ctx, logMsgWorkersStopped, logAttrListenerCount, len(d.triggers))

	return err
}

func (d *CatchUpDispatcher) work(ctx context.Context, listener eventlistener.Listener) {
	trigger := d.triggers[listener.ID()]

	var poll <-chan time.Time
	if d.pollInterval > 0 {
		ticker := time.NewTicker(d.pollInterval)
		defer ticker.Stop()

		poll = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
		case <-poll:
		}

		// OutcomeUnavailable means another process is on it, nothing to do here
		if _, err := d.invoker.CatchUp(ctx, listener); err != nil && ctx.Err() == nil {
			d.logError(ctx, logMsgCatchUpFailed, logAttrListenerID, listener.ID(), logAttrError, err.Error())
		}
	}
}

func (d *CatchUpDispatcher) logInfo(ctx context.Context, msg string, args ...any) {
	if d.contextualLogger != nil {
		d.contextualLogger.InfoContext(ctx, msg, args...)
		return
	}

	if d.logger != nil {
		d.logger.Info(msg, args...)
	}
}

func (d *CatchUpDispatcher) logError(ctx context.Context, msg string, args ...any) {
	if d.contextualLogger != nil {
		d.contextualLogger.ErrorContext(ctx, msg, args...)
		return
	}

	if d.logger != nil {
		d.logger.Error(msg, args...)
	}
}

var _ eventstore.Dispatcher = (*CatchUpDispatcher)(nil)
