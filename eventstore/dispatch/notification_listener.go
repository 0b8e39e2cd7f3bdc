package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

const (
	logMsgListenerEvent       = "dispatch: notification listener connection event"
	logMsgInvalidNotification = "dispatch: ignoring invalid notification"
	logAttrConnectionEvent    = "connection_event"
	defaultMinReconnect       = 100 * time.Millisecond
	defaultMaxReconnect       = 10 * time.Second
	listenerPingInterval      = 90 * time.Second
)

// ErrListenFailed is returned by NotificationListener.Run if the channel could not be listened on.
var ErrListenFailed = errors.New("listening for commit notifications failed")

// NotificationTarget receives the notifications of a NotificationListener. CatchUpDispatcher is one.
type NotificationTarget interface {
	eventstore.Dispatcher
	TriggerAll()
}

// NotificationListener feeds commit notifications of other processes into a NotificationTarget.
//
// Notifications may be lost while the connection is down, so after every reconnect all listeners
// of the target are triggered.
type NotificationListener struct {
	dsn          string
	channel      string
	target       NotificationTarget
	minReconnect time.Duration
	maxReconnect time.Duration
	logger       eventstore.Logger
}

// NotificationListenerOption defines a functional option for configuring the NotificationListener.
type NotificationListenerOption func(*NotificationListener) error

// WithReconnectInterval bounds the back-off between reconnection attempts.
func WithReconnectInterval(minInterval, maxInterval time.Duration) NotificationListenerOption {
	return func(l *NotificationListener) error {
		if minInterval <= 0 || maxInterval < minInterval {
			return eventstore.ErrInvalidConfiguration
		}

		l.minReconnect = minInterval
		l.maxReconnect = maxInterval

		return nil
	}
}

func WithListenerLogger(logger eventstore.Logger) NotificationListenerOption {
	return func(l *NotificationListener) error {
		l.logger = logger
		return nil
	}
}

func NewNotificationListener(
	dsn string,
	channel string,
	target NotificationTarget,
	options ...NotificationListenerOption,
) (*NotificationListener, error) {

	if dsn == "" || target == nil {
		return nil, eventstore.ErrInvalidConfiguration
	}

	if channel == "" {
		channel = DefaultChannel
	}

	listener := &NotificationListener{
		dsn:          dsn,
		channel:      channel,
		target:       target,
		minReconnect: defaultMinReconnect,
		maxReconnect: defaultMaxReconnect,
	}

	for _, option := range options {
		if err := option(listener); err != nil {
			return nil, err
		}
	}

	return listener, nil
}

// Run listens until ctx is done.
func (l *NotificationListener) Run(ctx context.Context) error {
	pqListener := pq.NewListener(l.dsn, l.minReconnect, l.maxReconnect, l.connectionEvent)
	defer func() { _ = pqListener.Close() }()

	if err := pqListener.Listen(l.channel); err != nil {
		return errors.Join(ErrListenFailed, err)
	}

	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case received, ok := <-pqListener.Notify:
			if !ok {
				return ErrListenFailed
			}

			// nil after a reconnect
			if received == nil {
				l.target.TriggerAll()
				continue
			}

			l.handle(ctx, received.Extra)

		case <-ping.C:
			go func() { _ = pqListener.Ping() }()
		}
	}
}

func (l *NotificationListener) handle(ctx context.Context, payload string) {
	var message notification
	if err := json.Unmarshal([]byte(payload), &message); err != nil {
		l.logWarn(logMsgInvalidNotification, logAttrError, err.Error())
		return
	}

	streamName, err := eventstore.NewStreamName(message.StreamName)
	if err != nil {
		l.logWarn(logMsgInvalidNotification, logAttrStreamName, message.StreamName, logAttrError, err.Error())
		return
	}

	// the committed events are not part of the notification, correlation listeners are triggered conservatively
	_ = l.target.Dispatch(ctx, streamName, nil)
}

func (l *NotificationListener) connectionEvent(event pq.ListenerEventType, err error) {
	if l.logger == nil {
		return
	}

	args := []any{logAttrConnectionEvent, connectionEventName(event)}
	if err != nil {
		args = append(args, logAttrError, err.Error())
	}

	l.logger.Info(logMsgListenerEvent, args...)
}

func (l *NotificationListener) logWarn(msg string, args ...any) {
	if l.logger != nil {
		l.logger.Warn(msg, args...)
	}
}

func connectionEventName(event pq.ListenerEventType) string {
	switch event {
	case pq.ListenerEventConnected:
		return "connected"
	case pq.ListenerEventDisconnected:
		return "disconnected"
	case pq.ListenerEventReconnected:
		return "reconnected"
	case pq.ListenerEventConnectionAttemptFailed:
		return "connection_attempt_failed"
	default:
		return "unknown"
	}
}
