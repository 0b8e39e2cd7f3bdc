package dispatch

import (
	"context"
	"database/sql"
	"errors"

	jsoniter "github.com/json-iterator/go"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

// DefaultChannel is the LISTEN/NOTIFY channel used if none is configured.
const DefaultChannel = "eventstore_committed"

// pg_notify payloads are limited to 8000 bytes, so the payload only names the stream.
const maxNotificationPayload = 8000

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotificationFailed is returned by PostgresNotifier.Dispatch if pg_notify failed.
var ErrNotificationFailed = errors.New("sending commit notification failed")

// notification is the payload of a commit notification.
type notification struct {
	StreamName            string `json:"stream_name"`
	HighestSequenceNumber int64  `json:"highest_sequence_number"`
	EventCount            int    `json:"event_count"`
}

// PostgresNotifier announces commits to other processes with pg_notify.
type PostgresNotifier struct {
	db      *sql.DB
	channel string
}

func NewPostgresNotifier(db *sql.DB, channel string) (*PostgresNotifier, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	if channel == "" {
		channel = DefaultChannel
	}

	return &PostgresNotifier{db: db, channel: channel}, nil
}

func (n *PostgresNotifier) Dispatch(ctx context.Context, streamName eventstore.StreamName, committed []eventstore.RawEvent) error {
	message := notification{StreamName: streamName.String(), EventCount: len(committed)}
	if len(committed) > 0 {
		message.HighestSequenceNumber = committed[len(committed)-1].SequenceNumber()
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return errors.Join(ErrNotificationFailed, err)
	}

	if len(payload) > maxNotificationPayload {
		return ErrNotificationFailed
	}

	if _, err := n.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", n.channel, string(payload)); err != nil {
		return errors.Join(ErrNotificationFailed, err)
	}

	return nil
}

var _ eventstore.Dispatcher = (*PostgresNotifier)(nil)
