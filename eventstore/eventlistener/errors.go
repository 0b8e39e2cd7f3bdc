package eventlistener

import (
	"errors"
	"fmt"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

// ErrEventApplicationFailed matches every *EventApplicationError.
var ErrEventApplicationFailed = errors.New("applying event to listener failed")

// EventApplicationError carries the listener and the event whose application failed.
// Progress stays at the event before, so the next catch-up retries exactly this event.
type EventApplicationError struct {
	ListenerID string
	Event      eventstore.RawEvent
	Err        error
}

func (e *EventApplicationError) Error() string {
	return fmt.Sprintf(
		"listener %q failed to apply event %s (type %s, sequence number %d): %v",
		e.ListenerID,
		e.Event.Identifier(),
		e.Event.EventType(),
		e.Event.SequenceNumber(),
		e.Err,
	)
}

func (e *EventApplicationError) Unwrap() []error {
	return []error{ErrEventApplicationFailed, e.Err}
}
