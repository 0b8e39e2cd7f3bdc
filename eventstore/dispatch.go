package eventstore

import (
	"context"
)

// Dispatcher is notified by the EventStore after events were committed successfully.
// It typically schedules catch-up work for the listeners interested in the stream.
type Dispatcher interface {
	Dispatch(ctx context.Context, streamName StreamName, committed []RawEvent) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, streamName StreamName, committed []RawEvent) error

func (f DispatcherFunc) Dispatch(ctx context.Context, streamName StreamName, committed []RawEvent) error {
	return f(ctx, streamName, committed)
}
