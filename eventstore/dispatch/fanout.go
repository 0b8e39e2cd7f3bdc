package dispatch

import (
	"context"
	"errors"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

// Fanout returns a Dispatcher calling all dispatchers in order.
// A failing dispatcher does not stop the others, their errors are joined.
func Fanout(dispatchers ...eventstore.Dispatcher) eventstore.Dispatcher {
	return eventstore.DispatcherFunc(func(ctx context.Context, streamName eventstore.StreamName, committed []eventstore.RawEvent) error {
		var errs []error

		for _, dispatcher := range dispatchers {
			if err := dispatcher.Dispatch(ctx, streamName, committed); err != nil {
				errs = append(errs, err)
			}
		}

		return errors.Join(errs...)
	})
}
