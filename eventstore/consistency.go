package eventstore

import "context"

// ConsistencyLevel decides whether reads may be served by a read replica.
type ConsistencyLevel int

const (
	// StrongConsistency reads from the primary database. It is the default and the level
	// the catch-up loop forces, so a listener never misses events it was notified about.
	StrongConsistency ConsistencyLevel = iota

	// EventualConsistency allows reads from a replica.
	EventualConsistency
)

type consistencyKey struct{}

// WithStrongConsistency routes reads made with the returned context to the primary database.
func WithStrongConsistency(ctx context.Context) context.Context {
	return context.WithValue(ctx, consistencyKey{}, StrongConsistency)
}

// WithEventualConsistency lets reads made with the returned context go to a replica, if one is configured:
//
//	events, err := store.Load(eventstore.WithEventualConsistency(ctx), eventstore.AllStreams())
func WithEventualConsistency(ctx context.Context) context.Context {
	return context.WithValue(ctx, consistencyKey{}, EventualConsistency)
}

// GetConsistencyLevel returns the level stored in ctx, StrongConsistency if there is none.
func GetConsistencyLevel(ctx context.Context) ConsistencyLevel {
	level, ok := ctx.Value(consistencyKey{}).(ConsistencyLevel)
	if !ok {
		return StrongConsistency
	}

	return level
}

// AllowsReplicaReads reports whether ctx tolerates stale reads.
func AllowsReplicaReads(ctx context.Context) bool {
	return GetConsistencyLevel(ctx) == EventualConsistency
}

func (c ConsistencyLevel) String() string {
	switch c {
	case StrongConsistency:
		return "strong"
	case EventualConsistency:
		return "eventual"
	}

	return "unknown"
}
