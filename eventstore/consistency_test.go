package eventstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

func Test_ConsistencyLevel_FromContext(t *testing.T) {
	testCases := []struct {
		description    string
		ctx            context.Context
		expectedLevel  eventstore.ConsistencyLevel
		replicaAllowed bool
	}{
		{
			description:   "no preference defaults to strong",
			ctx:           context.Background(),
			expectedLevel: eventstore.StrongConsistency,
		},
		{
			description:    "eventual consistency allows replica reads",
			ctx:            eventstore.WithEventualConsistency(context.Background()),
			expectedLevel:  eventstore.EventualConsistency,
			replicaAllowed: true,
		},
		{
			description:   "strong consistency overrides an earlier eventual preference",
			ctx:           eventstore.WithStrongConsistency(eventstore.WithEventualConsistency(context.Background())),
			expectedLevel: eventstore.StrongConsistency,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			// act
			level := eventstore.GetConsistencyLevel(tc.ctx)

			// assert
			assert.Equal(t, tc.expectedLevel, level)
			assert.Equal(t, tc.replicaAllowed, eventstore.AllowsReplicaReads(tc.ctx))
		})
	}
}

func Test_ConsistencyLevel_String(t *testing.T) {
	assert.Equal(t, "strong", eventstore.StrongConsistency.String())
	assert.Equal(t, "eventual", eventstore.EventualConsistency.String())
	assert.Equal(t, "unknown", eventstore.ConsistencyLevel(42).String())
}
