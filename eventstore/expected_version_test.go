package eventstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neos/Neos.EventSourcing-sub000/eventstore"
)

func Test_ExpectedVersion_IsSatisfiedBy(t *testing.T) {
	exactly3, err := eventstore.ExactVersion(3)
	require.NoError(t, err, "error in arranging test data")

	tests := []struct {
		name          string
		expected      eventstore.ExpectedVersion
		actualVersion int64
		satisfied     bool
	}{
		{name: "any on missing stream", expected: eventstore.Any, actualVersion: -1, satisfied: true},
		{name: "any on existing stream", expected: eventstore.Any, actualVersion: 7, satisfied: true},
		{name: "no stream on missing stream", expected: eventstore.NoStream, actualVersion: -1, satisfied: true},
		{name: "no stream on existing stream", expected: eventstore.NoStream, actualVersion: 0, satisfied: false},
		{name: "stream exists on missing stream", expected: eventstore.StreamExists, actualVersion: -1, satisfied: false},
		{name: "stream exists on existing stream", expected: eventstore.StreamExists, actualVersion: 0, satisfied: true},
		{name: "exact version matches", expected: exactly3, actualVersion: 3, satisfied: true},
		{name: "exact version is behind", expected: exactly3, actualVersion: 4, satisfied: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.satisfied, tc.expected.IsSatisfiedBy(tc.actualVersion))
		})
	}
}

func Test_ExpectedVersion_Validation(t *testing.T) {
	_, err := eventstore.ExactVersion(-1)
	assert.ErrorIs(t, err, eventstore.ErrInvalidExpectedVersion)

	assert.True(t, eventstore.Any.IsValid())
	assert.True(t, eventstore.NoStream.IsValid())
	assert.True(t, eventstore.StreamExists.IsValid())
	assert.True(t, eventstore.ExpectedVersion(0).IsValid())
	assert.False(t, eventstore.ExpectedVersion(-3).IsValid())
}

func Test_ExpectedVersion_String(t *testing.T) {
	assert.Equal(t, "any", eventstore.Any.String())
	assert.Equal(t, "no_stream", eventstore.NoStream.String())
	assert.Equal(t, "stream_exists", eventstore.StreamExists.String())
	assert.Equal(t, "12", eventstore.ExpectedVersion(12).String())
}
