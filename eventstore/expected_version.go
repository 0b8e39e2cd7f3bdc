package eventstore

import (
	"strconv"
)

// ExpectedVersion expresses the writer's concurrency intent for a commit.
//
// Stream versions are 0-based: the first event of a stream has version 0,
// and a stream that was never written to has version -1.
type ExpectedVersion int64

const (
	// Any skips the concurrency check.
	Any ExpectedVersion = -2

	// NoStream requires that the stream was never written to.
	NoStream ExpectedVersion = -1

	// StreamExists requires that the stream contains at least one event.
	StreamExists ExpectedVersion = -4
)

// ExactVersion requires the stream's current version to be exactly version.
func ExactVersion(version int64) (ExpectedVersion, error) {
	if version < 0 {
		return 0, ErrInvalidExpectedVersion
	}

	return ExpectedVersion(version), nil
}

// IsValid reports whether e is one of the sentinels or a non-negative literal version.
func (e ExpectedVersion) IsValid() bool {
	return e >= 0 || e == Any || e == NoStream || e == StreamExists
}

// IsSatisfiedBy checks the actual current version of a stream against e.
func (e ExpectedVersion) IsSatisfiedBy(actualVersion int64) bool {
	switch e {
	case Any:
		return true
	case NoStream:
		return actualVersion == -1
	case StreamExists:
		return actualVersion >= 0
	default:
		return int64(e) == actualVersion
	}
}

func (e ExpectedVersion) String() string {
	switch e {
	case Any:
		return "any"
	case NoStream:
		return "no_stream"
	case StreamExists:
		return "stream_exists"
	default:
		return strconv.FormatInt(int64(e), 10)
	}
}
