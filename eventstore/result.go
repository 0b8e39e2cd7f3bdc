package eventstore

import (
	"slices"
)

// Result is the outcome of operational hooks like Setup and Status.
// It is immutable, every With* method returns a copy.
type Result struct {
	notices  []string
	warnings []string
	errors   []string
}

func (r Result) WithNotice(message string) Result {
	r.notices = append(slices.Clip(r.notices), message)

	return r
}

func (r Result) WithWarning(message string) Result {
	r.warnings = append(slices.Clip(r.warnings), message)

	return r
}

func (r Result) WithError(message string) Result {
	r.errors = append(slices.Clip(r.errors), message)

	return r
}

// Merge appends all messages of other.
func (r Result) Merge(other Result) Result {
	r.notices = append(slices.Clip(r.notices), other.notices...)
	r.warnings = append(slices.Clip(r.warnings), other.warnings...)
	r.errors = append(slices.Clip(r.errors), other.errors...)

	return r
}

func (r Result) Notices() []string {
	return slices.Clone(r.notices)
}

func (r Result) Warnings() []string {
	return slices.Clone(r.warnings)
}

func (r Result) Errors() []string {
	return slices.Clone(r.errors)
}

func (r Result) HasWarnings() bool {
	return len(r.warnings) > 0
}

func (r Result) HasErrors() bool {
	return len(r.errors) > 0
}
