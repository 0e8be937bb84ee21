// Package runid mints the lexicographically-sortable, time-ordered
// identifiers assigned to each backend start attempt and passed to the
// run/log sink for correlation.
//
// spec.md calls for "a ULID or equivalent"; a UUIDv7 carries the same
// millisecond-precision time prefix and sorts the same way, so it fills the
// role without pulling in a bespoke ULID library the retrieval pack never
// reaches for (google/uuid is already a direct dependency of the pack's
// cuemby-warren and felixgeelhaar-specular repos).
package runid

import "github.com/google/uuid"

// RunID correlates a single start attempt across the sink's app_started,
// app_stopped/app_start_failed, and append_stdout/append_stderr calls.
type RunID string

// New mints a fresh RunID. Panics only if the system's random source is
// broken beyond repair, same as uuid.Must elsewhere in the ecosystem.
func New() RunID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only errors if crypto/rand is exhausted; fall back to a
		// random v4 rather than crash the lifecycle controller over it.
		id = uuid.New()
	}
	return RunID(id.String())
}

// Zero reports whether the RunID was never assigned.
func (r RunID) Zero() bool {
	return r == ""
}

func (r RunID) String() string {
	return string(r)
}
