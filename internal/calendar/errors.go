package calendar

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying sync failures. The orchestrator catches all of
// them at its boundary; the distinctions matter for status handling and for
// callers deciding whether a retry can ever succeed.
var (
	// ErrFetchTimeout marks a feed fetch that hit the hard request timeout,
	// as opposed to other network failures. Retryable on the next interval.
	ErrFetchTimeout = errors.New("calendar fetch timed out")

	// ErrMalformedFeed marks a feed document that could not be parsed at
	// all. No partial data is applied.
	ErrMalformedFeed = errors.New("malformed calendar feed")

	// ErrAuthExpired marks a rejected refresh token. Terminal until the
	// user re-authorizes the connection.
	ErrAuthExpired = errors.New("calendar authorization expired")

	// ErrSourceNotFound is returned when a sync is requested for an
	// unknown subscription or connection.
	ErrSourceNotFound = errors.New("sync source not found")

	// ErrSyncInFlight is returned when a sync is requested for a source
	// that already has one running. The reconciler's read-then-write diff
	// is not safe to run concurrently against the same source.
	ErrSyncInFlight = errors.New("sync already in progress for source")
)

// malformedFeed wraps a parse error so callers can classify it with
// errors.Is(err, ErrMalformedFeed) while keeping the cause.
func malformedFeed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedFeed, err)
}
