package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ---------------------------------------------------------------------------
	// Upstream Errors
	// ---------------------------------------------------------------------------

	// ErrTransientNetwork is returned when a network failure or 5xx response persists after retries
	ErrTransientNetwork = errors.New("extraction: transient upstream failure")

	// ErrRateLimited is returned when the upstream keeps answering 429 after retries
	ErrRateLimited = errors.New("extraction: upstream rate limit exhausted")

	// ErrAuthExpired is returned when the upstream rejects the access token
	ErrAuthExpired = errors.New("extraction: access token rejected by upstream")

	// ErrNotFound is returned when the upstream has no record for the requested key
	ErrNotFound = errors.New("extraction: upstream record not found")

	// ErrUpstreamRequest is returned for non-retryable 4xx responses
	ErrUpstreamRequest = errors.New("extraction: upstream rejected request")

	// ---------------------------------------------------------------------------
	// Token Errors
	// ---------------------------------------------------------------------------

	// ErrReauthorizationRequired is returned when the refresh token is no longer accepted
	ErrReauthorizationRequired = errors.New("extraction: refresh token rejected, manual reauthorization required")

	// ErrTokenRefresh is returned when a refresh could not be completed after retries
	ErrTokenRefresh = errors.New("extraction: token refresh failed")

	// ErrTokenNotFound is returned when no token pair has been stored yet
	ErrTokenNotFound = errors.New("extraction: no token stored, run the authorization flow")

	// ErrTokenPersist is returned when a freshly issued token pair could not be stored
	ErrTokenPersist = errors.New("extraction: refreshed token could not be persisted")

	// ---------------------------------------------------------------------------
	// Record and Persistence Errors
	// ---------------------------------------------------------------------------

	// ErrValidation is returned when an upstream record fails structural validation
	ErrValidation = errors.New("extraction: record validation failed")

	// ErrPersistence is returned when a single record could not be written
	ErrPersistence = errors.New("extraction: record persistence failed")

	// ErrCheckpointFailed is returned when committing a checkpoint fails
	ErrCheckpointFailed = errors.New("extraction: checkpoint commit failed")

	// ---------------------------------------------------------------------------
	// Run Errors
	// ---------------------------------------------------------------------------

	// ErrPipelineAborted wraps every error that terminates a run
	ErrPipelineAborted = errors.New("extraction: pipeline aborted")

	// ErrRunInProgress is returned when another run holds the run lock
	ErrRunInProgress = errors.New("extraction: another run is in progress")

	// ErrInvalidWindow is returned when the requested window is empty or malformed
	ErrInvalidWindow = errors.New("extraction: invalid extraction window")

	// ErrRecordsFailed is returned under the fail policy when records were skipped
	ErrRecordsFailed = errors.New("extraction: records failed during run")
)

// ValidationError lists the fields of a record that failed validation.
type ValidationError struct {
	Entity string
	Key    string
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s: invalid fields: %s", e.Entity, e.Key, strings.Join(e.Fields, ", "))
}

// Is reports ErrValidation so callers can match with errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsFatal reports whether err must terminate the current run.
// Everything else is a per-record failure that is counted and skipped.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrTransientNetwork),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrAuthExpired),
		errors.Is(err, ErrReauthorizationRequired),
		errors.Is(err, ErrTokenRefresh),
		errors.Is(err, ErrTokenNotFound),
		errors.Is(err, ErrTokenPersist),
		errors.Is(err, ErrCheckpointFailed),
		errors.Is(err, ErrPipelineAborted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
