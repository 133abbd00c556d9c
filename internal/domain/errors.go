package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrLocationUnavailable matches every LocationError.
	ErrLocationUnavailable = errors.New("location unavailable")

	// ErrStoreFailure matches every StoreError.
	ErrStoreFailure = errors.New("store failure")

	// ErrUnknownFeed is returned for candidate sets that have no feed configured.
	ErrUnknownFeed = errors.New("unknown feed")

	// ErrReadOnly is returned by write operations when no writer is configured.
	ErrReadOnly = errors.New("feed service is read-only")

	// ErrInvalidInput is returned by write operations for malformed records.
	ErrInvalidInput = errors.New("invalid input")
)

// LocationReason says why requester coordinates could not be obtained.
type LocationReason int

const (
	LocationUnavailable LocationReason = iota
	LocationPermissionDenied
	LocationUnsupported
	LocationTimeout
)

func (r LocationReason) String() string {
	switch r {
	case LocationPermissionDenied:
		return "permission denied"
	case LocationUnsupported:
		return "geolocation unsupported"
	case LocationTimeout:
		return "timed out"
	default:
		return "unavailable"
	}
}

// LocationError reports that the requester's coordinates are not available.
type LocationError struct {
	Reason LocationReason
	Err    error
}

func (e *LocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("location %s: %v", e.Reason, e.Err)
	}
	return "location " + e.Reason.String()
}

func (e *LocationError) Unwrap() error {
	return e.Err
}

func (e *LocationError) Is(target error) bool {
	return target == ErrLocationUnavailable
}

// StoreError reports a failed candidate or profile query. An empty result is
// not a StoreError.
type StoreError struct {
	Op  string
	Set CandidateSet
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Set, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreFailure
}

// KindOf maps an error to the discriminator shown to consumers.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorNone
	case errors.Is(err, ErrLocationUnavailable):
		return ErrorLocation
	default:
		return ErrorStore
	}
}
