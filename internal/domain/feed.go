package domain

import "github.com/blackmichael/nearby-feeds/internal/geo"

// ErrorKind discriminates why a ranked result is empty.
type ErrorKind string

const (
	ErrorNone     ErrorKind = "none"
	ErrorLocation ErrorKind = "location-error"
	ErrorStore    ErrorKind = "store-error"
)

// RankedResult is what a consumer renders: candidates within the radius
// ordered by ascending distance, or the reason there are none. Items may be
// shared with other consumers and must not be modified.
type RankedResult struct {
	Set      CandidateSet
	Origin   *geo.Coordinate
	RadiusKm float64
	Items    []AnnotatedCandidate

	// Loading is set on interim results published while a refresh runs.
	Loading bool

	Error ErrorKind
	Err   error
}

// Empty reports whether the result has no items.
func (r *RankedResult) Empty() bool {
	return len(r.Items) == 0
}
