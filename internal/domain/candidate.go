package domain

import (
	"time"

	"github.com/blackmichael/nearby-feeds/internal/geo"
)

// CandidateSet names a table of records that can be ranked by proximity.
type CandidateSet string

const (
	// SetPosts holds animal-welfare incident reports.
	SetPosts CandidateSet = "posts"

	// SetDoctors holds doctors currently advertising availability.
	SetDoctors CandidateSet = "doctor_status"
)

// Candidate is a record eligible for proximity ranking. Candidates are
// read-only snapshots once fetched.
type Candidate struct {
	// ID uniquely identifies the record within its set.
	ID string

	// OwnerID is the ID of the profile that owns the record.
	OwnerID string

	// CreatedAt is when the record was created.
	CreatedAt time.Time

	// Location is the raw "lat,lng" text, nil when the record has none.
	Location *string

	// Post is set for records of SetPosts.
	Post *PostDetails

	// Doctor is set for records of SetDoctors.
	Doctor *DoctorDetails
}

// PostDetails is the payload of an incident report.
type PostDetails struct {
	Description  string
	ImageURL     string
	CommentCount int
}

// DoctorDetails is the payload of a doctor availability record.
type DoctorDetails struct {
	Online      bool
	PhoneNumber string
}

// Profile is the owner metadata joined onto ranked candidates.
type Profile struct {
	ID       string
	Username string
	UserType string
	Phone    string
}

// AnnotatedCandidate is a candidate with its distance from the requester and
// the owner's profile.
type AnnotatedCandidate struct {
	Candidate

	// DistanceKm is nil when the candidate has no parseable location.
	DistanceKm *float64

	// Profile is nil when the owner has no profile.
	Profile *Profile
}

// NewPost is an incident report to be stored.
type NewPost struct {
	// ID is generated when empty.
	ID          string
	UserID      string
	Description string
	ImageURL    string

	// Location is stored as "lat,lng" text; nil stores no location.
	Location  *geo.Coordinate
	CreatedAt time.Time
}

// DoctorStatus is the availability a doctor advertises.
type DoctorStatus struct {
	DoctorID    string
	Online      bool
	PhoneNumber string
}
