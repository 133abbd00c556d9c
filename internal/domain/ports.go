package domain

import (
	"context"
	"time"

	"github.com/blackmichael/nearby-feeds/internal/geo"
)

// CandidateRepository reads candidate sets.
type CandidateRepository interface {
	// FetchCandidates returns every record of the set ordered by creation time
	// descending, in a single query.
	FetchCandidates(ctx context.Context, set CandidateSet) ([]Candidate, error)
}

// ProfileRepository reads owner profiles.
type ProfileRepository interface {
	// FetchProfiles returns the profiles for the given IDs, keyed by ID, in a
	// single query. IDs without a profile are absent from the map.
	FetchProfiles(ctx context.Context, ids []string) (map[string]Profile, error)
}

// CandidateWriter persists new and changed candidates.
type CandidateWriter interface {
	// CreatePost inserts an incident report.
	CreatePost(ctx context.Context, post *NewPost) error

	// SetDoctorStatus upserts a doctor's availability by doctor ID.
	SetDoctorStatus(ctx context.Context, status DoctorStatus) error
}

// GeolocationProvider supplies the requester's current coordinates. It fails
// with a LocationError when permission is denied, geolocation is unsupported,
// or the position cannot be determined.
type GeolocationProvider interface {
	CurrentPosition(ctx context.Context) (geo.Coordinate, error)
}

// Operation is the kind of change reported by a change feed.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ChangeEvent reports a mutation of a candidate table.
type ChangeEvent struct {
	Table     string
	Operation Operation

	// RecordID is the ID of the changed record when the source provides it.
	RecordID string
}

// ChangeFeed delivers change notifications for candidate tables.
type ChangeFeed interface {
	// Subscribe registers fn for changes to table. The returned function
	// removes the registration and is safe to call more than once.
	Subscribe(table string, fn func(ChangeEvent)) (unsubscribe func(), err error)
}

// ChangePublisher announces changes made through this service.
type ChangePublisher interface {
	Publish(ev ChangeEvent)
}

// Recorder receives instrumentation from the feed service.
type Recorder interface {
	CacheHit(set string)
	CacheMiss(set string)
	Recompute(set string, duration time.Duration, err error)
	ChangeReceived(table string, op string)
}

type nopRecorder struct{}

func (nopRecorder) CacheHit(string) {}
func (nopRecorder) CacheMiss(string) {}
func (nopRecorder) Recompute(string, time.Duration, error) {}
func (nopRecorder) ChangeReceived(string, string) {}
