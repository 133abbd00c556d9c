package domain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/blackmichael/nearby-feeds/internal/geo"
)

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string {
	return &s
}

// fakeRepository serves candidates and profiles from memory and counts calls.
type fakeRepository struct {
	mu         sync.Mutex
	candidates map[CandidateSet][]Candidate
	profiles   map[string]Profile

	// failures is the number of FetchCandidates calls that fail before
	// succeeding again.
	failures   int
	profileErr error

	// gate, when set, holds FetchCandidates until it is closed. waiting counts
	// the calls held there and maxWaiting the most held at once.
	gate       chan struct{}
	waiting    int
	maxWaiting int

	candidateCalls int
	profileCalls   int
	profileIDs     [][]string

	posts    []NewPost
	statuses []DoctorStatus
	writeErr error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		candidates: make(map[CandidateSet][]Candidate),
		profiles:   make(map[string]Profile),
	}
}

func (r *fakeRepository) FetchCandidates(_ context.Context, set CandidateSet) ([]Candidate, error) {
	if r.gate != nil {
		r.mu.Lock()
		r.waiting++
		r.maxWaiting = max(r.maxWaiting, r.waiting)
		r.mu.Unlock()

		<-r.gate

		r.mu.Lock()
		r.waiting--
		r.mu.Unlock()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidateCalls++
	if r.failures > 0 {
		r.failures--
		return nil, errBoom
	}
	return slices.Clone(r.candidates[set]), nil
}

func (r *fakeRepository) FetchProfiles(_ context.Context, ids []string) (map[string]Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profileCalls++
	r.profileIDs = append(r.profileIDs, slices.Clone(ids))
	if r.profileErr != nil {
		return nil, r.profileErr
	}
	out := make(map[string]Profile, len(ids))
	for _, id := range ids {
		if p, ok := r.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (r *fakeRepository) CreatePost(_ context.Context, post *NewPost) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	r.posts = append(r.posts, *post)
	var loc *string
	if post.Location != nil {
		loc = strPtr(post.Location.String())
	}
	c := Candidate{
		ID:        post.ID,
		OwnerID:   post.UserID,
		CreatedAt: post.CreatedAt,
		Location:  loc,
		Post:      &PostDetails{Description: post.Description, ImageURL: post.ImageURL},
	}
	r.candidates[SetPosts] = append([]Candidate{c}, r.candidates[SetPosts]...)
	return nil
}

func (r *fakeRepository) SetDoctorStatus(_ context.Context, status DoctorStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *fakeRepository) setCandidates(set CandidateSet, candidates ...Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates[set] = candidates
}

func (r *fakeRepository) held() (waiting, maxWaiting int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting, r.maxWaiting
}

func (r *fakeRepository) calls() (candidates, profiles int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.candidateCalls, r.profileCalls
}

// fakeChangeFeed records subscriptions and lets tests emit events.
type fakeChangeFeed struct {
	mu           sync.Mutex
	handlers     map[string]map[int]func(ChangeEvent)
	next         int
	subscribes   int
	unsubscribes int
	err          error
}

func newFakeChangeFeed() *fakeChangeFeed {
	return &fakeChangeFeed{handlers: make(map[string]map[int]func(ChangeEvent))}
}

func (f *fakeChangeFeed) Subscribe(table string, fn func(ChangeEvent)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.subscribes++
	f.next++
	id := f.next
	if f.handlers[table] == nil {
		f.handlers[table] = make(map[int]func(ChangeEvent))
	}
	f.handlers[table][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.unsubscribes++
			delete(f.handlers[table], id)
		})
	}, nil
}

func (f *fakeChangeFeed) Publish(ev ChangeEvent) {
	f.mu.Lock()
	var fns []func(ChangeEvent)
	for _, fn := range f.handlers[ev.Table] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeChangeFeed) active(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[table])
}

// fakePublisher records published events without delivering them.
type fakePublisher struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (p *fakePublisher) Publish(ev ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

// staticLocator returns a fixed position or error.
type staticLocator struct {
	coord geo.Coordinate
	err   error
}

func (l staticLocator) CurrentPosition(context.Context) (geo.Coordinate, error) {
	return l.coord, l.err
}

// blockingLocator never answers until released, ignoring its context.
type blockingLocator struct {
	release chan struct{}
}

func (l blockingLocator) CurrentPosition(context.Context) (geo.Coordinate, error) {
	<-l.release
	return geo.Coordinate{}, nil
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingRecorder counts instrumentation calls.
type countingRecorder struct {
	mu         sync.Mutex
	hits       int
	misses     int
	recomputes int
	failures   int
	changes    int
}

func (r *countingRecorder) CacheHit(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits++
}

func (r *countingRecorder) CacheMiss(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.misses++
}

func (r *countingRecorder) Recompute(_ string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recomputes++
	if err != nil {
		r.failures++
	}
}

func (r *countingRecorder) ChangeReceived(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes++
}
