package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blackmichael/nearby-feeds/internal/domain"
	"github.com/blackmichael/nearby-feeds/internal/geo"
)

func openTest(t *testing.T) *Repository {
	t.Helper()
	r, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func exec(t *testing.T, r *Repository, query string, args ...any) {
	t.Helper()
	if _, err := r.db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func TestFetchPosts(t *testing.T) {
	r := openTest(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	posts := []domain.NewPost{
		{ID: "old", UserID: "u1", Description: "old report", Location: &geo.Coordinate{Lat: 12.97, Lng: 77.59}, CreatedAt: base},
		{ID: "new", UserID: "u2", Description: "new report", ImageURL: "https://img/1.jpg", CreatedAt: base.Add(time.Hour)},
	}
	for i := range posts {
		if err := r.CreatePost(ctx, &posts[i]); err != nil {
			t.Fatalf("CreatePost() error: %v", err)
		}
	}
	exec(t, r, `INSERT INTO comments (id, post_id, user_id, content, created_at) VALUES ('c1', 'old', 'u2', 'on my way', ?), ('c2', 'old', 'u3', 'me too', ?)`, base, base)

	candidates, err := r.FetchCandidates(ctx, domain.SetPosts)
	if err != nil {
		t.Fatalf("FetchCandidates() error: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}

	newest, oldest := candidates[0], candidates[1]
	if newest.ID != "new" || oldest.ID != "old" {
		t.Errorf("expected newest first, got %s then %s", newest.ID, oldest.ID)
	}
	if newest.Location != nil {
		t.Errorf("expected nil location, got %q", *newest.Location)
	}
	if newest.Post.ImageURL != "https://img/1.jpg" {
		t.Errorf("unexpected image url %q", newest.Post.ImageURL)
	}
	if oldest.Location == nil || *oldest.Location != "12.97,77.59" {
		t.Errorf("expected location 12.97,77.59, got %v", oldest.Location)
	}
	if oldest.Post.CommentCount != 2 || oldest.OwnerID != "u1" {
		t.Errorf("unexpected post %+v with details %+v", oldest, oldest.Post)
	}
	if !oldest.CreatedAt.Equal(base) {
		t.Errorf("expected created_at %v, got %v", base, oldest.CreatedAt)
	}
}

func TestFetchDoctors(t *testing.T) {
	r := openTest(t)
	ctx := context.Background()

	exec(t, r, `INSERT INTO profiles (id, username, usertype, locality) VALUES ('d1', 'dr. rao', 'doctor', '12.97,77.59'), ('d2', 'dr. sen', 'doctor', NULL)`)

	for _, s := range []domain.DoctorStatus{
		{DoctorID: "d1", Online: true, PhoneNumber: "111"},
		{DoctorID: "d2", Online: true},
		{DoctorID: "d3", Online: false},
	} {
		if err := r.SetDoctorStatus(ctx, s); err != nil {
			t.Fatalf("SetDoctorStatus() error: %v", err)
		}
	}

	candidates, err := r.FetchCandidates(ctx, domain.SetDoctors)
	if err != nil {
		t.Fatalf("FetchCandidates() error: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 online doctors, got %d", len(candidates))
	}

	byID := map[string]domain.Candidate{}
	for _, c := range candidates {
		byID[c.ID] = c
	}
	d1 := byID["d1"]
	if d1.OwnerID != "d1" || d1.Location == nil || *d1.Location != "12.97,77.59" {
		t.Errorf("unexpected d1 %+v", d1)
	}
	if d1.Doctor == nil || !d1.Doctor.Online || d1.Doctor.PhoneNumber != "111" {
		t.Errorf("unexpected d1 details %+v", d1.Doctor)
	}
	if byID["d2"].Location != nil {
		t.Errorf("expected nil location for doctor without locality")
	}

	// going offline removes the doctor, keeping the stored phone number
	if err := r.SetDoctorStatus(ctx, domain.DoctorStatus{DoctorID: "d1", Online: false}); err != nil {
		t.Fatalf("SetDoctorStatus() error: %v", err)
	}
	if err := r.SetDoctorStatus(ctx, domain.DoctorStatus{DoctorID: "d1", Online: true}); err != nil {
		t.Fatalf("SetDoctorStatus() error: %v", err)
	}
	candidates, err = r.FetchCandidates(ctx, domain.SetDoctors)
	if err != nil {
		t.Fatalf("FetchCandidates() error: %v", err)
	}
	for _, c := range candidates {
		if c.ID == "d1" && c.Doctor.PhoneNumber != "111" {
			t.Errorf("expected phone number kept, got %q", c.Doctor.PhoneNumber)
		}
	}
}

func TestFetchCandidates_UnknownSet(t *testing.T) {
	r := openTest(t)

	if _, err := r.FetchCandidates(context.Background(), "comments"); !errors.Is(err, domain.ErrUnknownFeed) {
		t.Errorf("expected ErrUnknownFeed, got %v", err)
	}
}

func TestFetchProfiles(t *testing.T) {
	r := openTest(t)
	ctx := context.Background()

	exec(t, r, `INSERT INTO profiles (id, username, usertype, phone) VALUES ('u1', 'asha', 'volunteer', '+91 1'), ('u2', NULL, 'user', NULL), ('u3', 'ravi', 'user', NULL)`)

	profiles, err := r.FetchProfiles(ctx, []string{"u1", "u2", "missing"})
	if err != nil {
		t.Fatalf("FetchProfiles() error: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	if p := profiles["u1"]; p.Username != "asha" || p.UserType != "volunteer" || p.Phone != "+91 1" {
		t.Errorf("unexpected profile %+v", p)
	}
	if p := profiles["u2"]; p.Username != "" || p.UserType != "user" {
		t.Errorf("unexpected profile %+v", p)
	}

	empty, err := r.FetchProfiles(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("expected empty map for no ids, got %v, %v", empty, err)
	}
}

func TestRepository_ThroughCandidateStore(t *testing.T) {
	r := openTest(t)
	ctx := context.Background()

	exec(t, r, `INSERT INTO profiles (id, username, usertype) VALUES ('u1', 'asha', 'volunteer')`)
	post := domain.NewPost{ID: "p1", UserID: "u1", Description: "stray puppy", Location: &geo.Coordinate{Lat: 0, Lng: 0.05}, CreatedAt: time.Now()}
	if err := r.CreatePost(ctx, &post); err != nil {
		t.Fatalf("CreatePost() error: %v", err)
	}

	candidates, profiles, err := domain.NewCandidateStore(r, r).Load(ctx, domain.SetPosts)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	ranked := domain.Rank(candidates, geo.Coordinate{}, 15, profiles)
	if len(ranked) != 1 || ranked[0].Profile == nil || ranked[0].Profile.Username != "asha" {
		t.Fatalf("unexpected ranked result %+v", ranked)
	}
}
