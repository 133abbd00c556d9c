// Package postgres implements the candidate and profile repositories on
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/blackmichael/nearby-feeds/internal/domain"
	"github.com/blackmichael/nearby-feeds/internal/sqlrows"
)

// Repository implements domain.CandidateRepository, domain.ProfileRepository
// and domain.CandidateWriter using PostgreSQL.
type Repository struct {
	db *sql.DB
}

// NewRepository connects to PostgreSQL at the given URL, verifies the
// connection, and returns a new Repository. The caller should call Close
// when the repository is no longer needed.
func NewRepository(databaseURL string) (*Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

const postsQuery = `
	SELECT p.id, p.user_id, p.created_at, p.location, p.description,
		COALESCE(p.image_url, ''),
		(SELECT COUNT(*) FROM comments c WHERE c.post_id = p.id)
	FROM posts p
	ORDER BY p.created_at DESC`

// Doctors are located by their profile's locality.
const doctorsQuery = `
	SELECT d.doctor_id, d.created_at, pr.locality, d.is_online,
		COALESCE(d.phone_number, '')
	FROM doctor_status d
	LEFT JOIN profiles pr ON pr.id = d.doctor_id
	WHERE d.is_online
	ORDER BY d.created_at DESC`

// FetchCandidates returns every record of set, newest first.
func (r *Repository) FetchCandidates(ctx context.Context, set domain.CandidateSet) ([]domain.Candidate, error) {
	switch set {
	case domain.SetPosts:
		return r.fetchPosts(ctx)
	case domain.SetDoctors:
		return r.fetchDoctors(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownFeed, set)
	}
}

func (r *Repository) fetchPosts(ctx context.Context) ([]domain.Candidate, error) {
	rows, err := r.db.QueryContext(ctx, postsQuery)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	return sqlrows.Posts(rows)
}

func (r *Repository) fetchDoctors(ctx context.Context) ([]domain.Candidate, error) {
	rows, err := r.db.QueryContext(ctx, doctorsQuery)
	if err != nil {
		return nil, fmt.Errorf("query doctors: %w", err)
	}
	defer rows.Close()

	return sqlrows.Doctors(rows)
}

// FetchProfiles returns the profiles with the given IDs in one query.
func (r *Repository) FetchProfiles(ctx context.Context, ids []string) (map[string]domain.Profile, error) {
	profiles := make(map[string]domain.Profile, len(ids))
	if len(ids) == 0 {
		return profiles, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, COALESCE(username, ''), COALESCE(usertype, ''), COALESCE(phone, '')
		FROM profiles
		WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("query profiles (%d ids): %w", len(ids), err)
	}
	defer rows.Close()

	if err := sqlrows.Profiles(rows, profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

// CreatePost inserts an incident report. The location is stored as "lat,lng"
// text.
func (r *Repository) CreatePost(ctx context.Context, post *domain.NewPost) error {
	var location sql.NullString
	if post.Location != nil {
		location = sql.NullString{String: post.Location.String(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO posts (id, user_id, description, image_url, location, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		post.ID,
		post.UserID,
		post.Description,
		post.ImageURL,
		location,
		post.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert post %s: %w", post.ID, err)
	}
	return nil
}

// SetDoctorStatus upserts a doctor's availability.
func (r *Repository) SetDoctorStatus(ctx context.Context, status domain.DoctorStatus) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO doctor_status (doctor_id, is_online, phone_number, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (doctor_id) DO UPDATE
		SET is_online = $2, phone_number = COALESCE(NULLIF($3, ''), doctor_status.phone_number)`,
		status.DoctorID,
		status.Online,
		status.PhoneNumber,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert doctor status %s: %w", status.DoctorID, err)
	}
	return nil
}
