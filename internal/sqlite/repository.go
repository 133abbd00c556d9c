// Package sqlite implements the candidate and profile repositories on an
// embedded SQLite database, for local development and tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/blackmichael/nearby-feeds/internal/domain"
	"github.com/blackmichael/nearby-feeds/internal/sqlrows"
)

// Repository implements domain.CandidateRepository, domain.ProfileRepository
// and domain.CandidateWriter using SQLite.
type Repository struct {
	db *sql.DB
}

// Open opens the database at dsn and creates the schema if needed. Use
// ":memory:" for a throwaway database.
func Open(dsn string) (*Repository, error) {
	memory := dsn == ":memory:"
	if !memory && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &Repository{db: db}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return r, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		username TEXT,
		usertype TEXT NOT NULL DEFAULT 'user',
		phone TEXT,
		locality TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		description TEXT NOT NULL,
		image_url TEXT,
		location TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS comments (
		id TEXT PRIMARY KEY,
		post_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS doctor_status (
		doctor_id TEXT PRIMARY KEY,
		is_online BOOLEAN NOT NULL DEFAULT 0,
		phone_number TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_comments_post_id ON comments(post_id)`,
}

func (r *Repository) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

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
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.id, p.user_id, p.created_at, p.location, p.description,
			COALESCE(p.image_url, ''),
			(SELECT COUNT(*) FROM comments c WHERE c.post_id = p.id)
		FROM posts p
		ORDER BY p.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	return sqlrows.Posts(rows)
}

func (r *Repository) fetchDoctors(ctx context.Context) ([]domain.Candidate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT d.doctor_id, d.created_at, pr.locality, d.is_online,
			COALESCE(d.phone_number, '')
		FROM doctor_status d
		LEFT JOIN profiles pr ON pr.id = d.doctor_id
		WHERE d.is_online = 1
		ORDER BY d.created_at DESC`)
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

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT id, COALESCE(username, ''), COALESCE(usertype, ''), COALESCE(phone, '')
		FROM profiles
		WHERE id IN (%s)`, strings.Join(placeholders, ","))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query profiles (%d ids): %w", len(ids), err)
	}
	defer rows.Close()

	if err := sqlrows.Profiles(rows, profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

// CreatePost inserts an incident report.
func (r *Repository) CreatePost(ctx context.Context, post *domain.NewPost) error {
	var location sql.NullString
	if post.Location != nil {
		location = sql.NullString{String: post.Location.String(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO posts (id, user_id, description, image_url, location, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)`,
		post.ID, post.UserID, post.Description, post.ImageURL, location, post.CreatedAt.UTC(),
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
		VALUES (?1, ?2, NULLIF(?3, ''), ?4)
		ON CONFLICT (doctor_id) DO UPDATE
		SET is_online = ?2, phone_number = COALESCE(NULLIF(?3, ''), doctor_status.phone_number)`,
		status.DoctorID, status.Online, status.PhoneNumber, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert doctor status %s: %w", status.DoctorID, err)
	}
	return nil
}
