// Package sqlrows scans the candidate and profile result sets shared by the
// SQL repositories. Each scanner expects the column order documented on it
// and leaves closing rows to the caller.
package sqlrows

import (
	"database/sql"
	"fmt"

	"github.com/blackmichael/nearby-feeds/internal/domain"
)

// Posts scans id, user_id, created_at, location, description, image_url and
// comment count.
func Posts(rows *sql.Rows) ([]domain.Candidate, error) {
	var candidates []domain.Candidate
	for rows.Next() {
		var (
			c        domain.Candidate
			location sql.NullString
			details  domain.PostDetails
		)
		if err := rows.Scan(
			&c.ID,
			&c.OwnerID,
			&c.CreatedAt,
			&location,
			&details.Description,
			&details.ImageURL,
			&details.CommentCount,
		); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		if location.Valid {
			c.Location = &location.String
		}
		c.Post = &details
		candidates = append(candidates, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return candidates, nil
}

// Doctors scans doctor_id, created_at, locality, is_online and phone_number.
// A doctor owns their own status record.
func Doctors(rows *sql.Rows) ([]domain.Candidate, error) {
	var candidates []domain.Candidate
	for rows.Next() {
		var (
			c        domain.Candidate
			locality sql.NullString
			details  domain.DoctorDetails
		)
		if err := rows.Scan(
			&c.ID,
			&c.CreatedAt,
			&locality,
			&details.Online,
			&details.PhoneNumber,
		); err != nil {
			return nil, fmt.Errorf("scan doctor: %w", err)
		}
		c.OwnerID = c.ID
		if locality.Valid {
			c.Location = &locality.String
		}
		c.Doctor = &details
		candidates = append(candidates, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate doctors: %w", err)
	}
	return candidates, nil
}

// Profiles scans id, username, usertype and phone into profiles, keyed by ID.
func Profiles(rows *sql.Rows, profiles map[string]domain.Profile) error {
	for rows.Next() {
		var p domain.Profile
		if err := rows.Scan(&p.ID, &p.Username, &p.UserType, &p.Phone); err != nil {
			return fmt.Errorf("scan profile: %w", err)
		}
		profiles[p.ID] = p
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate profiles: %w", err)
	}
	return nil
}
