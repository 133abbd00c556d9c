package domain

import (
	"context"
	"fmt"
)

// CandidateStore loads a candidate set together with the profiles of its
// owners using one candidate query and one batched profile query.
type CandidateStore struct {
	candidates CandidateRepository
	profiles   ProfileRepository
}

// NewCandidateStore creates a CandidateStore over the given repositories.
func NewCandidateStore(candidates CandidateRepository, profiles ProfileRepository) *CandidateStore {
	return &CandidateStore{candidates: candidates, profiles: profiles}
}

// Load returns the candidates of set in store order and the profiles of their
// owners. The profile query is skipped when there are no candidates. Failures
// are returned as *StoreError.
func (s *CandidateStore) Load(ctx context.Context, set CandidateSet) ([]Candidate, map[string]Profile, error) {
	candidates, err := s.candidates.FetchCandidates(ctx, set)
	if err != nil {
		return nil, nil, &StoreError{Op: "fetch candidates", Set: set, Err: err}
	}
	if len(candidates) == 0 {
		return candidates, map[string]Profile{}, nil
	}

	ids := ownerIDs(candidates)
	profiles, err := s.profiles.FetchProfiles(ctx, ids)
	if err != nil {
		return nil, nil, &StoreError{Op: "fetch profiles", Set: set, Err: fmt.Errorf("%d owners: %w", len(ids), err)}
	}
	if profiles == nil {
		profiles = map[string]Profile{}
	}
	return candidates, profiles, nil
}

// ownerIDs returns the distinct owner IDs in first-seen order.
func ownerIDs(candidates []Candidate) []string {
	seen := make(map[string]struct{}, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.OwnerID == "" {
			continue
		}
		if _, ok := seen[c.OwnerID]; ok {
			continue
		}
		seen[c.OwnerID] = struct{}{}
		ids = append(ids, c.OwnerID)
	}
	return ids
}
