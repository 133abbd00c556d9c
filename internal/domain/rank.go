package domain

import (
	"cmp"
	"slices"

	"github.com/blackmichael/nearby-feeds/internal/geo"
)

// Annotate computes each candidate's distance from origin and attaches the
// owner's profile. Candidates without a parseable location get a nil
// distance.
func Annotate(candidates []Candidate, origin geo.Coordinate, profiles map[string]Profile) []AnnotatedCandidate {
	annotated := make([]AnnotatedCandidate, 0, len(candidates))
	for _, c := range candidates {
		a := AnnotatedCandidate{Candidate: c}
		if c.Location != nil {
			if coord, ok := geo.ParseLocation(*c.Location); ok {
				d := geo.DistanceKm(origin, coord)
				a.DistanceKm = &d
			}
		}
		if p, ok := profiles[c.OwnerID]; ok {
			a.Profile = &p
		}
		annotated = append(annotated, a)
	}
	return annotated
}

// Rank returns the candidates within radiusKm of origin ordered by ascending
// distance. Candidates without a parseable location are never included. Ties
// keep their input order.
func Rank(candidates []Candidate, origin geo.Coordinate, radiusKm float64, profiles map[string]Profile) []AnnotatedCandidate {
	ranked := make([]AnnotatedCandidate, 0, len(candidates))
	for _, a := range Annotate(candidates, origin, profiles) {
		if a.DistanceKm == nil || *a.DistanceKm > radiusKm {
			continue
		}
		ranked = append(ranked, a)
	}

	slices.SortStableFunc(ranked, func(a, b AnnotatedCandidate) int {
		return cmp.Compare(*a.DistanceKm, *b.DistanceKm)
	})
	return ranked
}
