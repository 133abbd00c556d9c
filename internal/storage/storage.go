// Package storage opens the candidate store selected by configuration.
package storage

import (
	"fmt"

	"github.com/blackmichael/nearby-feeds/internal/config"
	"github.com/blackmichael/nearby-feeds/internal/domain"
	"github.com/blackmichael/nearby-feeds/internal/postgres"
	"github.com/blackmichael/nearby-feeds/internal/sqlite"
)

// Repository is a candidate store that also accepts writes.
type Repository interface {
	domain.CandidateRepository
	domain.ProfileRepository
	domain.CandidateWriter
	Close() error
}

// Open connects to the configured database.
func Open(cfg config.DatabaseConfig) (Repository, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		repo, err := postgres.NewRepository(cfg.URL)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case config.DriverSQLite:
		repo, err := sqlite.Open(cfg.URL)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
