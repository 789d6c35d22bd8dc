// Package postgres implements the persistence interfaces on PostgreSQL.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spamshield/platform/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.GroupRepository      = (*Repository)(nil)
	_ repository.WorkerRepository     = (*Repository)(nil)
	_ repository.AssignmentRepository = (*Repository)(nil)
	_ repository.EventRepository      = (*Repository)(nil)
	_ repository.StatsRepository      = (*Repository)(nil)
	_ repository.CacheRepository      = (*Repository)(nil)
)
