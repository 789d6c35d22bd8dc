package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spamshield/platform/internal/domain"
	"github.com/spamshield/platform/internal/repository"
)

// GetCacheEntry returns the shared cache row for a key, expired or not.
// Expiry policy belongs to the caller; the repository only stores rows.
func (r *Repository) GetCacheEntry(ctx context.Context, key string) (*domain.CacheEntry, error) {
	const query = `SELECT key, value, expires_at, updated_at FROM config_cache WHERE key = $1`
	row := r.pool.QueryRow(ctx, query, key)

	var e domain.CacheEntry
	var expiresAt *time.Time
	if err := row.Scan(&e.Key, &e.Value, &expiresAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if expiresAt != nil {
		e.ExpiresAt = *expiresAt
	}
	return &e, nil
}

// PutCacheEntry stores a shared cache row, last write wins.
func (r *Repository) PutCacheEntry(ctx context.Context, entry *domain.CacheEntry) error {
	const query = `INSERT INTO config_cache (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`
	_, err := r.pool.Exec(ctx, query, entry.Key, entry.Value, entry.ExpiresAt)
	return err
}

// DeleteCacheEntry removes one shared cache row.
func (r *Repository) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM config_cache WHERE key = $1`, key)
	return err
}

// DeleteCacheEntriesByPrefix removes every row whose key starts with prefix.
func (r *Repository) DeleteCacheEntriesByPrefix(ctx context.Context, prefix string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM config_cache WHERE key LIKE $1 || '%'`, prefix)
	return err
}

// DeleteExpiredCacheEntries purges rows past their expiry.
func (r *Repository) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM config_cache WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
