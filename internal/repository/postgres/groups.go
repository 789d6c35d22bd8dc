package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/spamshield/platform/internal/domain"
	"github.com/spamshield/platform/internal/repository"
)

// CreateGroup inserts a group together with its default configuration.
func (r *Repository) CreateGroup(ctx context.Context, group *domain.Group) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const insertGroup = `INSERT INTO groups (group_id, group_name, status, owner_id, owner_name, member_count)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, insertGroup, group.ID, group.Name, group.Status, group.OwnerID, group.OwnerName, group.MemberCount); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return err
	}

	cfg := domain.DefaultGroupConfig(group.ID)
	const insertConfig = `INSERT INTO group_configs (group_id, confidence_threshold, check_interval_seconds,
			auto_delete, notify_on_removal, notify_admins, send_startup_message,
			max_message_age_hours, batch_size, rate_limit_per_minute, model_version, custom_keywords, whitelist_users)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	if _, err := tx.Exec(ctx, insertConfig, cfg.GroupID, cfg.ConfidenceThreshold, int(cfg.CheckInterval.Seconds()),
		cfg.AutoDelete, cfg.NotifyOnRemoval, cfg.NotifyAdmins, cfg.SendStartupMessage,
		int(cfg.MaxMessageAge.Hours()), cfg.BatchSize, cfg.RateLimitPerMinute, cfg.ModelVersion,
		[]string{}, []string{}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

const groupColumns = `group_id, group_name, status, owner_id, owner_name, member_count,
	last_checked, last_message_id, error_count, error_message, created_at, updated_at`

func scanGroup(row pgx.Row) (*domain.Group, error) {
	var g domain.Group
	err := row.Scan(&g.ID, &g.Name, &g.Status, &g.OwnerID, &g.OwnerName, &g.MemberCount,
		&g.LastChecked, &g.LastMessageID, &g.ErrorCount, &g.ErrorMessage, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

// GetGroup fetches a group by its external identifier.
func (r *Repository) GetGroup(ctx context.Context, groupID string) (*domain.Group, error) {
	const query = `SELECT ` + groupColumns + ` FROM groups WHERE group_id = $1`
	return scanGroup(r.pool.QueryRow(ctx, query, groupID))
}

// ListActiveGroups returns every group eligible for assignment.
func (r *Repository) ListActiveGroups(ctx context.Context) ([]domain.Group, error) {
	const query = `SELECT ` + groupColumns + ` FROM groups WHERE status = 'active' ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []domain.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// UpdateGroupStatus transitions a group to a new status.
func (r *Repository) UpdateGroupStatus(ctx context.Context, groupID, status string) error {
	const query = `UPDATE groups SET status = $2, updated_at = now() WHERE group_id = $1`
	tag, err := r.pool.Exec(ctx, query, groupID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateGroupCursor advances the group's last-seen message boundary.
func (r *Repository) UpdateGroupCursor(ctx context.Context, groupID, lastMessageID string, checkedAt time.Time) error {
	const query = `UPDATE groups SET last_message_id = $2, last_checked = $3, updated_at = now() WHERE group_id = $1`
	_, err := r.pool.Exec(ctx, query, groupID, lastMessageID, checkedAt)
	return err
}

// RecordGroupError increments the group's consecutive failure count.
func (r *Repository) RecordGroupError(ctx context.Context, groupID, message string) error {
	const query = `UPDATE groups SET error_count = error_count + 1, error_message = $2, updated_at = now() WHERE group_id = $1`
	_, err := r.pool.Exec(ctx, query, groupID, message)
	return err
}

// ClearGroupError resets failure bookkeeping after a successful cycle.
func (r *Repository) ClearGroupError(ctx context.Context, groupID string) error {
	const query = `UPDATE groups SET error_count = 0, error_message = '', updated_at = now()
		WHERE group_id = $1 AND error_count > 0`
	_, err := r.pool.Exec(ctx, query, groupID)
	return err
}

// GetGroupConfig loads the per-group tunables.
func (r *Repository) GetGroupConfig(ctx context.Context, groupID string) (*domain.GroupConfig, error) {
	const query = `SELECT group_id, confidence_threshold, check_interval_seconds, auto_delete,
			notify_on_removal, notify_admins, send_startup_message, max_message_age_hours,
			batch_size, rate_limit_per_minute, model_version, custom_keywords, whitelist_users, updated_at
		FROM group_configs WHERE group_id = $1`
	row := r.pool.QueryRow(ctx, query, groupID)

	var cfg domain.GroupConfig
	var intervalSeconds, maxAgeHours int
	err := row.Scan(&cfg.GroupID, &cfg.ConfidenceThreshold, &intervalSeconds, &cfg.AutoDelete,
		&cfg.NotifyOnRemoval, &cfg.NotifyAdmins, &cfg.SendStartupMessage, &maxAgeHours,
		&cfg.BatchSize, &cfg.RateLimitPerMinute, &cfg.ModelVersion, &cfg.CustomKeywords, &cfg.WhitelistUsers, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	cfg.CheckInterval = time.Duration(intervalSeconds) * time.Second
	cfg.MaxMessageAge = time.Duration(maxAgeHours) * time.Hour
	return &cfg, nil
}

// UpsertGroupConfig replaces the per-group tunables.
func (r *Repository) UpsertGroupConfig(ctx context.Context, cfg *domain.GroupConfig) error {
	const query = `INSERT INTO group_configs (group_id, confidence_threshold, check_interval_seconds,
			auto_delete, notify_on_removal, notify_admins, send_startup_message,
			max_message_age_hours, batch_size, rate_limit_per_minute, model_version, custom_keywords, whitelist_users, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (group_id) DO UPDATE SET
			confidence_threshold = EXCLUDED.confidence_threshold,
			check_interval_seconds = EXCLUDED.check_interval_seconds,
			auto_delete = EXCLUDED.auto_delete,
			notify_on_removal = EXCLUDED.notify_on_removal,
			notify_admins = EXCLUDED.notify_admins,
			send_startup_message = EXCLUDED.send_startup_message,
			max_message_age_hours = EXCLUDED.max_message_age_hours,
			batch_size = EXCLUDED.batch_size,
			rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
			model_version = EXCLUDED.model_version,
			custom_keywords = EXCLUDED.custom_keywords,
			whitelist_users = EXCLUDED.whitelist_users,
			updated_at = now()`
	keywords := cfg.CustomKeywords
	if keywords == nil {
		keywords = []string{}
	}
	whitelist := cfg.WhitelistUsers
	if whitelist == nil {
		whitelist = []string{}
	}
	_, err := r.pool.Exec(ctx, query, cfg.GroupID, cfg.ConfidenceThreshold, int(cfg.CheckInterval.Seconds()),
		cfg.AutoDelete, cfg.NotifyOnRemoval, cfg.NotifyAdmins, cfg.SendStartupMessage,
		int(cfg.MaxMessageAge.Hours()), cfg.BatchSize, cfg.RateLimitPerMinute, cfg.ModelVersion, keywords, whitelist)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
