package postgres

import (
	"context"
	"time"

	"github.com/spamshield/platform/internal/domain"
)

// UpsertDailyStat inserts or fully replaces the aggregate for (group, date).
// Aggregation recomputes from message logs, so replacing is idempotent.
func (r *Repository) UpsertDailyStat(ctx context.Context, stat *domain.DailyStat) error {
	const query = `INSERT INTO daily_stats (group_id, stat_date, total_messages, spam_detected, spam_deleted,
			false_positives, avg_confidence, avg_processing_ms, total_processing_ms, api_errors, deletion_failures, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (group_id, stat_date) DO UPDATE SET
			total_messages = EXCLUDED.total_messages,
			spam_detected = EXCLUDED.spam_detected,
			spam_deleted = EXCLUDED.spam_deleted,
			false_positives = EXCLUDED.false_positives,
			avg_confidence = EXCLUDED.avg_confidence,
			avg_processing_ms = EXCLUDED.avg_processing_ms,
			total_processing_ms = EXCLUDED.total_processing_ms,
			api_errors = EXCLUDED.api_errors,
			deletion_failures = EXCLUDED.deletion_failures,
			updated_at = now()`
	_, err := r.pool.Exec(ctx, query, stat.GroupID, stat.Date, stat.TotalMessages, stat.SpamDetected,
		stat.SpamDeleted, stat.FalsePositives, stat.AvgConfidence, stat.AvgProcessingMS,
		stat.TotalProcessingMS, stat.APIErrors, stat.DeletionFailures)
	return err
}

// ListDailyStats returns aggregates for a group over an inclusive date range.
func (r *Repository) ListDailyStats(ctx context.Context, groupID string, from, to time.Time) ([]domain.DailyStat, error) {
	const query = `SELECT group_id, stat_date, total_messages, spam_detected, spam_deleted, false_positives,
			avg_confidence, avg_processing_ms, total_processing_ms, api_errors, deletion_failures, updated_at
		FROM daily_stats
		WHERE group_id = $1 AND stat_date >= $2 AND stat_date <= $3
		ORDER BY stat_date`
	rows, err := r.pool.Query(ctx, query, groupID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []domain.DailyStat
	for rows.Next() {
		var s domain.DailyStat
		if err := rows.Scan(&s.GroupID, &s.Date, &s.TotalMessages, &s.SpamDetected, &s.SpamDeleted,
			&s.FalsePositives, &s.AvgConfidence, &s.AvgProcessingMS, &s.TotalProcessingMS,
			&s.APIErrors, &s.DeletionFailures, &s.UpdatedAt); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// DeleteDailyStatsBefore removes aggregates older than the cutoff date.
func (r *Repository) DeleteDailyStatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM daily_stats WHERE stat_date < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
