package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spamshield/platform/internal/domain"
)

// AppendEventLog writes one audit trail entry.
func (r *Repository) AppendEventLog(ctx context.Context, event *domain.EventLog) error {
	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return err
	}
	const query = `INSERT INTO event_logs (event_type, entity_type, entity_id, description, severity, details, actor)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = r.pool.Exec(ctx, query, event.EventType, event.EntityType, event.EntityID,
		event.Description, event.Severity, payload, event.Actor)
	return err
}

// AppendMessageLog records the outcome of processing one message. The
// (group_id, message_id) unique constraint makes replays idempotent: a
// duplicate insert is silently absorbed.
func (r *Repository) AppendMessageLog(ctx context.Context, log *domain.MessageLog) error {
	const query = `INSERT INTO message_logs (group_id, message_id, sender_id, sender_name, message_text,
			has_attachments, flagged, confidence, model_version, processing_time_ms,
			action_taken, deletion_successful, notification_sent, message_created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (group_id, message_id) DO NOTHING`
	processedAt := log.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, query, log.GroupID, log.MessageID, log.SenderID, log.SenderName, log.Text,
		log.HasAttachments, log.Flagged, log.Confidence, log.ModelVersion, log.ProcessingTimeMS,
		log.ActionTaken, log.DeletionSuccessful, log.NotificationSent, log.MessageCreatedAt, processedAt)
	return err
}

// UpdateMessageLogAction records the action branch taken for a flagged message.
func (r *Repository) UpdateMessageLogAction(ctx context.Context, groupID, messageID, action string, deleted, notified bool) error {
	const query = `UPDATE message_logs SET action_taken = $3, deletion_successful = $4, notification_sent = $5
		WHERE group_id = $1 AND message_id = $2`
	_, err := r.pool.Exec(ctx, query, groupID, messageID, action, deleted, notified)
	return err
}

// ListRecentMessageIDs returns the ids processed since the cutoff. Workers use
// this as a restart-safe deduplication window.
func (r *Repository) ListRecentMessageIDs(ctx context.Context, groupID string, since time.Time) ([]string, error) {
	const query = `SELECT message_id FROM message_logs WHERE group_id = $1 AND processed_at >= $2`
	rows, err := r.pool.Query(ctx, query, groupID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListMessageLogsForRange returns the processing outcomes in a time window,
// ordered by processing time. Aggregation recomputes daily stats from these.
func (r *Repository) ListMessageLogsForRange(ctx context.Context, groupID string, from, to time.Time) ([]domain.MessageLog, error) {
	const query = `SELECT group_id, message_id, sender_id, sender_name, flagged, confidence,
			processing_time_ms, action_taken, deletion_successful, notification_sent, false_positive, processed_at
		FROM message_logs
		WHERE group_id = $1 AND processed_at >= $2 AND processed_at < $3
		ORDER BY processed_at`
	rows, err := r.pool.Query(ctx, query, groupID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.MessageLog
	for rows.Next() {
		var l domain.MessageLog
		if err := rows.Scan(&l.GroupID, &l.MessageID, &l.SenderID, &l.SenderName, &l.Flagged, &l.Confidence,
			&l.ProcessingTimeMS, &l.ActionTaken, &l.DeletionSuccessful, &l.NotificationSent, &l.FalsePositive, &l.ProcessedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// DeleteEventLogsBefore removes audit and message rows older than the cutoff.
func (r *Repository) DeleteEventLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tagEvents, err := r.pool.Exec(ctx, `DELETE FROM event_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	tagMessages, err := r.pool.Exec(ctx, `DELETE FROM message_logs WHERE processed_at < $1`, cutoff)
	if err != nil {
		return tagEvents.RowsAffected(), err
	}
	return tagEvents.RowsAffected() + tagMessages.RowsAffected(), nil
}
