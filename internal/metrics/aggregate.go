package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/spamshield/platform/internal/domain"
)

// Run drives the aggregation loop until the context is cancelled. Each cycle
// recomputes today's statistics in full from message logs, so re-running
// after a crash never double counts.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	if c.logger != nil {
		c.logger.Info("metrics aggregation started", "interval", c.interval)
	}
	for {
		select {
		case <-ctx.Done():
			if c.logger != nil {
				c.logger.Info("metrics aggregation stopped")
			}
			return
		case <-ticker.C:
			if err := c.AggregateDay(ctx, c.now()); err != nil && c.logger != nil {
				c.logger.Warn("daily aggregation failed", "error", err)
			}
		}
	}
}

// AggregateDay recomputes the DailyStat row of every active group for the day
// containing the given time.
func (c *Collector) AggregateDay(ctx context.Context, at time.Time) error {
	dayStart := at.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	groups, err := c.groups.ListActiveGroups(ctx)
	if err != nil {
		return fmt.Errorf("list active groups: %w", err)
	}

	for _, group := range groups {
		logs, err := c.events.ListMessageLogsForRange(ctx, group.ID, dayStart, dayEnd)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("failed to load message logs", "group_id", group.ID, "error", err)
			}
			continue
		}
		if len(logs) == 0 {
			continue
		}

		stat := computeDailyStat(group.ID, dayStart, logs)
		if err := c.stats.UpsertDailyStat(ctx, &stat); err != nil {
			if c.logger != nil {
				c.logger.Warn("failed to upsert daily stat", "group_id", group.ID, "error", err)
			}
			continue
		}
	}
	return nil
}

// computeDailyStat derives the aggregate from one day of message logs.
func computeDailyStat(groupID string, date time.Time, logs []domain.MessageLog) domain.DailyStat {
	stat := domain.DailyStat{GroupID: groupID, Date: date}

	var confidenceSum float64
	var flaggedWithConfidence int
	var processingSum int64
	var processingCount int

	for _, log := range logs {
		stat.TotalMessages++
		if log.Flagged {
			stat.SpamDetected++
			if log.DeletionSuccessful {
				stat.SpamDeleted++
			} else {
				stat.DeletionFailures++
			}
			if log.Confidence > 0 {
				confidenceSum += log.Confidence
				flaggedWithConfidence++
			}
		}
		if log.FalsePositive {
			stat.FalsePositives++
		}
		if log.ActionTaken == domain.ActionError {
			stat.APIErrors++
		}
		if log.ProcessingTimeMS > 0 {
			processingSum += int64(log.ProcessingTimeMS)
			processingCount++
		}
	}

	if flaggedWithConfidence > 0 {
		stat.AvgConfidence = confidenceSum / float64(flaggedWithConfidence)
	}
	if processingCount > 0 {
		stat.AvgProcessingMS = int(processingSum / int64(processingCount))
	}
	stat.TotalProcessingMS = processingSum
	return stat
}

// Cleanup deletes daily stats and message/event logs older than the cutoff.
// Not part of the hot path; invoked by operators or an external schedule.
func (c *Collector) Cleanup(ctx context.Context, daysToKeep int) error {
	if daysToKeep <= 0 {
		return fmt.Errorf("daysToKeep must be positive")
	}
	cutoff := c.now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -daysToKeep)

	deletedStats, err := c.stats.DeleteDailyStatsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete old daily stats: %w", err)
	}
	deletedLogs, err := c.events.DeleteEventLogsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete old logs: %w", err)
	}
	if c.logger != nil {
		c.logger.Info("retention cleanup complete", "stats_deleted", deletedStats, "logs_deleted", deletedLogs, "cutoff", cutoff)
	}
	return nil
}

// Summary computes the platform-wide view for today.
func (c *Collector) Summary(ctx context.Context) (domain.PlatformSummary, error) {
	now := c.now().UTC()
	dayStart := now.Truncate(24 * time.Hour)

	groups, err := c.groups.ListActiveGroups(ctx)
	if err != nil {
		return domain.PlatformSummary{}, fmt.Errorf("list active groups: %w", err)
	}

	summary := domain.PlatformSummary{ActiveGroups: len(groups), LastUpdated: now}
	var confidenceSum, processingSum float64
	var confidenceCount, processingCount int

	for _, group := range groups {
		stats, err := c.stats.ListDailyStats(ctx, group.ID, dayStart, dayStart)
		if err != nil || len(stats) == 0 {
			continue
		}
		s := stats[0]
		summary.TotalMessages += s.TotalMessages
		summary.SpamDetected += s.SpamDetected
		summary.SpamDeleted += s.SpamDeleted
		if s.AvgConfidence > 0 {
			confidenceSum += s.AvgConfidence
			confidenceCount++
		}
		if s.AvgProcessingMS > 0 {
			processingSum += float64(s.AvgProcessingMS)
			processingCount++
		}
	}

	if summary.TotalMessages > 0 {
		summary.SpamRatePercent = float64(summary.SpamDetected) / float64(summary.TotalMessages) * 100
	}
	if confidenceCount > 0 {
		summary.AvgConfidence = confidenceSum / float64(confidenceCount)
	}
	if processingCount > 0 {
		summary.AvgProcessingMS = processingSum / float64(processingCount)
	}
	return summary, nil
}
