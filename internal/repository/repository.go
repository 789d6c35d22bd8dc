package repository

import (
	"context"
	"time"

	"github.com/spamshield/platform/internal/domain"
)

// GroupRepository persists monitored groups and their configuration.
type GroupRepository interface {
	CreateGroup(ctx context.Context, group *domain.Group) error
	GetGroup(ctx context.Context, groupID string) (*domain.Group, error)
	ListActiveGroups(ctx context.Context) ([]domain.Group, error)
	UpdateGroupStatus(ctx context.Context, groupID, status string) error
	UpdateGroupCursor(ctx context.Context, groupID, lastMessageID string, checkedAt time.Time) error
	RecordGroupError(ctx context.Context, groupID, message string) error
	ClearGroupError(ctx context.Context, groupID string) error
	GetGroupConfig(ctx context.Context, groupID string) (*domain.GroupConfig, error)
	UpsertGroupConfig(ctx context.Context, cfg *domain.GroupConfig) error
}

// WorkerRepository tracks worker and orchestrator instances.
type WorkerRepository interface {
	RegisterWorker(ctx context.Context, instance *domain.WorkerInstance) error
	HeartbeatWorker(ctx context.Context, hb domain.Heartbeat) error
	GetWorkerByName(ctx context.Context, name string) (*domain.WorkerInstance, error)
	ListWorkers(ctx context.Context) ([]domain.WorkerInstance, error)
	MarkWorkerStopped(ctx context.Context, name string) error
}

// AssignmentRepository owns the group to worker ownership relation.
// ClaimAssignment must fail with ErrConflict when the group is already owned.
type AssignmentRepository interface {
	ClaimAssignment(ctx context.Context, groupID, instanceID string) error
	ReleaseAssignment(ctx context.Context, groupID string) error
	ListAssignmentsForInstance(ctx context.Context, instanceID string) ([]domain.Assignment, error)
	ListAssignments(ctx context.Context) ([]domain.Assignment, error)
}

// EventRepository is the durable audit trail and processed-message log.
type EventRepository interface {
	AppendEventLog(ctx context.Context, event *domain.EventLog) error
	AppendMessageLog(ctx context.Context, log *domain.MessageLog) error
	UpdateMessageLogAction(ctx context.Context, groupID, messageID, action string, deleted, notified bool) error
	ListRecentMessageIDs(ctx context.Context, groupID string, since time.Time) ([]string, error)
	ListMessageLogsForRange(ctx context.Context, groupID string, from, to time.Time) ([]domain.MessageLog, error)
	DeleteEventLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StatsRepository persists daily aggregates.
type StatsRepository interface {
	UpsertDailyStat(ctx context.Context, stat *domain.DailyStat) error
	ListDailyStats(ctx context.Context, groupID string, from, to time.Time) ([]domain.DailyStat, error)
	DeleteDailyStatsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CacheRepository is the shared tier of the configuration cache.
type CacheRepository interface {
	GetCacheEntry(ctx context.Context, key string) (*domain.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry *domain.CacheEntry) error
	DeleteCacheEntry(ctx context.Context, key string) error
	DeleteCacheEntriesByPrefix(ctx context.Context, prefix string) error
	DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error)
}
