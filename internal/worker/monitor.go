package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spamshield/platform/internal/chat"
	"github.com/spamshield/platform/internal/classify"
	"github.com/spamshield/platform/internal/configcache"
	"github.com/spamshield/platform/internal/domain"
	"github.com/spamshield/platform/internal/metrics"
	"github.com/spamshield/platform/internal/repository"
)

// Monitor scans one group for spam. A monitor is driven by a single worker
// loop, so its state needs no locking.
type Monitor struct {
	groupID   string
	groupName string

	groups     repository.GroupRepository
	events     repository.EventRepository
	configs    *configcache.Cache
	chat       chat.Client
	classifier classify.Classifier
	metrics    *metrics.Collector
	logger     *slog.Logger

	// dedupeLookback bounds both the startup window load and how long a
	// processed message id is remembered in memory.
	dedupeLookback time.Duration

	cursor    string
	processed map[string]time.Time
	active    bool

	now func() time.Time
}

// NewMonitor constructs a monitor for one group. Call Initialize before the
// first Scan.
func NewMonitor(groupID string, groups repository.GroupRepository, events repository.EventRepository, configs *configcache.Cache, chatClient chat.Client, classifier classify.Classifier, collector *metrics.Collector, logger *slog.Logger, dedupeLookback time.Duration) *Monitor {
	if dedupeLookback <= 0 {
		dedupeLookback = time.Hour
	}
	if logger != nil {
		logger = logger.With("component", "monitor", "group_id", groupID)
	}
	return &Monitor{
		groupID:        groupID,
		groups:         groups,
		events:         events,
		configs:        configs,
		chat:           chatClient,
		classifier:     classifier,
		metrics:        collector,
		logger:         logger,
		dedupeLookback: dedupeLookback,
		processed:      make(map[string]time.Time),
		now:            time.Now,
	}
}

// Initialize loads the group cursor, rebuilds the recently-processed window
// from message logs, and optionally announces the monitor to the group.
// Messages replayed by the chat API after a restart land in the window and
// are skipped instead of acted on twice.
func (m *Monitor) Initialize(ctx context.Context) error {
	group, err := m.groups.GetGroup(ctx, m.groupID)
	if err != nil {
		return fmt.Errorf("load group %s: %w", m.groupID, err)
	}
	m.groupName = group.Name
	m.cursor = group.LastMessageID

	now := m.now()
	ids, err := m.events.ListRecentMessageIDs(ctx, m.groupID, now.Add(-m.dedupeLookback))
	if err != nil {
		return fmt.Errorf("load processed window for group %s: %w", m.groupID, err)
	}
	for _, id := range ids {
		m.processed[id] = now
	}

	cfg, err := m.configs.Get(ctx, m.groupID)
	if err != nil {
		return fmt.Errorf("load config for group %s: %w", m.groupID, err)
	}
	if cfg.SendStartupMessage {
		if _, err := m.chat.Send(ctx, m.groupID, "Spam protection is now active in this group."); err != nil && m.logger != nil {
			m.logger.Warn("startup message failed", "error", err)
		}
	}

	m.active = true
	if m.logger != nil {
		m.logger.Info("monitor initialized", "group_name", m.groupName, "window_size", len(m.processed))
	}
	return nil
}

// Active reports whether the monitor is scanning.
func (m *Monitor) Active() bool { return m.active }

// Stop deactivates the monitor.
func (m *Monitor) Stop() {
	m.active = false
	if m.logger != nil {
		m.logger.Info("monitor stopped")
	}
}

// CheckInterval returns the configured scan interval for this group.
func (m *Monitor) CheckInterval(ctx context.Context) time.Duration {
	cfg, err := m.configs.Get(ctx, m.groupID)
	if err != nil {
		return defaultScanInterval
	}
	return cfg.CheckInterval
}

// Scan fetches recent messages and runs each through the processing
// pipeline. Configuration is re-read every scan so cache invalidations take
// effect on the next cycle.
func (m *Monitor) Scan(ctx context.Context) error {
	if !m.active {
		return nil
	}

	cfg, err := m.configs.Get(ctx, m.groupID)
	if err != nil {
		return fmt.Errorf("config for group %s: %w", m.groupID, err)
	}

	fetchStart := m.now()
	messages, err := m.chat.ListRecent(ctx, m.groupID, cfg.BatchSize, m.cursor)
	fetchMS := int(m.now().Sub(fetchStart).Milliseconds())
	if m.metrics != nil {
		m.metrics.RecordAPICall(m.groupID, "messages.list", fetchMS, err == nil)
	}
	if err != nil {
		return fmt.Errorf("list messages for group %s: %w", m.groupID, err)
	}
	if len(messages) == 0 {
		m.touchGroup(ctx)
		return nil
	}

	processed := 0
	for i := range messages {
		if m.processMessage(ctx, &messages[i], cfg) {
			processed++
		}
	}

	// The chat API returns batches newest first, but ordering is not
	// relied on: the cursor advances to the most recent message so the
	// next fetch never re-returns what this cycle already handled.
	newest := 0
	for i := 1; i < len(messages); i++ {
		if messages[i].CreatedAt.After(messages[newest].CreatedAt) {
			newest = i
		}
	}
	m.cursor = messages[newest].ID
	m.touchGroup(ctx)
	m.pruneWindow()

	if processed > 0 && m.logger != nil {
		m.logger.Info("scan complete", "new_messages", processed)
	}
	return nil
}

// processMessage runs one message through the pipeline and reports whether
// it was new. Already-seen messages and the cursor boundary are skipped
// without any side effect.
func (m *Monitor) processMessage(ctx context.Context, msg *domain.Message, cfg domain.GroupConfig) bool {
	if _, seen := m.processed[msg.ID]; seen {
		return false
	}
	if msg.ID == m.cursor {
		return false
	}

	now := m.now()
	if cfg.MaxMessageAge > 0 && !msg.CreatedAt.IsZero() && now.Sub(msg.CreatedAt) > cfg.MaxMessageAge {
		m.processed[msg.ID] = now
		return false
	}

	start := now
	log := domain.MessageLog{
		GroupID:          m.groupID,
		MessageID:        msg.ID,
		SenderID:         msg.SenderID,
		SenderName:       msg.SenderName,
		Text:             msg.Text,
		HasAttachments:   len(msg.Attachments) > 0,
		ModelVersion:     cfg.ModelVersion,
		MessageCreatedAt: msg.CreatedAt,
		ProcessedAt:      now,
	}

	if cfg.IsWhitelisted(msg.SenderID) {
		log.ActionTaken = domain.ActionWhitelisted
		m.appendLog(ctx, &log, 0)
		m.processed[msg.ID] = now
		return true
	}

	verdict := m.classify(ctx, msg)
	elapsedMS := int(m.now().Sub(start).Milliseconds())

	flagged := verdict.Flagged && verdict.Confidence >= cfg.ConfidenceThreshold
	log.Flagged = flagged
	log.Confidence = verdict.Confidence
	if !flagged {
		log.ActionTaken = domain.ActionIgnored
	}
	m.appendLog(ctx, &log, elapsedMS)

	if flagged {
		m.handleSpam(ctx, msg, verdict.Confidence, cfg)
	}

	if m.metrics != nil {
		m.metrics.RecordMessageProcessed(m.groupID, elapsedMS, flagged, verdict.Confidence)
	}
	m.processed[msg.ID] = now
	return true
}

// classify scores a message, failing safe to a clean verdict. Messages with
// no text (attachment only) are never sent to the classifier.
func (m *Monitor) classify(ctx context.Context, msg *domain.Message) domain.Verdict {
	if msg.Text == "" {
		return domain.Verdict{}
	}
	verdict, err := m.classifier.Classify(ctx, msg.Text)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("classification failed, treating as clean", "message_id", msg.ID, "error", err)
		}
		if m.metrics != nil {
			m.metrics.RecordError(m.groupID, "classification", err.Error())
		}
		return domain.Verdict{}
	}
	return verdict
}

// handleSpam applies the configured action to a flagged message and records
// the outcome on its log row.
func (m *Monitor) handleSpam(ctx context.Context, msg *domain.Message, confidence float64, cfg domain.GroupConfig) {
	action := domain.ActionFlagged
	deleted := false
	notified := false
	success := true

	if cfg.AutoDelete {
		ok, err := m.chat.Remove(ctx, m.groupID, msg.ID)
		if m.metrics != nil {
			m.metrics.RecordAPICall(m.groupID, "messages.remove", 0, err == nil)
		}
		switch {
		case err == nil && ok:
			action = domain.ActionDeleted
			deleted = true
			if cfg.NotifyOnRemoval {
				notified = m.send(ctx, fmt.Sprintf("Removed a spam message from %s.", msg.SenderName))
			}
		default:
			success = false
			if err != nil && m.logger != nil {
				m.logger.Warn("message deletion failed", "message_id", msg.ID, "error", err)
			}
			if cfg.NotifyAdmins {
				notified = m.send(ctx, spamAlert(msg, confidence))
			}
		}
	} else if cfg.NotifyAdmins {
		notified = m.send(ctx, spamAlert(msg, confidence))
	}

	if err := m.events.UpdateMessageLogAction(ctx, m.groupID, msg.ID, action, deleted, notified); err != nil && m.logger != nil {
		m.logger.Warn("failed to record spam action", "message_id", msg.ID, "error", err)
	}
	if m.metrics != nil {
		m.metrics.RecordAction(m.groupID, action, success)
	}
	if m.logger != nil {
		m.logger.Info("handled spam message", "sender", msg.SenderName, "action", action, "confidence", confidence)
	}
}

func spamAlert(msg *domain.Message, confidence float64) string {
	return fmt.Sprintf("Possible spam from %s (confidence %.0f%%). Review: %q", msg.SenderName, confidence*100, truncate(msg.Text, 120))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (m *Monitor) send(ctx context.Context, text string) bool {
	ok, err := m.chat.Send(ctx, m.groupID, text)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("notification failed", "error", err)
		}
		return false
	}
	return ok
}

func (m *Monitor) appendLog(ctx context.Context, log *domain.MessageLog, elapsedMS int) {
	log.ProcessingTimeMS = elapsedMS
	if err := m.events.AppendMessageLog(ctx, log); err != nil && m.logger != nil {
		m.logger.Warn("failed to append message log", "message_id", log.MessageID, "error", err)
	}
}

func (m *Monitor) touchGroup(ctx context.Context) {
	if err := m.groups.UpdateGroupCursor(ctx, m.groupID, m.cursor, m.now()); err != nil && m.logger != nil {
		m.logger.Warn("failed to update group cursor", "error", err)
	}
}

// pruneWindow drops processed ids older than the lookback so the in-memory
// window mirrors what Initialize would rebuild.
func (m *Monitor) pruneWindow() {
	cutoff := m.now().Add(-m.dedupeLookback)
	for id, at := range m.processed {
		if at.Before(cutoff) {
			delete(m.processed, id)
		}
	}
}
