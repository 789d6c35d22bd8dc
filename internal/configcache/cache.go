// Package configcache serves per-group configuration through a two-tier
// read-through cache: an in-process map, a shared database-backed tier, and
// the group_configs table as source of truth. Updates become visible to every
// reader within the tier TTLs even when invalidation notices are lost.
package configcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spamshield/platform/internal/domain"
	"github.com/spamshield/platform/internal/repository"
)

const (
	keyPrefix = "group_config:"

	defaultLocalTTL     = 5 * time.Minute
	defaultSharedTTL    = 30 * time.Minute
	defaultCleanupEvery = 5 * time.Minute
	// Local entries are purged past this age regardless of TTL refreshes,
	// bounding staleness when invalidation notices never arrive.
	localStaleBound = 10 * time.Minute
)

// Options tune cache behaviour; zero values fall back to defaults.
type Options struct {
	LocalTTL     time.Duration
	SharedTTL    time.Duration
	CleanupEvery time.Duration
}

// Stats reports cache performance counters.
type Stats struct {
	Hits        int64
	Misses      int64
	HitRate     float64
	Entries     int
	LastCleanup time.Time
}

type localEntry struct {
	cfg      domain.GroupConfig
	cachedAt time.Time
}

// Cache is the two-tier configuration cache.
type Cache struct {
	groups   repository.GroupRepository
	shared   repository.CacheRepository
	notifier Notifier
	logger   *slog.Logger

	localTTL     time.Duration
	sharedTTL    time.Duration
	cleanupEvery time.Duration

	mu          sync.RWMutex
	local       map[string]localEntry
	hits        int64
	misses      int64
	lastCleanup time.Time

	now func() time.Time
}

// New constructs a Cache. The notifier may be nil, in which case cross-process
// invalidation degrades to the shared tier TTL.
func New(groups repository.GroupRepository, shared repository.CacheRepository, notifier Notifier, logger *slog.Logger, opts Options) *Cache {
	if opts.LocalTTL <= 0 {
		opts.LocalTTL = defaultLocalTTL
	}
	if opts.SharedTTL <= 0 {
		opts.SharedTTL = defaultSharedTTL
	}
	if opts.CleanupEvery <= 0 {
		opts.CleanupEvery = defaultCleanupEvery
	}
	if logger != nil {
		logger = logger.With("component", "configcache")
	}
	return &Cache{
		groups:       groups,
		shared:       shared,
		notifier:     notifier,
		logger:       logger,
		localTTL:     opts.LocalTTL,
		sharedTTL:    opts.SharedTTL,
		cleanupEvery: opts.CleanupEvery,
		local:        make(map[string]localEntry),
		now:          time.Now,
	}
}

// Get returns the configuration for a group, populating both tiers on miss.
// The result is always a defensive copy.
func (c *Cache) Get(ctx context.Context, groupID string) (domain.GroupConfig, error) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.local[groupID]
	c.mu.RUnlock()
	if ok && now.Sub(entry.cachedAt) < c.localTTL {
		c.countHit()
		return entry.cfg.Clone(), nil
	}

	if cfg, ok := c.sharedGet(ctx, groupID, now); ok {
		c.storeLocal(groupID, cfg, now)
		c.countHit()
		return cfg.Clone(), nil
	}

	cfg, err := c.groups.GetGroupConfig(ctx, groupID)
	if err != nil {
		c.countMiss()
		return domain.GroupConfig{}, fmt.Errorf("load config for group %s: %w", groupID, err)
	}
	cfg.Normalize()

	c.storeLocal(groupID, *cfg, now)
	c.sharedPut(ctx, groupID, *cfg, now)
	c.countMiss()
	return cfg.Clone(), nil
}

// Invalidate drops a group from both tiers and broadcasts a notice so other
// processes drop their local tier proactively.
func (c *Cache) Invalidate(ctx context.Context, groupID string) error {
	c.mu.Lock()
	delete(c.local, groupID)
	c.mu.Unlock()

	if err := c.shared.DeleteCacheEntry(ctx, keyPrefix+groupID); err != nil {
		return fmt.Errorf("invalidate shared cache for group %s: %w", groupID, err)
	}
	c.publish(ctx, Notice{Kind: NoticeInvalidate, GroupID: groupID})
	return nil
}

// ReloadAll clears every tier and broadcasts a reload notice.
func (c *Cache) ReloadAll(ctx context.Context) error {
	c.mu.Lock()
	c.local = make(map[string]localEntry)
	c.mu.Unlock()

	if err := c.shared.DeleteCacheEntriesByPrefix(ctx, keyPrefix); err != nil {
		return fmt.Errorf("clear shared cache: %w", err)
	}
	c.publish(ctx, Notice{Kind: NoticeReloadAll})
	return nil
}

// Run drives the background cleanup loop and, when a notifier is present, the
// notice subscription. It blocks until the context is cancelled.
func (c *Cache) Run(ctx context.Context) {
	if c.notifier != nil {
		go c.notifier.Subscribe(ctx, c.apply)
	}

	ticker := time.NewTicker(c.cleanupEvery)
	defer ticker.Stop()

	if c.logger != nil {
		c.logger.Info("config cache started", "local_ttl", c.localTTL, "shared_ttl", c.sharedTTL)
	}
	for {
		select {
		case <-ctx.Done():
			if c.logger != nil {
				c.logger.Info("config cache stopped")
			}
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

// Stats returns hit/miss counters and the last cleanup timestamp.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Entries:     len(c.local),
		LastCleanup: c.lastCleanup,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total) * 100
	}
	return s
}

// apply reacts to a cross-process notice.
func (c *Cache) apply(n Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch n.Kind {
	case NoticeInvalidate:
		delete(c.local, n.GroupID)
		if c.logger != nil {
			c.logger.Debug("dropped local config on notice", "group_id", n.GroupID)
		}
	case NoticeReloadAll:
		c.local = make(map[string]localEntry)
		if c.logger != nil {
			c.logger.Debug("cleared local config cache on notice")
		}
	}
}

func (c *Cache) storeLocal(groupID string, cfg domain.GroupConfig, now time.Time) {
	c.mu.Lock()
	c.local[groupID] = localEntry{cfg: cfg.Clone(), cachedAt: now}
	c.mu.Unlock()
}

// cachedConfig is the shared-tier wire format.
type cachedConfig struct {
	GroupID             string   `json:"group_id"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	CheckIntervalSecs   int      `json:"check_interval_seconds"`
	AutoDelete          bool     `json:"auto_delete"`
	NotifyOnRemoval     bool     `json:"notify_on_removal"`
	NotifyAdmins        bool     `json:"notify_admins"`
	SendStartupMessage  bool     `json:"send_startup_message"`
	MaxMessageAgeHours  int      `json:"max_message_age_hours"`
	BatchSize           int      `json:"batch_size"`
	RateLimitPerMinute  int      `json:"rate_limit_per_minute"`
	ModelVersion        string   `json:"model_version"`
	CustomKeywords      []string `json:"custom_keywords"`
	WhitelistUsers      []string `json:"whitelist_users"`
}

func (c *Cache) sharedGet(ctx context.Context, groupID string, now time.Time) (domain.GroupConfig, bool) {
	entry, err := c.shared.GetCacheEntry(ctx, keyPrefix+groupID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) && c.logger != nil {
			c.logger.Warn("shared cache read failed", "group_id", groupID, "error", err)
		}
		return domain.GroupConfig{}, false
	}
	if entry.Expired(now) {
		return domain.GroupConfig{}, false
	}

	var cached cachedConfig
	if err := json.Unmarshal(entry.Value, &cached); err != nil {
		if c.logger != nil {
			c.logger.Warn("dropping corrupt shared cache entry", "group_id", groupID, "error", err)
		}
		return domain.GroupConfig{}, false
	}
	return domain.GroupConfig{
		GroupID:             cached.GroupID,
		ConfidenceThreshold: cached.ConfidenceThreshold,
		CheckInterval:       time.Duration(cached.CheckIntervalSecs) * time.Second,
		AutoDelete:          cached.AutoDelete,
		NotifyOnRemoval:     cached.NotifyOnRemoval,
		NotifyAdmins:        cached.NotifyAdmins,
		SendStartupMessage:  cached.SendStartupMessage,
		MaxMessageAge:       time.Duration(cached.MaxMessageAgeHours) * time.Hour,
		BatchSize:           cached.BatchSize,
		RateLimitPerMinute:  cached.RateLimitPerMinute,
		ModelVersion:        cached.ModelVersion,
		CustomKeywords:      cached.CustomKeywords,
		WhitelistUsers:      cached.WhitelistUsers,
	}, true
}

func (c *Cache) sharedPut(ctx context.Context, groupID string, cfg domain.GroupConfig, now time.Time) {
	payload, err := json.Marshal(cachedConfig{
		GroupID:             cfg.GroupID,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		CheckIntervalSecs:   int(cfg.CheckInterval.Seconds()),
		AutoDelete:          cfg.AutoDelete,
		NotifyOnRemoval:     cfg.NotifyOnRemoval,
		NotifyAdmins:        cfg.NotifyAdmins,
		SendStartupMessage:  cfg.SendStartupMessage,
		MaxMessageAgeHours:  int(cfg.MaxMessageAge.Hours()),
		BatchSize:           cfg.BatchSize,
		RateLimitPerMinute:  cfg.RateLimitPerMinute,
		ModelVersion:        cfg.ModelVersion,
		CustomKeywords:      cfg.CustomKeywords,
		WhitelistUsers:      cfg.WhitelistUsers,
	})
	if err != nil {
		return
	}
	entry := &domain.CacheEntry{
		Key:       keyPrefix + groupID,
		Value:     payload,
		ExpiresAt: now.Add(c.sharedTTL),
	}
	if err := c.shared.PutCacheEntry(ctx, entry); err != nil && c.logger != nil {
		c.logger.Warn("shared cache write failed", "group_id", groupID, "error", err)
	}
}

func (c *Cache) publish(ctx context.Context, n Notice) {
	if c.notifier == nil {
		return
	}
	// Best effort: a lost notice degrades to TTL-bound consistency.
	_ = c.notifier.Publish(ctx, n)
}

func (c *Cache) cleanup(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	for key, entry := range c.local {
		if now.Sub(entry.cachedAt) > localStaleBound {
			delete(c.local, key)
		}
	}
	c.lastCleanup = now
	c.mu.Unlock()

	deleted, err := c.shared.DeleteExpiredCacheEntries(ctx, now)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("shared cache cleanup failed", "error", err)
		}
		return
	}
	if deleted > 0 && c.logger != nil {
		c.logger.Debug("purged expired shared cache entries", "count", deleted)
	}
}

func (c *Cache) countHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *Cache) countMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}
