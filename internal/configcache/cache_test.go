package configcache

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spamshield/platform/internal/domain"
	"github.com/spamshield/platform/internal/repository"
)

type sourceRepo struct {
	mu      sync.Mutex
	configs map[string]domain.GroupConfig
	reads   int
}

func (s *sourceRepo) CreateGroup(ctx context.Context, g *domain.Group) error { return nil }
func (s *sourceRepo) GetGroup(ctx context.Context, groupID string) (*domain.Group, error) {
	return nil, repository.ErrNotFound
}
func (s *sourceRepo) ListActiveGroups(ctx context.Context) ([]domain.Group, error) { return nil, nil }
func (s *sourceRepo) UpdateGroupStatus(ctx context.Context, groupID, status string) error {
	return nil
}
func (s *sourceRepo) UpdateGroupCursor(ctx context.Context, groupID, lastMessageID string, checkedAt time.Time) error {
	return nil
}
func (s *sourceRepo) RecordGroupError(ctx context.Context, groupID, message string) error {
	return nil
}
func (s *sourceRepo) ClearGroupError(ctx context.Context, groupID string) error { return nil }
func (s *sourceRepo) GetGroupConfig(ctx context.Context, groupID string) (*domain.GroupConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	cfg, ok := s.configs[groupID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cfg.Clone()
	return &out, nil
}
func (s *sourceRepo) UpsertGroupConfig(ctx context.Context, cfg *domain.GroupConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.GroupID] = cfg.Clone()
	return nil
}

func (s *sourceRepo) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// memShared is an in-memory stand-in for the database-backed shared tier.
type memShared struct {
	mu      sync.Mutex
	entries map[string]domain.CacheEntry
}

func newMemShared() *memShared {
	return &memShared{entries: make(map[string]domain.CacheEntry)}
}

func (m *memShared) GetCacheEntry(ctx context.Context, key string) (*domain.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &entry, nil
}

func (m *memShared) PutCacheEntry(ctx context.Context, entry *domain.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Key] = *entry
	return nil
}

func (m *memShared) DeleteCacheEntry(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memShared) DeleteCacheEntriesByPrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *memShared) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for key, entry := range m.entries {
		if entry.Expired(now) {
			delete(m.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memShared) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *recordingNotifier) Publish(ctx context.Context, notice Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *recordingNotifier) Subscribe(ctx context.Context, handler func(Notice)) {}
func (n *recordingNotifier) Close() error                                        { return nil }

func (n *recordingNotifier) published() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.notices...)
}

func newTestCache(t *testing.T) (*Cache, *sourceRepo, *memShared, *recordingNotifier, *time.Time) {
	t.Helper()

	source := &sourceRepo{configs: map[string]domain.GroupConfig{
		"g1": domain.DefaultGroupConfig("g1"),
	}}
	shared := newMemShared()
	notifier := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))

	c := New(source, shared, notifier, logger, Options{})
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &t0
	c.now = func() time.Time { return *clock }
	return c, source, shared, notifier, clock
}

func TestGetPopulatesBothTiers(t *testing.T) {
	c, source, shared, _, _ := newTestCache(t)

	cfg, err := c.Get(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cfg.ConfidenceThreshold != 0.80 {
		t.Fatalf("threshold = %v, want 0.80", cfg.ConfidenceThreshold)
	}
	if source.readCount() != 1 {
		t.Fatalf("source reads = %d, want 1", source.readCount())
	}
	if shared.size() != 1 {
		t.Fatalf("shared entries = %d, want 1", shared.size())
	}

	// Second read must come from the local tier.
	if _, err := c.Get(context.Background(), "g1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if source.readCount() != 1 {
		t.Fatalf("source reads = %d after warm read, want 1", source.readCount())
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("stats = %+v, want 1 hit 1 miss", stats)
	}
}

func TestGetFallsBackToSharedTierAfterLocalExpiry(t *testing.T) {
	c, source, _, _, clock := newTestCache(t)

	if _, err := c.Get(context.Background(), "g1"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Past the local TTL but inside the shared TTL.
	*clock = clock.Add(6 * time.Minute)
	if _, err := c.Get(context.Background(), "g1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if source.readCount() != 1 {
		t.Fatalf("source reads = %d, want shared tier to serve the read", source.readCount())
	}
}

func TestGetReloadsFromSourceAfterSharedExpiry(t *testing.T) {
	c, source, _, _, clock := newTestCache(t)

	if _, err := c.Get(context.Background(), "g1"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	*clock = clock.Add(31 * time.Minute)
	if _, err := c.Get(context.Background(), "g1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if source.readCount() != 2 {
		t.Fatalf("source reads = %d, want 2 after shared expiry", source.readCount())
	}
}

func TestInvalidateDropsBothTiersAndPublishes(t *testing.T) {
	c, source, shared, notifier, _ := newTestCache(t)

	if _, err := c.Get(context.Background(), "g1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := c.Invalidate(context.Background(), "g1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	if shared.size() != 0 {
		t.Fatalf("shared entries = %d after invalidate, want 0", shared.size())
	}
	if _, err := c.Get(context.Background(), "g1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if source.readCount() != 2 {
		t.Fatalf("source reads = %d, want reload after invalidate", source.readCount())
	}

	notices := notifier.published()
	if len(notices) != 1 || notices[0].Kind != NoticeInvalidate || notices[0].GroupID != "g1" {
		t.Fatalf("published notices = %+v", notices)
	}
}

func TestConfigUpdateVisibleAfterInvalidate(t *testing.T) {
	c, source, _, _, _ := newTestCache(t)

	if _, err := c.Get(context.Background(), "g1"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	updated := domain.DefaultGroupConfig("g1")
	updated.ConfidenceThreshold = 0.95
	if err := source.UpsertGroupConfig(context.Background(), &updated); err != nil {
		t.Fatal(err)
	}
	if err := c.Invalidate(context.Background(), "g1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	cfg, err := c.Get(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cfg.ConfidenceThreshold != 0.95 {
		t.Fatalf("threshold = %v, want updated value 0.95", cfg.ConfidenceThreshold)
	}
}

func TestReloadAllClearsEverything(t *testing.T) {
	c, source, shared, notifier, _ := newTestCache(t)

	source.configs["g2"] = domain.DefaultGroupConfig("g2")
	if _, err := c.Get(context.Background(), "g1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(context.Background(), "g2"); err != nil {
		t.Fatal(err)
	}

	if err := c.ReloadAll(context.Background()); err != nil {
		t.Fatalf("ReloadAll: %v", err)
	}
	if shared.size() != 0 {
		t.Fatalf("shared entries = %d after reload, want 0", shared.size())
	}
	if got := c.Stats().Entries; got != 0 {
		t.Fatalf("local entries = %d after reload, want 0", got)
	}
	notices := notifier.published()
	if len(notices) != 1 || notices[0].Kind != NoticeReloadAll {
		t.Fatalf("published notices = %+v", notices)
	}
}

func TestApplyNoticeDropsLocalOnly(t *testing.T) {
	c, source, _, _, _ := newTestCache(t)

	if _, err := c.Get(context.Background(), "g1"); err != nil {
		t.Fatal(err)
	}

	c.apply(Notice{Kind: NoticeInvalidate, GroupID: "g1"})

	// The shared tier still holds the entry, so the next read hits it
	// without touching the source.
	if _, err := c.Get(context.Background(), "g1"); err != nil {
		t.Fatal(err)
	}
	if source.readCount() != 1 {
		t.Fatalf("source reads = %d, want shared tier hit after notice", source.readCount())
	}
}

func TestGetReturnsDefensiveCopies(t *testing.T) {
	c, _, _, _, _ := newTestCache(t)

	first, err := c.Get(context.Background(), "g1")
	if err != nil {
		t.Fatal(err)
	}
	first.WhitelistUsers = append(first.WhitelistUsers, "intruder")

	second, err := c.Get(context.Background(), "g1")
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range second.WhitelistUsers {
		if id == "intruder" {
			t.Fatal("caller mutation leaked into the cache")
		}
	}
}

func TestCleanupPurgesExpiredEntries(t *testing.T) {
	c, _, shared, _, clock := newTestCache(t)

	if _, err := c.Get(context.Background(), "g1"); err != nil {
		t.Fatal(err)
	}

	*clock = clock.Add(45 * time.Minute)
	c.cleanup(context.Background())

	if shared.size() != 0 {
		t.Fatalf("shared entries = %d after cleanup, want 0", shared.size())
	}
	if got := c.Stats().Entries; got != 0 {
		t.Fatalf("local entries = %d after cleanup, want 0", got)
	}
	if c.Stats().LastCleanup.IsZero() {
		t.Fatal("cleanup timestamp not recorded")
	}
}
