package domain

import "time"

// Group statuses.
const (
	GroupStatusActive   = "active"
	GroupStatusInactive = "inactive"
	GroupStatusPaused   = "paused"
	GroupStatusError    = "error"
)

// Group is a monitored chat room. Groups are never deleted, only deactivated.
type Group struct {
	ID            string
	Name          string
	Status        string
	OwnerID       string
	OwnerName     string
	MemberCount   int
	LastChecked   *time.Time
	LastMessageID string
	ErrorCount    int
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// GroupConfig carries the per-group tunables consulted on every scan cycle.
type GroupConfig struct {
	GroupID             string
	ConfidenceThreshold float64
	CheckInterval       time.Duration
	AutoDelete          bool
	NotifyOnRemoval     bool
	NotifyAdmins        bool
	SendStartupMessage  bool
	MaxMessageAge       time.Duration
	BatchSize           int
	RateLimitPerMinute  int
	ModelVersion        string
	CustomKeywords      []string
	WhitelistUsers      []string
	UpdatedAt           time.Time
}

const (
	minCheckInterval = 5 * time.Second
	maxCheckInterval = time.Hour
)

// DefaultGroupConfig returns the tunables applied when a group is registered.
func DefaultGroupConfig(groupID string) GroupConfig {
	return GroupConfig{
		GroupID:             groupID,
		ConfidenceThreshold: 0.80,
		CheckInterval:       30 * time.Second,
		AutoDelete:          true,
		NotifyOnRemoval:     true,
		NotifyAdmins:        true,
		SendStartupMessage:  true,
		MaxMessageAge:       24 * time.Hour,
		BatchSize:           20,
		RateLimitPerMinute:  60,
		ModelVersion:        "latest",
	}
}

// Normalize clamps tunables into their documented bounds.
func (c *GroupConfig) Normalize() {
	if c.ConfidenceThreshold < 0 {
		c.ConfidenceThreshold = 0
	}
	if c.ConfidenceThreshold > 1 {
		c.ConfidenceThreshold = 1
	}
	if c.CheckInterval < minCheckInterval {
		c.CheckInterval = minCheckInterval
	}
	if c.CheckInterval > maxCheckInterval {
		c.CheckInterval = maxCheckInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
}

// Clone returns a defensive copy, including slice fields.
func (c GroupConfig) Clone() GroupConfig {
	out := c
	out.CustomKeywords = append([]string(nil), c.CustomKeywords...)
	out.WhitelistUsers = append([]string(nil), c.WhitelistUsers...)
	return out
}

// IsWhitelisted reports whether the sender is exempt from classification.
func (c GroupConfig) IsWhitelisted(senderID string) bool {
	for _, id := range c.WhitelistUsers {
		if id == senderID {
			return true
		}
	}
	return false
}
