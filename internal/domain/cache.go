package domain

import "time"

// CacheEntry is one row of the shared configuration cache tier.
type CacheEntry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the entry is past its expiry at the given time.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}
