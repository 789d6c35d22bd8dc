package configcache

import (
	"context"
	"encoding/json"
	"fmt"
)

// NoticeKind enumerates the cache notifications exchanged between processes.
type NoticeKind int

const (
	// NoticeInvalidate drops one group's config from local tiers.
	NoticeInvalidate NoticeKind = iota
	// NoticeReloadAll drops every locally cached config.
	NoticeReloadAll
)

// Notice is a cache invalidation message. Delivery is best-effort: losing a
// notice only delays visibility until the TTL bound, never breaks it.
type Notice struct {
	Kind    NoticeKind
	GroupID string
}

type wireNotice struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id,omitempty"`
}

// MarshalBinary encodes the notice for the wire.
func (n Notice) MarshalBinary() ([]byte, error) {
	w := wireNotice{GroupID: n.GroupID}
	switch n.Kind {
	case NoticeInvalidate:
		w.Type = "config_change"
	case NoticeReloadAll:
		w.Type = "reload_all"
	default:
		return nil, fmt.Errorf("unknown notice kind %d", n.Kind)
	}
	return json.Marshal(w)
}

// decodeNotice parses a wire payload. Unknown types are rejected so a newer
// producer cannot silently corrupt an older consumer's cache.
func decodeNotice(payload []byte) (Notice, error) {
	var w wireNotice
	if err := json.Unmarshal(payload, &w); err != nil {
		return Notice{}, fmt.Errorf("decode cache notice: %w", err)
	}
	switch w.Type {
	case "config_change":
		return Notice{Kind: NoticeInvalidate, GroupID: w.GroupID}, nil
	case "reload_all":
		return Notice{Kind: NoticeReloadAll}, nil
	default:
		return Notice{}, fmt.Errorf("unknown cache notice type %q", w.Type)
	}
}

// Notifier propagates cache notices across processes. Implementations are an
// acceleration layer only; correctness never depends on delivery.
type Notifier interface {
	Publish(ctx context.Context, n Notice) error
	Subscribe(ctx context.Context, handler func(Notice))
	Close() error
}
