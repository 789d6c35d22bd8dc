// Package chat defines the chat-platform client contract. Workers are the
// only component touching the remote chat API, and only through this narrow
// interface so tests can substitute fakes.
package chat

import (
	"context"

	"github.com/spamshield/platform/internal/domain"
)

// Client lists and acts on messages of a remote chat platform. Every call
// must be timeout-bounded; failures are never fatal to the calling worker.
type Client interface {
	ListRecent(ctx context.Context, groupID string, limit int, cursor string) ([]domain.Message, error)
	Remove(ctx context.Context, groupID, messageID string) (bool, error)
	Send(ctx context.Context, groupID, text string) (bool, error)
}
