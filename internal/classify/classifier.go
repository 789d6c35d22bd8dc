// Package classify defines the content classifier contract. The classifier
// itself is an external collaborator; workers only depend on this interface
// and apply fail-safe defaults when it errors.
package classify

import (
	"context"

	"github.com/spamshield/platform/internal/domain"
)

// Classifier scores a piece of text. Implementations must be safe for
// concurrent use from multiple workers.
type Classifier interface {
	Classify(ctx context.Context, text string) (domain.Verdict, error)
}

// Func adapts a plain function to the Classifier interface.
type Func func(ctx context.Context, text string) (domain.Verdict, error)

// Classify implements Classifier.
func (f Func) Classify(ctx context.Context, text string) (domain.Verdict, error) {
	return f(ctx, text)
}
