// Package intent turns a message and its page context into an answer:
// keyword scoring, disambiguation and response lookup.
package intent

import (
	"context"

	"github.com/ashureev/guidebot/internal/domain"
)

// Unknown is the intent reported when no pattern matches.
const Unknown = "unknown"

// Result is the outcome of resolving one message.
type Result struct {
	Intent          string            `json:"intent"`
	Confidence      float64           `json:"confidence"`
	MatchedKeywords []string          `json:"matched_keywords"`
	Context         domain.ContextTag `json:"context"`
}

// Matcher infers an intent from free text.
type Matcher interface {
	Resolve(ctx context.Context, message string, pc domain.PageContext) (Result, error)
}
