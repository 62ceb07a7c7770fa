package intent

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/guidebot/internal/domain"
	"github.com/ashureev/guidebot/internal/knowledge"
)

const (
	contextBonus          = 0.3
	synonymBonus          = 0.1
	synonymBonusCap       = 0.3
	specificTriggerBonus  = 0.4
	specificTriggerMinLen = 5
	quickActionBonus      = 0.3
	specificityBonusCap   = 0.5
)

// KeywordResolver scores every configured pattern by literal substring matches.
type KeywordResolver struct {
	kb *knowledge.Base
}

var _ Matcher = (*KeywordResolver)(nil)

// NewKeywordResolver creates a resolver over kb.
func NewKeywordResolver(kb *knowledge.Base) *KeywordResolver {
	return &KeywordResolver{kb: kb}
}

// Resolve never fails. Bonuses only count for patterns with at least one literal keyword hit,
// so text that shares nothing with the configuration resolves to Unknown with zero confidence.
func (r *KeywordResolver) Resolve(_ context.Context, message string, pc domain.PageContext) (Result, error) {
	normalized := Normalize(message)
	best := Result{Intent: Unknown, Context: pc.Tag}
	if normalized == "" {
		return best, nil
	}

	section := r.kb.Section(pc.Tag)
	shared := synonymScore(normalized, section) + specificityScore(normalized, section)

	bestScore := 0.0
	for _, p := range r.kb.Matching.Patterns {
		score := 0.0
		var matched []string
		for _, kw := range p.Keywords {
			if strings.Contains(normalized, strings.ToLower(kw)) {
				score += p.BaseConfidence
				matched = append(matched, kw)
			}
		}
		if len(matched) == 0 {
			continue
		}
		if p.RequiredContext != "" && p.RequiredContext == pc.Tag {
			score += contextBonus
		}
		score += shared
		if score > bestScore {
			bestScore = score
			best = Result{
				Intent:          p.Intent,
				Confidence:      min(score, 1.0),
				MatchedKeywords: matched,
				Context:         pc.Tag,
			}
		}
	}
	return best, nil
}

func synonymScore(message string, s *knowledge.Section) float64 {
	score := 0.0
	for _, syn := range s.Synonyms {
		for _, v := range syn.Variants {
			if strings.Contains(message, strings.ToLower(v)) {
				score += synonymBonus
			}
		}
	}
	return min(score, synonymBonusCap)
}

func specificityScore(message string, s *knowledge.Section) float64 {
	score := 0.0
	for _, resp := range s.Responses {
		if utf8.RuneCountInString(resp.Trigger) > specificTriggerMinLen && strings.Contains(message, strings.ToLower(resp.Trigger)) {
			score += specificTriggerBonus
		}
	}
	for _, qa := range s.QuickActions {
		if strings.Contains(message, strings.ToLower(qa)) {
			score += quickActionBonus
		}
	}
	return min(score, specificityBonusCap)
}

// Normalize lower-cases and trims a message before matching.
func Normalize(message string) string {
	return strings.ToLower(strings.TrimSpace(message))
}
