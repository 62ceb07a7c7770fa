package intent

import (
	"slices"
	"strings"

	"github.com/ashureev/guidebot/internal/domain"
	"github.com/ashureev/guidebot/internal/knowledge"
)

// Disambiguation replaces a direct answer with a clarifying question.
type Disambiguation struct {
	Trigger string          `json:"trigger"`
	Text    string          `json:"text"`
	Options []domain.Option `json:"options"`
}

// Gate intercepts low-confidence messages that contain an ambiguous trigger word.
type Gate struct {
	rules     []domain.AmbiguousRule
	threshold float64
}

// NewGate builds a gate from the knowledge base rules and threshold.
func NewGate(kb *knowledge.Base) *Gate {
	return &Gate{rules: kb.Ambiguous, threshold: kb.Matching.DisambiguationThreshold}
}

// Check returns the first rule, in configuration order, whose trigger appears in message
// while the resolved confidence is below the threshold. It returns nil when no rule fires.
func (g *Gate) Check(message string, pc domain.PageContext, res Result) *Disambiguation {
	if res.Confidence >= g.threshold {
		return nil
	}
	normalized := Normalize(message)
	for _, rule := range g.rules {
		if !strings.Contains(normalized, strings.ToLower(rule.Trigger)) {
			continue
		}
		return &Disambiguation{
			Trigger: rule.Trigger,
			Text:    rule.Question + "\n\n" + rule.PhrasingFor(pc.Tag),
			Options: slices.Clone(rule.Options),
		}
	}
	return nil
}

// Option returns the option whose action phrase or label equals choice.
func (d *Disambiguation) Option(choice string) (domain.Option, bool) {
	if d == nil {
		return domain.Option{}, false
	}
	for _, o := range d.Options {
		if o.ActionPhrase == choice || o.Label == choice {
			return o, true
		}
	}
	return domain.Option{}, false
}
