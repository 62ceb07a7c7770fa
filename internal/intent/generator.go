package intent

import (
	"strings"

	"github.com/ashureev/guidebot/internal/domain"
	"github.com/ashureev/guidebot/internal/knowledge"
)

// Reply is the generated answer for one turn.
type Reply struct {
	Text             string   `json:"text"`
	SuggestedActions []string `json:"suggested_actions"`
}

// Generator looks up replies in the section of the active context.
type Generator struct {
	kb *knowledge.Base
}

// NewGenerator creates a generator over kb.
func NewGenerator(kb *knowledge.Base) *Generator {
	return &Generator{kb: kb}
}

// Generate tries a substring match on trigger phrases, then word overlap, then the context fallback.
func (g *Generator) Generate(message string, pc domain.PageContext, res Result) Reply {
	section := g.kb.Section(pc.Tag)
	normalized := Normalize(message)

	text := exactResponse(normalized, section.Responses)
	if text == "" {
		text = similarResponse(normalized, section.Responses)
	}
	if text == "" {
		text = section.Fallback
	}
	return Reply{
		Text:             text,
		SuggestedActions: dedupe(section.QuickActions, g.kb.ActionsFor(res.Intent)),
	}
}

func exactResponse(message string, responses []knowledge.Response) string {
	for _, r := range responses {
		if strings.Contains(message, strings.ToLower(r.Trigger)) {
			return r.Text
		}
	}
	return ""
}

// similarResponse counts message words contained in each trigger. A zero score never selects.
func similarResponse(message string, responses []knowledge.Response) string {
	words := strings.Fields(message)
	best, bestScore := "", 0
	for _, r := range responses {
		key := strings.ToLower(r.Trigger)
		score := 0
		for _, w := range words {
			if strings.Contains(key, w) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = r.Text, score
		}
	}
	return best
}

func dedupe(lists ...[]string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, l := range lists {
		for _, s := range l {
			if seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
