// Package knowledge loads the static configuration the assistant reasons over:
// per-context responses, synonyms, intent patterns, ambiguity rules and tours.
package knowledge

import (
	"embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/ashureev/guidebot/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed data/*.yaml
var defaults embed.FS

const (
	defaultKnowledgePath = "data/knowledge.yaml"
	defaultToursPath     = "data/tours.yaml"
)

// Response maps a trigger phrase to its reply text.
type Response struct {
	Trigger string `yaml:"trigger"`
	Text    string `yaml:"text"`
}

// Synonym lists alternative spellings of a canonical term.
type Synonym struct {
	Term     string   `yaml:"term"`
	Variants []string `yaml:"variants"`
}

// Welcome is the greeting shown when a conversation starts or is cleared.
type Welcome struct {
	Text        string   `yaml:"text"`
	Suggestions []string `yaml:"suggestions"`
}

// Section is the slice of knowledge that applies to one context tag.
type Section struct {
	Tag              domain.ContextTag `yaml:"tag"`
	Keywords         []string          `yaml:"keywords"`
	Responses        []Response        `yaml:"responses"`
	Synonyms         []Synonym         `yaml:"synonyms"`
	QuickActions     []string          `yaml:"quick_actions"`
	Fallback         string            `yaml:"fallback"`
	Welcome          Welcome           `yaml:"welcome"`
	AvailableActions []string          `yaml:"available_actions"`
	RelevantHelp     []string          `yaml:"relevant_help"`
}

// RouteRule classifies a route. Suggestions optionally override the section welcome suggestions.
type RouteRule struct {
	Route       string            `yaml:"route"`
	Context     domain.ContextTag `yaml:"context"`
	Suggestions []string          `yaml:"suggestions,omitempty"`
}

// IntentMatching holds the scoring configuration.
type IntentMatching struct {
	Patterns                []domain.IntentPattern `yaml:"patterns"`
	ConfidenceThreshold     float64                `yaml:"confidence_threshold"`
	DisambiguationThreshold float64                `yaml:"disambiguation_threshold"`
}

// IntentAction adds suggestions when a specific intent wins.
type IntentAction struct {
	Intent  string   `yaml:"intent"`
	Actions []string `yaml:"actions"`
}

// SessionSettings bounds per-conversation state.
type SessionSettings struct {
	MaxHistorySize int                `yaml:"max_history_size"`
	ContextWeights map[string]float64 `yaml:"context_weights"`
}

// Base is the full knowledge base.
type Base struct {
	Contexts      []Section              `yaml:"contexts"`
	Routes        []RouteRule            `yaml:"routes"`
	Ambiguous     []domain.AmbiguousRule `yaml:"ambiguous_keywords"`
	Matching      IntentMatching         `yaml:"intent_matching"`
	IntentActions []IntentAction         `yaml:"intent_actions"`
	Session       SessionSettings        `yaml:"session"`
	ErrorMessage  string                 `yaml:"error_message"`
	TourAnnounce  string                 `yaml:"tour_announcement"`

	sections map[domain.ContextTag]*Section
}

// Load reads the knowledge base at path, or the embedded default when path is empty.
func Load(path string) (*Base, error) {
	data, err := readSource(path, defaultKnowledgePath)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates a YAML knowledge base.
func Parse(data []byte) (*Base, error) {
	var b Base
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode knowledge base: %w", err)
	}
	if b.Matching.DisambiguationThreshold == 0 {
		b.Matching.DisambiguationThreshold = 0.7
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid knowledge base: %w", err)
	}
	b.index()
	return &b, nil
}

func readSource(path, fallback string) ([]byte, error) {
	if path == "" {
		data, err := defaults.ReadFile(fallback)
		if err != nil {
			return nil, fmt.Errorf("read embedded %s: %w", fallback, err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (b *Base) index() {
	b.sections = make(map[domain.ContextTag]*Section, len(b.Contexts))
	for i := range b.Contexts {
		b.sections[b.Contexts[i].Tag] = &b.Contexts[i]
	}
}

// Validate checks ranges and references.
//
//nolint:gocyclo // Each check maps to one configuration rule.
func (b *Base) Validate() error {
	seen := make(map[domain.ContextTag]bool)
	for _, s := range b.Contexts {
		if !s.Tag.Valid() {
			return fmt.Errorf("unknown context tag %q", s.Tag)
		}
		if seen[s.Tag] {
			return fmt.Errorf("context %s declared twice", s.Tag)
		}
		seen[s.Tag] = true
		if s.Fallback == "" {
			return fmt.Errorf("context %s needs a fallback response", s.Tag)
		}
	}
	if !seen[domain.ContextGlobal] {
		return fmt.Errorf("global context is required")
	}
	for _, r := range b.Routes {
		if !strings.HasPrefix(r.Route, "/") {
			return fmt.Errorf("route %q must start with /", r.Route)
		}
		if !seen[r.Context] {
			return fmt.Errorf("route %s points to undeclared context %q", r.Route, r.Context)
		}
	}
	for _, rule := range b.Ambiguous {
		if rule.Trigger == "" || rule.Question == "" {
			return fmt.Errorf("ambiguous rule needs a trigger and a question")
		}
		if _, ok := rule.Phrasing[domain.ContextGlobal]; !ok {
			return fmt.Errorf("ambiguous rule %q needs a global phrasing", rule.Trigger)
		}
		if len(rule.Options) == 0 {
			return fmt.Errorf("ambiguous rule %q has no options", rule.Trigger)
		}
		for _, o := range rule.Options {
			if o.ImpliedContext != "" && !o.ImpliedContext.Valid() {
				return fmt.Errorf("ambiguous rule %q option %q: unknown context %q", rule.Trigger, o.Label, o.ImpliedContext)
			}
		}
	}
	if len(b.Matching.Patterns) == 0 {
		return fmt.Errorf("at least one intent pattern is required")
	}
	for _, p := range b.Matching.Patterns {
		if p.Intent == "" || len(p.Keywords) == 0 {
			return fmt.Errorf("intent pattern needs a name and keywords")
		}
		if p.BaseConfidence < 0 || p.BaseConfidence > 1 {
			return fmt.Errorf("intent %s: confidence %v outside [0,1]", p.Intent, p.BaseConfidence)
		}
		if p.RequiredContext != "" && !p.RequiredContext.Valid() {
			return fmt.Errorf("intent %s: unknown context %q", p.Intent, p.RequiredContext)
		}
	}
	if t := b.Matching.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("confidence threshold %v outside [0,1]", t)
	}
	if t := b.Matching.DisambiguationThreshold; t < 0 || t > 1 {
		return fmt.Errorf("disambiguation threshold %v outside [0,1]", t)
	}
	if b.Session.MaxHistorySize < 1 {
		return fmt.Errorf("max history size must be >= 1")
	}
	total := 0.0
	for name, w := range b.Session.ContextWeights {
		if w < 0 || w > 1 {
			return fmt.Errorf("context weight %s=%v outside [0,1]", name, w)
		}
		total += w
	}
	if total > 1.0001 {
		return fmt.Errorf("context weights sum to %v, expected <= 1", total)
	}
	if b.ErrorMessage == "" {
		return fmt.Errorf("error message is required")
	}
	return nil
}

// Section returns the slice for tag, or the global slice when tag is not configured.
func (b *Base) Section(tag domain.ContextTag) *Section {
	if s, ok := b.sections[tag]; ok {
		return s
	}
	return b.sections[domain.ContextGlobal]
}

// ContextFor classifies route: exact match, then the longest configured parent route, then global.
func (b *Base) ContextFor(route string) domain.PageContext {
	route = NormalizeRoute(route)
	rule, ok := b.matchRoute(route)
	tag := domain.ContextGlobal
	if ok {
		tag = rule.Context
	}
	s := b.Section(tag)
	return domain.PageContext{
		Route:            route,
		Tag:              s.Tag,
		AvailableActions: slices.Clone(s.AvailableActions),
		RelevantHelp:     slices.Clone(s.RelevantHelp),
	}
}

func (b *Base) matchRoute(route string) (RouteRule, bool) {
	var best RouteRule
	found := false
	for _, r := range b.Routes {
		if r.Route == route {
			return r, true
		}
		if r.Route == "/" {
			continue
		}
		if strings.HasPrefix(route, r.Route+"/") && (!found || len(r.Route) > len(best.Route)) {
			best, found = r, true
		}
	}
	return best, found
}

// WelcomeFor returns the greeting and the initial suggestions for route.
func (b *Base) WelcomeFor(route string) Welcome {
	route = NormalizeRoute(route)
	pc := b.ContextFor(route)
	w := b.Section(pc.Tag).Welcome
	if rule, ok := b.matchRoute(route); ok && rule.Route == route && len(rule.Suggestions) > 0 {
		w.Suggestions = rule.Suggestions
	}
	return Welcome{Text: w.Text, Suggestions: slices.Clone(w.Suggestions)}
}

// ActionsFor returns the extra suggestions configured for intent.
func (b *Base) ActionsFor(intent string) []string {
	for _, a := range b.IntentActions {
		if a.Intent == intent {
			return a.Actions
		}
	}
	return nil
}

// NormalizeRoute strips query, fragment and trailing slashes.
func NormalizeRoute(route string) string {
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	route = strings.TrimSpace(route)
	if route == "" {
		return "/"
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	if len(route) > 1 {
		route = strings.TrimRight(route, "/")
		if route == "" {
			route = "/"
		}
	}
	return route
}
