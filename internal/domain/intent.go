package domain

// IntentPattern scores one named intent against incoming text.
type IntentPattern struct {
	Intent          string     `yaml:"intent" json:"intent"`
	Keywords        []string   `yaml:"keywords" json:"keywords"`
	BaseConfidence  float64    `yaml:"confidence" json:"confidence"`
	RequiredContext ContextTag `yaml:"context,omitempty" json:"context,omitempty"`
}

// Option is one selectable answer to a clarifying question.
type Option struct {
	Label          string     `yaml:"label" json:"label"`
	ActionPhrase   string     `yaml:"action" json:"action"`
	ImpliedContext ContextTag `yaml:"context,omitempty" json:"context,omitempty"`
}

// AmbiguousRule turns a low-confidence message containing Trigger into a clarifying question.
type AmbiguousRule struct {
	Trigger  string                `yaml:"trigger" json:"trigger"`
	Question string                `yaml:"question" json:"question"`
	Phrasing map[ContextTag]string `yaml:"phrasing" json:"phrasing"`
	Options  []Option              `yaml:"options" json:"options"`
}

// PhrasingFor returns the phrasing for tag, falling back to the global phrasing.
func (r AmbiguousRule) PhrasingFor(tag ContextTag) string {
	if p, ok := r.Phrasing[tag]; ok {
		return p
	}
	return r.Phrasing[ContextGlobal]
}
