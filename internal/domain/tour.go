package domain

import "fmt"

// Side is where the explanatory panel sits relative to a step target.
type Side string

const (
	SideTop    Side = "top"
	SideBottom Side = "bottom"
	SideLeft   Side = "left"
	SideRight  Side = "right"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	switch s {
	case SideTop, SideBottom, SideLeft, SideRight:
		return true
	}
	return false
}

// Interaction is what a step expects the user (or the sequencer) to do with its target.
type Interaction string

const (
	InteractionNone     Interaction = ""
	InteractionClick    Interaction = "click"
	InteractionInput    Interaction = "input"
	InteractionNavigate Interaction = "navigate"
	InteractionObserve  Interaction = "observe"
)

// Valid reports whether i is a known interaction.
func (i Interaction) Valid() bool {
	switch i {
	case InteractionNone, InteractionClick, InteractionInput, InteractionNavigate, InteractionObserve:
		return true
	}
	return false
}

// TourStep targets one element of the rendered page.
type TourStep struct {
	ID          string      `yaml:"id" json:"id"`
	Locator     string      `yaml:"locator" json:"locator"`
	Title       string      `yaml:"title" json:"title"`
	Description string      `yaml:"description" json:"description"`
	Side        Side        `yaml:"side" json:"side"`
	Interaction Interaction `yaml:"interaction,omitempty" json:"interaction,omitempty"`
}

// Tour is an ordered, page-bound walkthrough.
type Tour struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description" json:"description"`
	Contexts    []ContextTag `yaml:"contexts" json:"contexts"`
	Steps       []TourStep   `yaml:"steps" json:"steps"`
}

// AppliesTo reports whether the tour can run under tag.
func (t Tour) AppliesTo(tag ContextTag) bool {
	for _, c := range t.Contexts {
		if c == tag {
			return true
		}
	}
	return false
}

// Validate checks the tour is runnable.
func (t Tour) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("tour id is required")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("tour %s has no steps", t.ID)
	}
	seen := make(map[string]bool, len(t.Steps))
	for i, s := range t.Steps {
		if s.ID == "" || s.Locator == "" {
			return fmt.Errorf("tour %s step %d needs an id and a locator", t.ID, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("tour %s has duplicate step id %s", t.ID, s.ID)
		}
		seen[s.ID] = true
		if !s.Side.Valid() {
			return fmt.Errorf("tour %s step %s: unknown side %q", t.ID, s.ID, s.Side)
		}
		if !s.Interaction.Valid() {
			return fmt.Errorf("tour %s step %s: unknown interaction %q", t.ID, s.ID, s.Interaction)
		}
	}
	for _, c := range t.Contexts {
		if !c.Valid() {
			return fmt.Errorf("tour %s: unknown context %q", t.ID, c)
		}
	}
	return nil
}

// TourRunState is the observable state of a running tour.
type TourRunState struct {
	ActiveTour        *Tour `json:"active_tour,omitempty"`
	StepIndex         int   `json:"step_index"`
	IsActive          bool  `json:"is_active"`
	IsAwaitingAdvance bool  `json:"is_awaiting_advance"`
}

// CurrentStep returns the step being shown, if any.
func (s TourRunState) CurrentStep() (TourStep, bool) {
	if !s.IsActive || s.ActiveTour == nil || s.StepIndex >= len(s.ActiveTour.Steps) {
		return TourStep{}, false
	}
	return s.ActiveTour.Steps[s.StepIndex], true
}
