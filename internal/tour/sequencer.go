package tour

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/guidebot/internal/domain"
)

// Sequencer errors.
var (
	ErrTourNotFound      = errors.New("tour not found")
	ErrNoActiveTour      = errors.New("no active tour")
	ErrAdvanceInProgress = errors.New("advance already in progress")
	ErrNoDriver          = errors.New("no page driver attached")
	ErrTargetNotFound    = errors.New("step target not found")
	ErrStale             = errors.New("tour state changed while measuring")
)

// Outcome reports how an Advance call finished.
type Outcome string

const (
	OutcomeAdvanced      Outcome = "advanced"
	OutcomeEnded         Outcome = "ended"
	OutcomeTargetMissing Outcome = "target_missing"
	OutcomeStale         Outcome = "stale"
)

// EventType identifies a sequencer notification.
type EventType string

const (
	EventStarted       EventType = "tour_started"
	EventStep          EventType = "tour_step"
	EventStepSkipped   EventType = "tour_step_skipped"
	EventTargetMissing EventType = "tour_target_missing"
	EventHighlight     EventType = "tour_highlight"
	EventEnded         EventType = "tour_ended"
)

// Event is emitted on every state transition.
type Event struct {
	Type      EventType  `json:"type"`
	TourID    string     `json:"tour_id"`
	StepIndex int        `json:"step_index"`
	StepID    string     `json:"step_id,omitempty"`
	Message   string     `json:"message,omitempty"`
	Highlight *Highlight `json:"highlight,omitempty"`
}

// Notifier receives sequencer events. Notify must not call back into the sequencer synchronously.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Notify calls f(e).
func (f NotifierFunc) Notify(e Event) { f(e) }

// PanelCloser closes the chat panel when a tour starts.
type PanelCloser interface {
	ClosePanel()
}

// Lookup resolves tours by id.
type Lookup interface {
	Tour(id string) (domain.Tour, bool)
}

// Highlight is the measured target of the current step and where its panel goes.
type Highlight struct {
	TourID    string          `json:"tour_id"`
	StepIndex int             `json:"step_index"`
	Step      domain.TourStep `json:"step"`
	Target    Box             `json:"target"`
	Viewport  Viewport        `json:"viewport"`
	Placement Placement       `json:"placement"`
}

// Config tunes target polling.
type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// DefaultConfig returns the polling settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		PollInterval: 250 * time.Millisecond,
		PollTimeout:  5 * time.Second,
	}
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithPanel sets the panel closed on Start.
func WithPanel(p PanelCloser) Option {
	return func(s *Sequencer) { s.panel = p }
}

// WithNotifier sets the event sink.
func WithNotifier(n Notifier) Option {
	return func(s *Sequencer) { s.notifier = n }
}

// WithDriver attaches a driver up front.
func WithDriver(d Driver) Option {
	return func(s *Sequencer) { s.driver = d }
}

// Sequencer is the per-session tour state machine. At most one tour runs at a time.
type Sequencer struct {
	tours    Lookup
	cfg      Config
	panel    PanelCloser
	notifier Notifier

	mu        sync.Mutex
	driver    Driver
	state     domain.TourRunState
	gen       uint64
	advancing bool
	highlight *Highlight
}

// NewSequencer creates an idle sequencer.
func NewSequencer(tours Lookup, cfg Config, opts ...Option) *Sequencer {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	s := &Sequencer{tours: tours, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPanel sets the panel closed on Start.
func (s *Sequencer) SetPanel(p PanelCloser) {
	s.mu.Lock()
	s.panel = p
	s.mu.Unlock()
}

// SetNotifier replaces the event sink.
func (s *Sequencer) SetNotifier(n Notifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

// SetDriver attaches d, replacing any previous driver.
func (s *Sequencer) SetDriver(d Driver) {
	s.mu.Lock()
	s.driver = d
	s.mu.Unlock()
}

// DetachDriver clears the driver only if d is still the attached one.
func (s *Sequencer) DetachDriver(d Driver) {
	s.mu.Lock()
	if s.driver == d {
		s.driver = nil
	}
	s.mu.Unlock()
}

// HasDriver reports whether a page driver is attached.
func (s *Sequencer) HasDriver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver != nil
}

// State returns a copy of the run state.
func (s *Sequencer) State() domain.TourRunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastHighlight returns the most recent measurement of the current step.
func (s *Sequencer) LastHighlight() (Highlight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.highlight == nil {
		return Highlight{}, false
	}
	return *s.highlight, true
}

// Start activates tour id at step 0. A running tour is replaced.
func (s *Sequencer) Start(_ context.Context, id string) error {
	t, ok := s.tours.Tour(id)
	if !ok {
		return ErrTourNotFound
	}

	s.mu.Lock()
	panel := s.panel
	s.mu.Unlock()
	if panel != nil {
		panel.ClosePanel()
	}

	s.mu.Lock()
	s.gen++
	s.state = domain.TourRunState{ActiveTour: &t, StepIndex: 0, IsActive: true}
	s.advancing = false
	s.highlight = nil
	ev := s.stepEvent(EventStarted, "")
	s.mu.Unlock()

	slog.Info("Tour started", "tour_id", t.ID, "steps", len(t.Steps))
	s.notify(ev)
	return nil
}

// Advance performs the current step's interaction, if any, then moves forward.
// Click and navigate steps poll for the next target. When the poll runs out the
// tour still moves on and OutcomeTargetMissing is returned alongside a
// tour_target_missing event. If the tour is ended or restarted meanwhile, the
// result is discarded and OutcomeStale returned.
func (s *Sequencer) Advance(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	step, ok := s.state.CurrentStep()
	if !ok {
		s.mu.Unlock()
		return "", ErrNoActiveTour
	}
	if s.advancing {
		s.mu.Unlock()
		return "", ErrAdvanceInProgress
	}
	gen := s.gen
	idx := s.state.StepIndex
	steps := s.state.ActiveTour.Steps
	driver := s.driver
	last := idx == len(steps)-1

	if !waitsForTarget(step.Interaction) || driver == nil {
		if last {
			s.mu.Unlock()
			s.End()
			return OutcomeEnded, nil
		}
		ev, _ := s.commitLocked(gen, idx)
		s.mu.Unlock()
		if driver == nil && waitsForTarget(step.Interaction) {
			slog.Debug("Advancing without page driver", "step_id", step.ID)
		}
		s.notify(ev)
		return OutcomeAdvanced, nil
	}
	s.advancing = true
	s.state.IsAwaitingAdvance = true
	s.mu.Unlock()

	outcome, err := s.interact(ctx, driver, gen, step, steps, idx, last)

	s.mu.Lock()
	if s.gen == gen {
		s.advancing = false
		s.state.IsAwaitingAdvance = false
	}
	s.mu.Unlock()

	if err != nil || outcome == OutcomeStale {
		return outcome, err
	}
	if last {
		if !s.current(gen) {
			return OutcomeStale, nil
		}
		s.End()
		return OutcomeEnded, nil
	}
	if s.commit(gen, idx) == OutcomeStale {
		return OutcomeStale, nil
	}
	if outcome == OutcomeTargetMissing {
		return s.missing(steps[idx+1], idx+1), nil
	}
	return OutcomeAdvanced, nil
}

func waitsForTarget(kind domain.Interaction) bool {
	return kind == domain.InteractionClick || kind == domain.InteractionNavigate
}

// interact clicks the current target when the step asks for it, then waits for
// the next target. Interaction failures are logged and do not stop the tour.
func (s *Sequencer) interact(ctx context.Context, d Driver, gen uint64, step domain.TourStep, steps []domain.TourStep, idx int, last bool) (Outcome, error) {
	if step.Interaction == domain.InteractionClick {
		el, err := d.Locate(ctx, step.Locator)
		if err == nil {
			err = el.Interact(ctx, step.Interaction)
		}
		if err != nil {
			slog.Warn("Tour interaction failed", "step_id", step.ID, "interaction", step.Interaction, "error", err)
		}
	}
	if last {
		return OutcomeAdvanced, nil
	}

	next := steps[idx+1]
	if _, found := s.waitFor(ctx, d, gen, next.Locator); !found {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !s.current(gen) {
			return OutcomeStale, nil
		}
		return OutcomeTargetMissing, nil
	}
	return OutcomeAdvanced, nil
}

func (s *Sequencer) missing(step domain.TourStep, idx int) Outcome {
	s.mu.Lock()
	if !s.state.IsActive || s.state.StepIndex != idx {
		s.mu.Unlock()
		return OutcomeStale
	}
	ev := s.stepEvent(EventTargetMissing, "target not found: "+step.Locator)
	ev.StepID = step.ID
	s.mu.Unlock()

	slog.Warn("Tour step target missing", "step_id", step.ID, "locator", step.Locator)
	s.notify(ev)
	return OutcomeTargetMissing
}

// commit moves from step idx to the next one when the run is still at idx.
func (s *Sequencer) commit(gen uint64, idx int) Outcome {
	s.mu.Lock()
	ev, ok := s.commitLocked(gen, idx)
	s.mu.Unlock()
	if !ok {
		return OutcomeStale
	}
	s.notify(ev)
	return OutcomeAdvanced
}

func (s *Sequencer) commitLocked(gen uint64, idx int) (Event, bool) {
	if s.gen != gen || !s.state.IsActive || s.state.StepIndex != idx {
		return Event{}, false
	}
	s.state.StepIndex = idx + 1
	s.highlight = nil
	return s.stepEvent(EventStep, ""), true
}

// Prev moves back one step, staying at 0 on the first step.
func (s *Sequencer) Prev() error {
	s.mu.Lock()
	if !s.state.IsActive {
		s.mu.Unlock()
		return ErrNoActiveTour
	}
	if s.advancing {
		s.mu.Unlock()
		return ErrAdvanceInProgress
	}
	if s.state.StepIndex > 0 {
		s.state.StepIndex--
		s.highlight = nil
	}
	ev := s.stepEvent(EventStep, "")
	s.mu.Unlock()

	s.notify(ev)
	return nil
}

// Skip marks the current step as skipped and ends the tour.
func (s *Sequencer) Skip() {
	s.mu.Lock()
	if !s.state.IsActive {
		s.mu.Unlock()
		return
	}
	ev := s.stepEvent(EventStepSkipped, "skipped by user")
	s.mu.Unlock()

	s.notify(ev)
	s.End()
}

// End deactivates the tour and resets the step index. Calling it while idle is a no-op.
func (s *Sequencer) End() {
	s.mu.Lock()
	if !s.state.IsActive {
		s.mu.Unlock()
		return
	}
	ev := s.stepEvent(EventEnded, "")
	s.gen++
	s.state = domain.TourRunState{}
	s.advancing = false
	s.highlight = nil
	s.mu.Unlock()

	slog.Info("Tour ended", "tour_id", ev.TourID, "step_index", ev.StepIndex)
	s.notify(ev)
}

// Highlight waits for the current step target, scrolls it into view and measures it.
func (s *Sequencer) Highlight(ctx context.Context) (Highlight, error) {
	return s.measure(ctx, true)
}

// Relayout re-measures the current step after a resize or scroll without waiting or scrolling.
func (s *Sequencer) Relayout(ctx context.Context) (Highlight, error) {
	return s.measure(ctx, false)
}

func (s *Sequencer) measure(ctx context.Context, wait bool) (Highlight, error) {
	s.mu.Lock()
	step, ok := s.state.CurrentStep()
	if !ok {
		s.mu.Unlock()
		return Highlight{}, ErrNoActiveTour
	}
	d := s.driver
	gen := s.gen
	idx := s.state.StepIndex
	tourID := s.state.ActiveTour.ID
	s.mu.Unlock()

	if d == nil {
		return Highlight{}, ErrNoDriver
	}

	var el Element
	if wait {
		var found bool
		el, found = s.waitFor(ctx, d, gen, step.Locator)
		if !found {
			if err := ctx.Err(); err != nil {
				return Highlight{}, err
			}
			if !s.current(gen) {
				return Highlight{}, ErrStale
			}
			s.missing(step, idx)
			return Highlight{}, ErrTargetNotFound
		}
		if err := el.ScrollIntoView(ctx); err != nil {
			slog.Debug("Scroll into view failed", "step_id", step.ID, "error", err)
		}
	} else {
		var err error
		el, err = d.Locate(ctx, step.Locator)
		if err != nil {
			return Highlight{}, ErrTargetNotFound
		}
	}

	box, err := el.BoundingBox(ctx)
	if err != nil {
		return Highlight{}, err
	}
	vp, err := d.Viewport(ctx)
	if err != nil {
		return Highlight{}, err
	}

	h := Highlight{
		TourID:    tourID,
		StepIndex: idx,
		Step:      step,
		Target:    box,
		Viewport:  vp,
		Placement: Place(box, step.Side, vp),
	}

	s.mu.Lock()
	if s.gen != gen || s.state.StepIndex != idx {
		s.mu.Unlock()
		return Highlight{}, ErrStale
	}
	s.highlight = &h
	s.mu.Unlock()

	s.notify(Event{Type: EventHighlight, TourID: tourID, StepIndex: idx, StepID: step.ID, Highlight: &h})
	return h, nil
}

// waitFor polls until locator resolves to a visible element, the poll timeout
// passes or the tour generation moves on.
func (s *Sequencer) waitFor(ctx context.Context, d Driver, gen uint64, locator string) (Element, bool) {
	deadline := time.Now().Add(s.cfg.PollTimeout)
	for {
		if !s.current(gen) {
			return nil, false
		}
		if el, err := d.Locate(ctx, locator); err == nil {
			if visible, err := el.Visible(ctx); err == nil && visible {
				return el, true
			}
		}
		remaining := time.Until(deadline)
		if ctx.Err() != nil || remaining <= 0 {
			return nil, false
		}
		if err := sleepWithContext(ctx, min(s.cfg.PollInterval, remaining)); err != nil {
			return nil, false
		}
	}
}

func (s *Sequencer) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// stepEvent builds an event for the current state. Caller holds s.mu.
func (s *Sequencer) stepEvent(t EventType, msg string) Event {
	ev := Event{Type: t, StepIndex: s.state.StepIndex, Message: msg}
	if s.state.ActiveTour != nil {
		ev.TourID = s.state.ActiveTour.ID
		if step, ok := s.state.CurrentStep(); ok {
			ev.StepID = step.ID
		}
	}
	return ev
}

func (s *Sequencer) notify(ev Event) {
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n != nil {
		n.Notify(ev)
	}
}
