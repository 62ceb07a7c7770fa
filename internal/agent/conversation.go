package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/guidebot/internal/domain"
	"github.com/ashureev/guidebot/internal/intent"
	"github.com/ashureev/guidebot/internal/knowledge"
	"github.com/ashureev/guidebot/internal/session"
	"github.com/ashureev/guidebot/internal/tour"
	"github.com/google/uuid"
)

// WelcomeMessageID is the fixed id of the greeting that opens every conversation.
const WelcomeMessageID = "welcome"

// Engine bundles the read-only collaborators shared by every conversation.
type Engine struct {
	KB        *knowledge.Base
	Catalog   *knowledge.Catalog
	Matcher   intent.Matcher
	Gate      *intent.Gate
	Generator *intent.Generator
	Config    Config
}

// NewEngine wires the keyword pipeline over kb.
func NewEngine(kb *knowledge.Base, catalog *knowledge.Catalog, cfg Config) *Engine {
	return &Engine{
		KB:        kb,
		Catalog:   catalog,
		Matcher:   intent.NewKeywordResolver(kb),
		Gate:      intent.NewGate(kb),
		Generator: intent.NewGenerator(kb),
		Config:    cfg,
	}
}

// ConversationOption configures a Conversation.
type ConversationOption func(*Conversation)

// WithTourLauncher sets the sequencer started by tour commands.
func WithTourLauncher(l TourLauncher) ConversationOption {
	return func(c *Conversation) { c.tours = l }
}

// WithEventSink sets where UI events are published.
func WithEventSink(s EventSink) ConversationOption {
	return func(c *Conversation) { c.sink = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ConversationOption {
	return func(c *Conversation) { c.now = now }
}

// WithSleep overrides the context-aware sleep used for simulated latency.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ConversationOption {
	return func(c *Conversation) { c.sleep = sleep }
}

// Conversation is the chat orchestrator of one visitor tab. Turns may overlap;
// state changes are serialized, the newest turn owns suggestions and any pending
// question, the phase only settles once no turn is in flight and a ClearChat
// discards every turn in flight.
type Conversation struct {
	visitorID string
	sessionID string
	engine    *Engine
	tours     TourLauncher
	sink      EventSink
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	startedAt time.Time

	mu          sync.Mutex
	sess        *session.Context
	generation  uint64
	lastTurn    uint64
	inflight    int
	phase       Phase
	suggestions []string
	pending     *intent.Disambiguation
	panelOpen   bool
}

// NewConversation starts a conversation on route with the page's welcome message.
func (e *Engine) NewConversation(visitorID, sessionID, route string, opts ...ConversationOption) *Conversation {
	c := &Conversation{
		visitorID: visitorID,
		sessionID: sessionID,
		engine:    e,
		now:       time.Now,
		sleep:     sleepContext,
		phase:     PhaseIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.startedAt = c.now().UTC()

	route = knowledge.NormalizeRoute(route)
	welcome := e.KB.WelcomeFor(route)
	c.sess = session.New(e.KB.Session.MaxHistorySize, route, c.welcomeMessage(route, welcome))
	c.suggestions = welcome.Suggestions
	return c
}

// VisitorID returns the owning visitor.
func (c *Conversation) VisitorID() string { return c.visitorID }

// SessionID returns the owning tab.
func (c *Conversation) SessionID() string { return c.sessionID }

// SendMessage runs one turn for text typed by the user.
func (c *Conversation) SendMessage(ctx context.Context, text string) (TurnResult, error) {
	return c.send(ctx, text, "")
}

// HandleDisambiguationChoice answers a pending clarifying question. choice is an
// option's action phrase or label; the option's implied context, if any, drives
// the pipeline for this turn. Without a pending question choice is sent as is.
func (c *Conversation) HandleDisambiguationChoice(ctx context.Context, choice string) (TurnResult, error) {
	c.mu.Lock()
	opt, ok := c.pending.Option(choice)
	c.mu.Unlock()
	if !ok {
		return c.send(ctx, choice, "")
	}
	return c.send(ctx, opt.ActionPhrase, opt.ImpliedContext)
}

func (c *Conversation) send(ctx context.Context, text string, implied domain.ContextTag) (TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return TurnResult{}, ErrEmptyMessage
	}

	c.mu.Lock()
	c.lastTurn++
	c.inflight++
	t := &turn{gen: c.generation, seq: c.lastTurn}
	routePC := c.engine.KB.ContextFor(c.sess.Route())
	userMsg := c.newMessage(domain.AuthorUser, text, routePC)
	c.sess.Append(userMsg)
	c.pending = nil
	c.phase = PhaseProcessing
	c.mu.Unlock()

	c.publish(Event{Type: EventMessage, Message: &userMsg})
	c.publish(Event{Type: EventProcessing, Phase: PhaseProcessing})
	defer c.finish(t)

	pipelinePC := routePC
	if implied.Valid() {
		pipelinePC = routePC.WithTag(implied)
	}

	if err := c.sleep(ctx, c.thinkDelay()); err != nil {
		return TurnResult{}, err
	}
	if !c.current(t.gen) {
		return TurnResult{}, ErrTurnSuperseded
	}

	// Tour commands are matched against the page the user is really on.
	if c.tours != nil {
		if tr, ok := c.engine.Catalog.Detect(text, routePC.Tag); ok {
			return c.launchTour(ctx, t, tr, routePC)
		}
	}

	res, disamb, reply, err := c.pipeline(ctx, text, pipelinePC)
	if err != nil {
		slog.Error("Assistant pipeline failed", "error", err, "visitor_id", c.visitorID, "session_id", c.sessionID)
		res = intent.Result{Intent: intent.Unknown, Context: pipelinePC.Tag}
		disamb = nil
		reply = intent.Reply{Text: c.engine.KB.ErrorMessage, SuggestedActions: slices.Clone(c.engine.KB.Section(pipelinePC.Tag).QuickActions)}
	}

	if disamb != nil {
		c.mu.Lock()
		if t.gen != c.generation {
			c.mu.Unlock()
			return TurnResult{}, ErrTurnSuperseded
		}
		latest := t.seq == c.lastTurn
		if latest {
			c.sess.SetConfidence(res.Confidence)
			c.pending = disamb
		}
		settled := c.finishLocked(t)
		phase, pending := c.phase, c.pending
		c.mu.Unlock()

		slog.Info("Assistant asked for clarification", "visitor_id", c.visitorID, "intent", res.Intent, "confidence", res.Confidence, "trigger", disamb.Trigger, "latest", latest)
		switch {
		case latest:
			c.publish(Event{Type: EventDisambiguation, Phase: phase, Disambiguation: disamb})
		case settled:
			c.publishSettled(phase, pending)
		}
		return TurnResult{Intent: res.Intent, Confidence: res.Confidence, Disambiguation: disamb}, nil
	}

	c.mu.Lock()
	if t.gen != c.generation {
		c.mu.Unlock()
		return TurnResult{}, ErrTurnSuperseded
	}
	alone := c.inflight == 1
	if alone {
		c.phase = PhaseTyping
	}
	c.mu.Unlock()
	if alone {
		c.publish(Event{Type: EventTyping, Phase: PhaseTyping})
	}

	if err := c.sleep(ctx, c.engine.Config.typingDelay(reply.Text)); err != nil {
		return TurnResult{}, err
	}

	c.mu.Lock()
	if t.gen != c.generation {
		c.mu.Unlock()
		return TurnResult{}, ErrTurnSuperseded
	}
	msg := c.newMessage(domain.AuthorAssistant, reply.Text, pipelinePC)
	c.sess.Append(msg)
	if t.seq == c.lastTurn {
		c.sess.SetConfidence(res.Confidence)
		c.suggestions = slices.Clone(reply.SuggestedActions)
	}
	settled := c.finishLocked(t)
	phase, pending := c.phase, c.pending
	c.mu.Unlock()

	slog.Info("Assistant replied", "visitor_id", c.visitorID, "session_id", c.sessionID, "intent", res.Intent, "confidence", res.Confidence)
	c.publish(Event{Type: EventMessage, Message: &msg, Suggestions: reply.SuggestedActions})
	if settled {
		c.publishSettled(phase, pending)
	}
	return TurnResult{
		Intent:      res.Intent,
		Confidence:  res.Confidence,
		Reply:       &msg,
		Suggestions: reply.SuggestedActions,
	}, nil
}

// pipeline runs resolver, gate and generator. A panic in any stage becomes an error.
func (c *Conversation) pipeline(ctx context.Context, text string, pc domain.PageContext) (res intent.Result, d *intent.Disambiguation, reply intent.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("assistant pipeline panic: %v", r)
		}
	}()

	res, err = c.engine.Matcher.Resolve(ctx, text, pc)
	if err != nil {
		return res, nil, reply, fmt.Errorf("resolve intent: %w", err)
	}
	if d = c.engine.Gate.Check(text, pc, res); d != nil {
		return res, d, reply, nil
	}
	reply = c.engine.Generator.Generate(text, pc, res)
	return res, nil, reply, nil
}

func (c *Conversation) launchTour(ctx context.Context, t *turn, tr domain.Tour, pc domain.PageContext) (TurnResult, error) {
	text := fmt.Sprintf(c.engine.KB.TourAnnounce, tr.Name)

	c.mu.Lock()
	if t.gen != c.generation {
		c.mu.Unlock()
		return TurnResult{}, ErrTurnSuperseded
	}
	msg := c.newMessage(domain.AuthorAssistant, text, pc)
	c.sess.Append(msg)
	if t.seq == c.lastTurn {
		c.sess.SetConfidence(1)
		c.suggestions = nil
	}
	c.finishLocked(t)
	phase := c.phase
	c.mu.Unlock()

	c.publish(Event{Type: EventMessage, Message: &msg})
	c.publish(Event{Type: EventTourLaunch, Phase: phase, TourID: tr.ID})
	result := TurnResult{Intent: "tour_launch", Confidence: 1, Reply: &msg, TourID: tr.ID}

	if err := c.sleep(ctx, c.engine.Config.TourLaunchDelay); err != nil {
		return result, err
	}
	if !c.current(t.gen) {
		return result, ErrTurnSuperseded
	}
	if err := c.tours.Start(ctx, tr.ID); err != nil {
		return result, fmt.Errorf("start tour %s: %w", tr.ID, err)
	}
	slog.Info("Tour launched from chat", "visitor_id", c.visitorID, "session_id", c.sessionID, "tour_id", tr.ID)
	return result, nil
}

// ClearChat resets the history to the welcome message and discards turns in flight.
// Clearing twice leaves the same state as clearing once.
func (c *Conversation) ClearChat() {
	c.mu.Lock()
	c.generation++
	c.inflight = 0
	route := c.sess.Route()
	welcome := c.engine.KB.WelcomeFor(route)
	c.sess.Reset(c.welcomeMessage(route, welcome))
	c.pending = nil
	c.phase = PhaseIdle
	c.suggestions = welcome.Suggestions
	c.mu.Unlock()

	c.publish(Event{Type: EventCleared, Phase: PhaseIdle, Suggestions: welcome.Suggestions})
}

// Navigate records the page the user moved to. A conversation that still only
// holds its greeting is re-greeted for the new page.
func (c *Conversation) Navigate(route string) domain.PageContext {
	route = knowledge.NormalizeRoute(route)

	c.mu.Lock()
	if route == c.sess.Route() {
		pc := c.engine.KB.ContextFor(route)
		c.mu.Unlock()
		return pc
	}
	c.sess.SetRoute(route)
	pc := c.engine.KB.ContextFor(route)
	var suggestions []string
	if h := c.sess.History(); len(h) == 1 && h[0].ID == WelcomeMessageID {
		welcome := c.engine.KB.WelcomeFor(route)
		c.sess.Reset(c.welcomeMessage(route, welcome))
		c.suggestions = welcome.Suggestions
		suggestions = welcome.Suggestions
	}
	c.mu.Unlock()

	slog.Debug("Visitor navigated", "visitor_id", c.visitorID, "route", route, "context", pc.Tag)
	c.publish(Event{Type: EventRoute, Context: &pc, Suggestions: suggestions})
	return pc
}

// SetPanelOpen opens or closes the chat panel.
func (c *Conversation) SetPanelOpen(open bool) {
	c.mu.Lock()
	changed := c.panelOpen != open
	c.panelOpen = open
	c.mu.Unlock()
	if changed {
		c.publish(Event{Type: EventPanel, PanelOpen: &open})
	}
}

// ClosePanel implements tour.PanelCloser.
func (c *Conversation) ClosePanel() { c.SetPanelOpen(false) }

// Notify implements tour.Notifier by forwarding sequencer events to the UI.
func (c *Conversation) Notify(ev tour.Event) {
	c.publish(Event{Type: EventTour, TourID: ev.TourID, Tour: &ev})
}

// State returns a snapshot for rendering.
func (c *Conversation) State() State {
	var run domain.TourRunState
	if c.tours != nil {
		run = c.tours.State()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	route := c.sess.Route()
	pc := c.engine.KB.ContextFor(route)
	st := State{
		Messages:     c.sess.History(),
		IsProcessing: c.phase == PhaseProcessing,
		IsTyping:     c.phase == PhaseTyping,
		Phase:        c.phase,
		Suggestions:  slices.Clone(c.suggestions),
		SessionStats: SessionStats{
			CurrentContext: pc.Tag,
			MessageCount:   c.sess.Len(),
			LastConfidence: c.sess.LastConfidence(),
			CurrentPage:    route,
		},
		TourRunState: run,
		PanelOpen:    c.panelOpen,
		Context:      pc,
	}
	if c.pending != nil {
		st.NeedsDisambiguation = true
		st.DisambiguationQuestion = c.pending.Text
		st.DisambiguationOptions = slices.Clone(c.pending.Options)
	}
	return st
}

// Snapshot returns the persistable part of the conversation.
func (c *Conversation) Snapshot() domain.ConversationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ConversationRecord{
		VisitorID:      c.visitorID,
		SessionID:      c.sessionID,
		Route:          c.sess.Route(),
		LastConfidence: c.sess.LastConfidence(),
		Messages:       c.sess.History(),
	}
}

// Restore loads a persisted log. Empty records are ignored.
func (c *Conversation) Restore(rec *domain.ConversationRecord) {
	if rec == nil || len(rec.Messages) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess.Restore(rec.Messages, knowledge.NormalizeRoute(rec.Route), rec.LastConfidence)
	if !rec.CreatedAt.IsZero() {
		c.startedAt = rec.CreatedAt.UTC()
	}
	c.suggestions = c.engine.KB.WelcomeFor(c.sess.Route()).Suggestions
}

func (c *Conversation) welcomeMessage(route string, w knowledge.Welcome) domain.Message {
	pc := c.engine.KB.ContextFor(route)
	return domain.Message{
		ID:        WelcomeMessageID,
		Author:    domain.AuthorAssistant,
		Text:      w.Text,
		CreatedAt: c.startedAt,
		Context:   &pc,
	}
}

func (c *Conversation) newMessage(author domain.Author, text string, pc domain.PageContext) domain.Message {
	return domain.Message{
		ID:        uuid.NewString(),
		Author:    author,
		Text:      text,
		CreatedAt: c.now().UTC(),
		Context:   &pc,
	}
}

func (c *Conversation) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

// turn is one SendMessage in flight.
type turn struct {
	gen  uint64
	seq  uint64
	done bool
}

// finishLocked ends t once. When it was the last turn in flight the phase
// settles on Idle, or on AwaitingDisambiguation while a question is pending.
func (c *Conversation) finishLocked(t *turn) bool {
	if t.done {
		return false
	}
	t.done = true
	if t.gen != c.generation {
		return false
	}
	c.inflight--
	if c.inflight > 0 {
		return false
	}
	c.phase = PhaseIdle
	if c.pending != nil {
		c.phase = PhaseAwaitingDisambiguation
	}
	return true
}

// finish ends a turn that returned early, such as a canceled one.
func (c *Conversation) finish(t *turn) {
	c.mu.Lock()
	settled := c.finishLocked(t)
	phase, pending := c.phase, c.pending
	c.mu.Unlock()
	if settled {
		c.publishSettled(phase, pending)
	}
}

func (c *Conversation) publishSettled(phase Phase, pending *intent.Disambiguation) {
	if phase == PhaseAwaitingDisambiguation {
		c.publish(Event{Type: EventDisambiguation, Phase: phase, Disambiguation: pending})
		return
	}
	c.publish(Event{Type: EventIdle, Phase: phase})
}

func (c *Conversation) thinkDelay() time.Duration {
	d := c.engine.Config.ThinkPause
	if j := c.engine.Config.ThinkJitter; j > 0 {
		d += rand.N(j)
	}
	return d
}

func (c *Conversation) publish(ev Event) {
	if c.sink == nil {
		return
	}
	ev.VisitorID = c.visitorID
	ev.SessionID = c.sessionID
	c.sink.Publish(ev)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func countWords(s string) int {
	return len(strings.Fields(s))
}
