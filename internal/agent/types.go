// Package agent implements the contextual chat assistant: one Conversation per
// visitor tab, the registry that owns them and the HTTP surface in front of it.
package agent

import (
	"errors"
	"time"

	"github.com/ashureev/guidebot/internal/domain"
	"github.com/ashureev/guidebot/internal/intent"
	"github.com/ashureev/guidebot/internal/tour"
)

var (
	// ErrTurnSuperseded is returned by a turn that resumed after the chat was cleared.
	ErrTurnSuperseded = errors.New("turn superseded by a newer conversation generation")
	// ErrTourActive is returned when a tour start is requested while another one runs.
	ErrTourActive = errors.New("a tour is already active")
	// ErrEmptyMessage is returned for blank input.
	ErrEmptyMessage = errors.New("message is required")
)

// Phase is the UI state of a conversation.
type Phase string

const (
	PhaseIdle                   Phase = "idle"
	PhaseProcessing             Phase = "processing"
	PhaseTyping                 Phase = "typing"
	PhaseAwaitingDisambiguation Phase = "awaiting_disambiguation"
)

// Config holds the simulated latencies of a turn.
type Config struct {
	ThinkPause      time.Duration
	ThinkJitter     time.Duration
	TypingSpeed     time.Duration // per word
	TypingMax       time.Duration
	TourLaunchDelay time.Duration
}

// DefaultConfig returns default agent configuration.
func DefaultConfig() Config {
	return Config{
		ThinkPause:      300 * time.Millisecond,
		ThinkJitter:     500 * time.Millisecond,
		TypingSpeed:     40 * time.Millisecond,
		TypingMax:       1500 * time.Millisecond,
		TourLaunchDelay: time.Second,
	}
}

// typingDelay is words × TypingSpeed, capped at TypingMax.
func (c Config) typingDelay(text string) time.Duration {
	d := time.Duration(countWords(text)) * c.TypingSpeed
	if c.TypingMax > 0 && d > c.TypingMax {
		return c.TypingMax
	}
	return d
}

// EventType categorizes conversation events pushed to the UI.
type EventType string

const (
	EventProcessing     EventType = "processing"
	EventTyping         EventType = "typing"
	EventIdle           EventType = "idle"
	EventMessage        EventType = "message"
	EventDisambiguation EventType = "disambiguation"
	EventTourLaunch     EventType = "tour_launch"
	EventCleared        EventType = "cleared"
	EventPanel          EventType = "panel"
	EventRoute          EventType = "route"
	EventTour           EventType = "tour"
)

// Event is one UI update of a conversation.
type Event struct {
	Type           EventType              `json:"type"`
	VisitorID      string                 `json:"-"`
	SessionID      string                 `json:"-"`
	Phase          Phase                  `json:"phase,omitempty"`
	Message        *domain.Message        `json:"message,omitempty"`
	Disambiguation *intent.Disambiguation `json:"disambiguation,omitempty"`
	Suggestions    []string               `json:"suggestions,omitempty"`
	TourID         string                 `json:"tour_id,omitempty"`
	Tour           *tour.Event            `json:"tour,omitempty"`
	PanelOpen      *bool                  `json:"panel_open,omitempty"`
	Context        *domain.PageContext    `json:"context,omitempty"`
}

// SessionStats summarizes a conversation for display.
type SessionStats struct {
	CurrentContext domain.ContextTag `json:"current_context"`
	MessageCount   int               `json:"message_count"`
	LastConfidence float64           `json:"last_confidence"`
	CurrentPage    string            `json:"current_page"`
}

// State is the observable snapshot of a conversation.
type State struct {
	Messages               []domain.Message    `json:"messages"`
	IsProcessing           bool                `json:"is_processing"`
	IsTyping               bool                `json:"is_typing"`
	Phase                  Phase               `json:"phase"`
	Suggestions            []string            `json:"suggestions"`
	NeedsDisambiguation    bool                `json:"needs_disambiguation"`
	DisambiguationQuestion string              `json:"disambiguation_question,omitempty"`
	DisambiguationOptions  []domain.Option     `json:"disambiguation_options,omitempty"`
	SessionStats           SessionStats        `json:"session_stats"`
	TourRunState           domain.TourRunState `json:"tour_run_state"`
	PanelOpen              bool                `json:"panel_open"`
	Context                domain.PageContext  `json:"context"`
}

// TurnResult reports how one turn ended.
type TurnResult struct {
	Intent         string                 `json:"intent"`
	Confidence     float64                `json:"confidence"`
	Reply          *domain.Message        `json:"reply,omitempty"`
	Disambiguation *intent.Disambiguation `json:"disambiguation,omitempty"`
	TourID         string                 `json:"tour_id,omitempty"`
	Suggestions    []string               `json:"suggestions,omitempty"`
}
