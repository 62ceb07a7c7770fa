package agent

import (
	"context"

	"github.com/ashureev/guidebot/internal/domain"
	"github.com/ashureev/guidebot/internal/tour"
)

// TourLauncher starts tours requested from the chat.
// This interface is implemented by the tour sequencer.
type TourLauncher interface {
	// Start activates a tour by id, replacing any running one.
	Start(ctx context.Context, id string) error

	// State returns the current run state.
	State() domain.TourRunState
}

// EventSink receives conversation events for delivery to connected clients.
type EventSink interface {
	Publish(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Publish calls f(ev).
func (f EventSinkFunc) Publish(ev Event) { f(ev) }

// Ensure the sequencer implements TourLauncher.
var _ TourLauncher = (*tour.Sequencer)(nil)
