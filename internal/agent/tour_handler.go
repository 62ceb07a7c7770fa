package agent

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/guidebot/internal/api"
	"github.com/ashureev/guidebot/internal/domain"
	"github.com/ashureev/guidebot/internal/identity"
	"github.com/ashureev/guidebot/internal/tour"
	"github.com/go-chi/chi/v5"
)

type tourStateResponse struct {
	State     domain.TourRunState `json:"state"`
	Outcome   tour.Outcome        `json:"outcome,omitempty"`
	Highlight *tour.Highlight     `json:"highlight,omitempty"`
}

func (h *Handler) sequencer(w http.ResponseWriter, r *http.Request) (*Conversation, *tour.Sequencer, bool) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return nil, nil, false
	}
	seq, err := h.reg.Sequencer(r.Context(), conv.VisitorID(), identity.SessionIDFromContext(r.Context()))
	if err != nil {
		slog.Error("Failed to load tour sequencer", "error", err, "visitor_id", conv.VisitorID())
		api.Error(w, http.StatusInternalServerError, "tour unavailable")
		return nil, nil, false
	}
	return conv, seq, true
}

func writeTourState(w http.ResponseWriter, seq *tour.Sequencer, outcome tour.Outcome) {
	resp := tourStateResponse{State: seq.State(), Outcome: outcome}
	if hl, ok := seq.LastHighlight(); ok {
		resp.Highlight = &hl
	}
	api.JSON(w, http.StatusOK, resp)
}

func writeTourError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tour.ErrTourNotFound):
		api.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tour.ErrNoActiveTour),
		errors.Is(err, tour.ErrAdvanceInProgress),
		errors.Is(err, ErrTourActive):
		api.Error(w, http.StatusConflict, err.Error())
	default:
		slog.Error("Tour request failed", "error", err)
		api.Error(w, http.StatusInternalServerError, "tour request failed")
	}
}

// HandleListTours handles GET /api/tours: the tours available on the current page.
func (h *Handler) HandleListTours(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	tours := h.reg.Engine().Catalog.ForContext(conv.State().Context.Tag)
	if tours == nil {
		tours = []domain.Tour{}
	}
	api.JSON(w, http.StatusOK, map[string]any{"tours": tours})
}

// HandleTourState handles GET /api/tours/state.
func (h *Handler) HandleTourState(w http.ResponseWriter, r *http.Request) {
	_, seq, ok := h.sequencer(w, r)
	if !ok {
		return
	}
	writeTourState(w, seq, "")
}

// HandleTourStart handles POST /api/tours/{tourID}/start. Only one tour runs per tab.
func (h *Handler) HandleTourStart(w http.ResponseWriter, r *http.Request) {
	conv, seq, ok := h.sequencer(w, r)
	if !ok {
		return
	}
	tourID := chi.URLParam(r, "tourID")
	t, found := h.reg.Engine().Catalog.Tour(tourID)
	if !found {
		writeTourError(w, tour.ErrTourNotFound)
		return
	}
	if tag := conv.State().Context.Tag; !t.AppliesTo(tag) {
		api.Error(w, http.StatusUnprocessableEntity, "tour not available on this page")
		return
	}
	if seq.State().IsActive {
		writeTourError(w, ErrTourActive)
		return
	}
	if err := seq.Start(r.Context(), tourID); err != nil {
		writeTourError(w, err)
		return
	}
	writeTourState(w, seq, "")
}

// HandleTourNext handles POST /api/tours/next.
func (h *Handler) HandleTourNext(w http.ResponseWriter, r *http.Request) {
	_, seq, ok := h.sequencer(w, r)
	if !ok {
		return
	}
	outcome, err := seq.Advance(r.Context())
	if err != nil {
		writeTourError(w, err)
		return
	}
	writeTourState(w, seq, outcome)
}

// HandleTourPrev handles POST /api/tours/prev.
func (h *Handler) HandleTourPrev(w http.ResponseWriter, r *http.Request) {
	_, seq, ok := h.sequencer(w, r)
	if !ok {
		return
	}
	if err := seq.Prev(); err != nil {
		writeTourError(w, err)
		return
	}
	writeTourState(w, seq, "")
}

// HandleTourSkip handles POST /api/tours/skip.
func (h *Handler) HandleTourSkip(w http.ResponseWriter, r *http.Request) {
	_, seq, ok := h.sequencer(w, r)
	if !ok {
		return
	}
	seq.Skip()
	writeTourState(w, seq, "")
}

// HandleTourEnd handles POST /api/tours/end.
func (h *Handler) HandleTourEnd(w http.ResponseWriter, r *http.Request) {
	_, seq, ok := h.sequencer(w, r)
	if !ok {
		return
	}
	seq.End()
	writeTourState(w, seq, tour.OutcomeEnded)
}
