// Package api provides the shared HTTP helpers and the visitor/health endpoints.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/guidebot/internal/config"
	"github.com/ashureev/guidebot/internal/identity"
	"github.com/ashureev/guidebot/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler serves visitor information to the widget.
type Handler struct {
	repo store.Repository
	cfg  *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, cfg *config.Config) *Handler {
	return &Handler{repo: repo, cfg: cfg}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers visitor routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
	})
}

// GetMe returns the current visitor.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if visitorID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	visitor, err := h.repo.GetVisitor(r.Context(), visitorID)
	if err != nil || visitor == nil {
		Error(w, http.StatusUnauthorized, "visitor not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"visitor_id":   visitor.VisitorID,
		"username":     visitor.Username,
		"session_id":   identity.SessionIDFromContext(r.Context()),
		"last_seen_at": visitor.LastSeenAt,
	})
}

// GetConfig returns the client-facing settings the widget needs.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"session_header": identity.SessionHeaderName,
	}
	if h.cfg != nil {
		resp["session_ttl_seconds"] = int64(h.cfg.SessionTTL.Seconds())
		resp["sse_retry_ms"] = h.cfg.SSE.RetryDelay.Milliseconds()
		resp["tour_poll_timeout_ms"] = h.cfg.Tour.PollTimeout.Milliseconds()
		resp["development"] = h.cfg.IsDevelopment()
	}
	JSON(w, http.StatusOK, resp)
}
