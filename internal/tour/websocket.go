package tour

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/guidebot/internal/identity"
	"github.com/coder/websocket"
)

// SequencerSource resolves the sequencer of a visitor tab.
type SequencerSource interface {
	Sequencer(ctx context.Context, visitorID, sessionID string) (*Sequencer, error)
}

// Toucher records visitor activity.
type Toucher interface {
	TouchVisitor(ctx context.Context, visitorID string, at time.Time) error
}

// WebSocketHandler serves the page bridge: it attaches a WSDriver to the tab's
// sequencer and turns navigation commands from the page into sequencer calls.
type WebSocketHandler struct {
	source        SequencerSource
	touch         Toucher
	conns         *ConnManager
	rpcTimeout    time.Duration
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new page bridge handler.
func NewWebSocketHandler(source SequencerSource, touch Toucher, conns *ConnManager, rpcTimeout time.Duration, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		source:        source,
		touch:         touch,
		conns:         conns,
		rpcTimeout:    rpcTimeout,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsMessage is any frame sent by the page.
type wsMessage struct {
	Type   string     `json:"type"`
	TourID string     `json:"tour_id,omitempty"`
	Result *RPCResult `json:"result,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("Tour bridge connection request", "visitor_id", visitorID, "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	seq, err := h.source.Sequencer(r.Context(), visitorID, sessionID)
	if err != nil {
		slog.Error("Failed to resolve tour sequencer", "error", err, "visitor_id", visitorID)
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "visitor_id", visitorID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "bridge closed"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "visitor_id", visitorID)
		}
	}()

	h.conns.Register(visitorID, sessionID, ws)
	defer h.conns.Unregister(visitorID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	driver := NewWSDriver(ws, h.rpcTimeout)
	defer driver.Close()
	seq.SetDriver(driver)
	defer seq.DetachDriver(driver)

	if state := seq.State(); state.IsActive {
		go h.highlight(ctx, ws, seq)
	}

	h.readLoop(ctx, ws, seq, driver, visitorID)
	slog.Info("Tour bridge ended", "visitor_id", visitorID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// readLoop must never block on the sequencer: sequencer calls wait on rpc
// results that only this loop can deliver.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, seq *Sequencer, driver *WSDriver, visitorID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "visitor_id", visitorID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "visitor_id", visitorID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Debug("Ignoring malformed bridge frame", "error", err)
			continue
		}

		switch msg.Type {
		case "rpc_result":
			if msg.Result != nil {
				driver.Deliver(*msg.Result)
			}
			continue
		case "ping":
			h.writeJSON(ws, map[string]string{"type": "pong"})
		case "start":
			go func() {
				if err := seq.Start(ctx, msg.TourID); err != nil {
					h.writeError(ws, err)
					return
				}
				h.highlight(ctx, ws, seq)
			}()
		case "next":
			go func() {
				outcome, err := seq.Advance(ctx)
				if err != nil {
					h.writeError(ws, err)
					return
				}
				h.writeJSON(ws, map[string]any{"type": "advance_result", "outcome": outcome, "state": seq.State()})
				if outcome == OutcomeAdvanced {
					h.highlight(ctx, ws, seq)
				}
			}()
		case "prev":
			go func() {
				if err := seq.Prev(); err != nil {
					h.writeError(ws, err)
					return
				}
				h.highlight(ctx, ws, seq)
			}()
		case "skip":
			seq.Skip()
		case "end":
			seq.End()
		case "highlight":
			go h.highlight(ctx, ws, seq)
		case "resize", "scroll":
			go func() {
				hl, err := seq.Relayout(ctx)
				if err != nil {
					return
				}
				h.writeJSON(ws, map[string]any{"type": "highlight", "highlight": hl})
			}()
		default:
			slog.Debug("Unknown bridge frame", "type", msg.Type)
			continue
		}

		if h.touch != nil {
			go func() {
				updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := h.touch.TouchVisitor(updateCtx, visitorID, time.Now()); err != nil {
					slog.Warn("Failed to update last seen", "error", err)
				}
			}()
		}
	}
}

func (h *WebSocketHandler) highlight(ctx context.Context, ws *websocket.Conn, seq *Sequencer) {
	hl, err := seq.Highlight(ctx)
	if err != nil {
		if errors.Is(err, ErrStale) || errors.Is(err, context.Canceled) {
			return
		}
		h.writeError(ws, err)
		return
	}
	h.writeJSON(ws, map[string]any{"type": "highlight", "highlight": hl})
}

func (h *WebSocketHandler) writeError(ws *websocket.Conn, err error) {
	h.writeJSON(ws, map[string]string{"type": "error", "error": err.Error()})
}

func (h *WebSocketHandler) writeJSON(ws *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Debug("Failed to encode bridge frame", "error", err)
		return
	}
	if err := ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err)
	}
}
