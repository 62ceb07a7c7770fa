package agent

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/guidebot/internal/api"
	"github.com/ashureev/guidebot/internal/config"
	"github.com/ashureev/guidebot/internal/domain"
	"github.com/ashureev/guidebot/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// turnTimeout bounds a turn that outlives its HTTP request.
const turnTimeout = 30 * time.Second

// SSEConnection represents a single SSE client connection.
type SSEConnection struct {
	ID          int64
	VisitorID   string
	SessionID   string
	EventID     int64
	ConnectedAt time.Time
	LastEventID int64
	Writer      http.ResponseWriter
	Flusher     http.Flusher
	Done        chan struct{}
	mu          sync.Mutex
}

// SSEMessageQueue buffers events for disconnected clients, sharded per tab.
// Each tab gets its own bounded list so one visitor's burst cannot evict
// events belonging to another.
type SSEMessageQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List // visitorID:sessionID -> events
	maxSize int
}

// QueuedMessage represents an event in the queue.
type QueuedMessage struct {
	EventID   int64
	VisitorID string
	SessionID string
	Event     *Event
	Timestamp time.Time
}

// NewSSEMessageQueue creates a new per-tab event queue.
func NewSSEMessageQueue(maxSize int) *SSEMessageQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &SSEMessageQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue adds an event to the tab queue.
func (q *SSEMessageQueue) Enqueue(visitorID, sessionID string, eventID int64, ev *Event) {
	key := sseSessionKey(visitorID, sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[key]
	if !ok {
		l = list.New()
		q.queues[key] = l
	}
	l.PushBack(&QueuedMessage{
		EventID:   eventID,
		VisitorID: visitorID,
		SessionID: sessionID,
		Event:     ev,
		Timestamp: time.Now(),
	})
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// GetMissedMessages retrieves events after a specific event ID for a tab.
func (q *SSEMessageQueue) GetMissedMessages(visitorID, sessionID string, afterEventID int64) []*QueuedMessage {
	key := sseSessionKey(visitorID, sessionID)
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[key]
	if !ok {
		return nil
	}
	var missed []*QueuedMessage
	for e := l.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*QueuedMessage)
		if msg.EventID > afterEventID {
			missed = append(missed, msg)
		}
	}
	return missed
}

// Prune removes the queue of a tab.
func (q *SSEMessageQueue) Prune(visitorID, sessionID string) {
	key := sseSessionKey(visitorID, sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, key)
}

func sseSessionKey(visitorID, sessionID string) string {
	return visitorID + ":" + sessionID
}

// ChannelSink publishes events onto a channel without blocking.
type ChannelSink chan<- *Event

// Publish drops ev when the channel is full; clients recover through GET /state.
func (s ChannelSink) Publish(ev Event) {
	select {
	case s <- &ev:
	default:
		slog.Warn("Event channel full, dropping event", "type", ev.Type, "visitor_id", ev.VisitorID)
	}
}

// Handler serves the assistant and tour HTTP API with SSE fan-out.
type Handler struct {
	reg            *Registry
	rateLimiter    *RateLimiter
	sseConnections map[string]map[int64]*SSEConnection // visitorID:sessionID -> connID -> conn
	messageQueue   *SSEMessageQueue
	connectionsMu  sync.RWMutex
	eventCounter   int64
	connectionID   int64
	counterMu      sync.Mutex
	done           chan struct{}
	closeOnce      sync.Once
	log            ConversationLogger
	cfg            *config.Config
}

// NewHandler creates the handler and starts broadcasting events read from events.
func NewHandler(reg *Registry, events <-chan *Event, conversationLogger ConversationLogger, cfg *config.Config) *Handler {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}

	rateLimitRequests := 10
	rateLimitWindow := time.Minute
	queueSize := 100
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
		queueSize = cfg.SSE.QueueSize
	}

	h := &Handler{
		reg:            reg,
		rateLimiter:    NewRateLimiter(rateLimitRequests, rateLimitWindow),
		sseConnections: make(map[string]map[int64]*SSEConnection),
		messageQueue:   NewSSEMessageQueue(queueSize),
		done:           make(chan struct{}),
		log:            conversationLogger,
		cfg:            cfg,
	}

	go h.broadcastLoop(events)
	return h
}

// RegisterRoutes registers assistant and tour routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/assistant", func(r chi.Router) {
		r.Get("/state", h.HandleState)
		r.Post("/messages", h.HandleMessage)
		r.Post("/disambiguation", h.HandleDisambiguation)
		r.Post("/clear", h.HandleClear)
		r.Put("/route", h.HandleRoute)
		r.Put("/panel", h.HandlePanel)
		r.Get("/stream", h.HandleStream)
	})
	r.Route("/api/tours", func(r chi.Router) {
		r.Get("/", h.HandleListTours)
		r.Get("/state", h.HandleTourState)
		r.Post("/next", h.HandleTourNext)
		r.Post("/prev", h.HandleTourPrev)
		r.Post("/skip", h.HandleTourSkip)
		r.Post("/end", h.HandleTourEnd)
		r.Post("/{tourID}/start", h.HandleTourStart)
	})
}

// Close stops the broadcaster and flushes the conversation log.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.rateLimiter.Stop()
		if err := h.log.Close(); err != nil {
			slog.Warn("failed to close conversation logger", "error", err)
		}
	})
}

// ForgetSession drops the replay queue of a tab. The TTL worker calls it for
// every tab it evicts.
func (h *Handler) ForgetSession(visitorID, sessionID string) {
	h.messageQueue.Prune(visitorID, sessionID)
}

type messageRequest struct {
	Message string `json:"message"`
	Route   string `json:"route,omitempty"`
}

type choiceRequest struct {
	Choice string `json:"choice"`
}

type routeRequest struct {
	Route string `json:"route"`
}

type panelRequest struct {
	Open bool `json:"open"`
}

type turnResponse struct {
	Turn  TurnResult `json:"turn"`
	State State      `json:"state"`
}

// conversation resolves the caller's tab. It writes the error response itself.
func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) (*Conversation, bool) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if visitorID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	conv, err := h.reg.Conversation(r.Context(), visitorID, identity.SessionIDFromContext(r.Context()))
	if err != nil {
		slog.Error("Failed to load conversation", "error", err, "visitor_id", visitorID)
		api.Error(w, http.StatusInternalServerError, "conversation unavailable")
		return nil, false
	}
	return conv, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// HandleState handles GET /api/assistant/state.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	api.JSON(w, http.StatusOK, conv.State())
}

// HandleMessage handles POST /api/assistant/messages.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	if !h.rateLimiter.Allow(conv.VisitorID()) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req messageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Route != "" {
		conv.Navigate(req.Route)
	}

	slog.Info("Assistant message",
		"visitor_id", conv.VisitorID(),
		"session_id", conv.SessionID(),
		"message_length", len(req.Message),
	)
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     conv.VisitorID(),
		SessionID:  conv.SessionID(),
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: req.Message,
		Content:    cleanForReadability(req.Message),
		Meta: map[string]any{
			"request_id": chiMiddleware.GetReqID(r.Context()),
		},
	})

	h.runTurn(w, r, conv, func(ctx context.Context) (TurnResult, error) {
		return conv.SendMessage(ctx, req.Message)
	})
}

// HandleDisambiguation handles POST /api/assistant/disambiguation.
func (h *Handler) HandleDisambiguation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	if !h.rateLimiter.Allow(conv.VisitorID()) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req choiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.log.Log(ConversationLogEvent{
		UserID:     conv.VisitorID(),
		SessionID:  conv.SessionID(),
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_disambiguation_choice",
		ContentRaw: req.Choice,
		Meta: map[string]any{
			"request_id": chiMiddleware.GetReqID(r.Context()),
		},
	})

	h.runTurn(w, r, conv, func(ctx context.Context) (TurnResult, error) {
		return conv.HandleDisambiguationChoice(ctx, req.Choice)
	})
}

// runTurn finishes the turn even if the client goes away: the reply still
// reaches the tab over SSE and the persisted log.
func (h *Handler) runTurn(w http.ResponseWriter, r *http.Request, conv *Conversation, turn func(ctx context.Context) (TurnResult, error)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), turnTimeout)
	defer cancel()

	res, err := turn(ctx)
	h.persist(ctx, conv)

	switch {
	case err == nil:
		api.JSON(w, http.StatusOK, turnResponse{Turn: res, State: conv.State()})
	case errors.Is(err, ErrEmptyMessage):
		api.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTurnSuperseded):
		api.Error(w, http.StatusConflict, err.Error())
	default:
		slog.Error("Assistant turn failed", "error", err, "visitor_id", conv.VisitorID(), "session_id", conv.SessionID())
		api.Error(w, http.StatusInternalServerError, "turn failed")
	}
}

func (h *Handler) persist(ctx context.Context, conv *Conversation) {
	if err := h.reg.Persist(ctx, conv.VisitorID(), conv.SessionID()); err != nil {
		slog.Warn("Failed to persist conversation", "error", err, "visitor_id", conv.VisitorID(), "session_id", conv.SessionID())
	}
}

// HandleClear handles POST /api/assistant/clear.
func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	conv.ClearChat()
	h.persist(r.Context(), conv)
	api.JSON(w, http.StatusOK, conv.State())
}

// HandleRoute handles PUT /api/assistant/route.
func (h *Handler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	var req routeRequest
	if !h.decode(w, r, &req) {
		return
	}
	conv.Navigate(req.Route)
	api.JSON(w, http.StatusOK, conv.State())
}

// HandlePanel handles PUT /api/assistant/panel.
func (h *Handler) HandlePanel(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	var req panelRequest
	if !h.decode(w, r, &req) {
		return
	}
	conv.SetPanelOpen(req.Open)
	api.JSON(w, http.StatusOK, conv.State())
}

// broadcastLoop listens for events and distributes them to connected clients.
func (h *Handler) broadcastLoop(events <-chan *Event) {
	slog.Info("[BROADCAST] Broadcast loop started")
	for {
		select {
		case <-h.done:
			slog.Info("[BROADCAST] Broadcast loop shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				slog.Info("[BROADCAST] Event channel closed, shutting down")
				return
			}
			if ev == nil {
				continue
			}
			h.logEvent(ev)
			h.broadcast(ev)
		}
	}
}

func (h *Handler) broadcast(ev *Event) {
	h.counterMu.Lock()
	h.eventCounter++
	eventID := h.eventCounter
	h.counterMu.Unlock()

	h.messageQueue.Enqueue(ev.VisitorID, ev.SessionID, eventID, ev)

	h.connectionsMu.RLock()
	tabConns, exists := h.sseConnections[sseSessionKey(ev.VisitorID, ev.SessionID)]
	if !exists {
		h.connectionsMu.RUnlock()
		slog.Debug("[BROADCAST] No connections for tab", "visitor_id", ev.VisitorID, "session_id", ev.SessionID)
		return
	}
	conns := make([]*SSEConnection, 0, len(tabConns))
	for _, c := range tabConns {
		conns = append(conns, c)
	}
	h.connectionsMu.RUnlock()

	for _, conn := range conns {
		h.sendToConnection(conn, eventID, ev)
	}
}

func (h *Handler) logEvent(ev *Event) {
	switch {
	case ev.Type == EventMessage && ev.Message != nil && ev.Message.Author == domain.AuthorAssistant:
		h.log.Log(ConversationLogEvent{
			Timestamp:  ev.Message.CreatedAt.UTC().Format(time.RFC3339Nano),
			UserID:     ev.VisitorID,
			SessionID:  ev.SessionID,
			Channel:    "assistant_broadcast",
			Direction:  "inbound",
			EventType:  "chat_assistant_message",
			ContentRaw: ev.Message.Text,
			Meta: map[string]any{
				"message_id":  ev.Message.ID,
				"suggestions": ev.Suggestions,
			},
		})
	case ev.Type == EventDisambiguation && ev.Disambiguation != nil:
		h.log.Log(ConversationLogEvent{
			UserID:     ev.VisitorID,
			SessionID:  ev.SessionID,
			Channel:    "assistant_broadcast",
			Direction:  "inbound",
			EventType:  "chat_disambiguation",
			ContentRaw: ev.Disambiguation.Text,
			Meta: map[string]any{
				"trigger": ev.Disambiguation.Trigger,
				"options": len(ev.Disambiguation.Options),
			},
		})
	case ev.Type == EventTourLaunch:
		h.log.Log(ConversationLogEvent{
			UserID:    ev.VisitorID,
			SessionID: ev.SessionID,
			Channel:   "assistant_broadcast",
			Direction: "inbound",
			EventType: "tour_launch",
			Meta:      map[string]any{"tour_id": ev.TourID},
		})
	}
}

// sendToConnection sends an event to a specific connection.
func (h *Handler) sendToConnection(conn *SSEConnection, eventID int64, ev *Event) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.Done:
		return
	default:
	}

	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("[SEND] Failed to marshal SSE event", "error", err, "conn_id", conn.ID)
		return
	}

	if err := writeSSEWithID(conn.Writer, eventID, string(ev.Type), string(data)); err != nil {
		slog.Error("[SEND] Failed to write to SSE connection",
			"error", err,
			"conn_id", conn.ID,
			"visitor_id", conn.VisitorID,
		)
		return
	}

	conn.Flusher.Flush()
	conn.EventID = eventID
}

// HandleStream handles GET /api/assistant/stream. Clients reconnecting with
// Last-Event-ID receive the events they missed from the tab queue.
//
//nolint:gocognit,gocyclo // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	visitorID, sessionID := conv.VisitorID(), conv.SessionID()
	streamKey := sseSessionKey(visitorID, sessionID)

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			slog.Info("SSE client reconnecting with Last-Event-ID",
				"visitor_id", visitorID,
				"last_event_id", lastEventID,
			)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	retryDelayMs := int64(5000)
	if h.cfg != nil {
		retryDelayMs = h.cfg.SSE.RetryDelay.Milliseconds()
	}
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelayMs)); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "visitor_id", visitorID)
		return
	}
	flusher.Flush()

	h.counterMu.Lock()
	h.connectionID++
	connID := h.connectionID
	h.counterMu.Unlock()

	conn := &SSEConnection{
		ID:          connID,
		VisitorID:   visitorID,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		LastEventID: lastEventID,
		Writer:      w,
		Flusher:     flusher,
		Done:        make(chan struct{}),
	}

	h.connectionsMu.Lock()
	if _, exists := h.sseConnections[streamKey]; !exists {
		h.sseConnections[streamKey] = make(map[int64]*SSEConnection)
	}
	h.sseConnections[streamKey][connID] = conn
	h.connectionsMu.Unlock()

	defer func() {
		conn.mu.Lock()
		close(conn.Done)
		conn.mu.Unlock()

		// The tab queue outlives its connections so a reconnect can replay it.
		h.connectionsMu.Lock()
		if tabConns, exists := h.sseConnections[streamKey]; exists {
			delete(tabConns, connID)
			if len(tabConns) == 0 {
				delete(h.sseConnections, streamKey)
			}
		}
		h.connectionsMu.Unlock()
		slog.Info("SSE connection closed", "visitor_id", visitorID, "session_id", sessionID, "conn_id", connID)
	}()

	if lastEventID > 0 {
		missed := h.messageQueue.GetMissedMessages(visitorID, sessionID, lastEventID)
		if len(missed) > 0 {
			slog.Info("Sending missed events",
				"visitor_id", visitorID,
				"session_id", sessionID,
				"count", len(missed),
			)
			for _, msg := range missed {
				h.sendToConnection(conn, msg.EventID, msg.Event)
			}
		}
	}

	h.counterMu.Lock()
	h.eventCounter++
	eventID := h.eventCounter
	h.counterMu.Unlock()

	connected, err := json.Marshal(map[string]any{
		"status":   "connected",
		"event_id": eventID,
		"state":    conv.State(),
	})
	if err != nil {
		slog.Warn("failed to encode SSE connected event", "error", err)
		return
	}
	conn.mu.Lock()
	conn.EventID = eventID
	err = writeSSEWithID(w, eventID, "connected", string(connected))
	if err == nil {
		flusher.Flush()
	}
	conn.mu.Unlock()
	if err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "visitor_id", visitorID)
		return
	}

	slog.Info("SSE connection established",
		"visitor_id", visitorID,
		"session_id", sessionID,
		"event_id", eventID,
		"reconnect", lastEventID > 0,
	)

	keepaliveInterval := 10 * time.Second
	if h.cfg != nil && h.cfg.SSE.KeepaliveInterval > 0 {
		keepaliveInterval = h.cfg.SSE.KeepaliveInterval
	}
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("Assistant stream disconnected", "visitor_id", visitorID, "session_id", sessionID)
			return
		case <-h.done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				conn.mu.Unlock()
				slog.Warn("failed to write SSE keepalive ping", "error", err, "visitor_id", visitorID)
				return
			}
			flusher.Flush()
			conn.mu.Unlock()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
