package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/guidebot/internal/config"
	"github.com/ashureev/guidebot/internal/identity"
	"github.com/ashureev/guidebot/internal/store"
	"github.com/ashureev/guidebot/internal/tour"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVisitor = "anon_0123456789abcdef0123456789abcdef"

type testServer struct {
	handler *Handler
	reg     *Registry
	repo    *store.MemoryStore
	router  chi.Router
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute},
		SSE: config.SSEConfig{
			MaxRequestBodySize: 1024,
			RetryDelay:         time.Second,
			KeepaliveInterval:  time.Second,
			QueueSize:          10,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	events := make(chan *Event, 64)
	repo := store.NewMemory()
	reg := NewRegistry(testEngine(t), repo, tour.Config{PollInterval: time.Millisecond, PollTimeout: 10 * time.Millisecond}, ChannelSink(events))
	h := NewHandler(reg, events, nil, cfg)
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sid := req.Header.Get(identity.SessionHeaderName)
			next.ServeHTTP(w, req.WithContext(identity.WithVisitor(req.Context(), testVisitor, sid)))
		})
	})
	h.RegisterRoutes(r)
	return &testServer{handler: h, reg: reg, repo: repo, router: r}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.SessionHeaderName, "tab-1")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestHandleStateReturnsWelcome(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/assistant/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	st := decodeBody[State](t, rec)
	require.Len(t, st.Messages, 1)
	assert.Equal(t, WelcomeMessageID, st.Messages[0].ID)
	assert.Equal(t, PhaseIdle, st.Phase)
}

func TestHandleMessage(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/assistant/messages", `{"message":"status das operações","route":"/operations"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[turnResponse](t, rec)
	assert.Equal(t, "operation_status", resp.Turn.Intent)
	require.NotNil(t, resp.Turn.Reply)
	assert.Contains(t, resp.Turn.Reply.Text, "Status das Operações")
	assert.Len(t, resp.State.Messages, 3)

	stored, err := s.repo.GetConversation(context.Background(), testVisitor, "tab-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "/operations", stored.Route)
	assert.Len(t, stored.Messages, 3)
}

func TestHandleMessageErrors(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"blank message", `{"message":"   "}`, http.StatusBadRequest},
		{"malformed json", `{"message":`, http.StatusBadRequest},
		{"body too large", `{"message":"` + strings.Repeat("a", 2048) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/assistant/messages", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandleMessageRateLimited(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.RateLimit.RequestsPerWindow = 1 })

	first := s.do(t, http.MethodPost, "/api/assistant/messages", `{"message":"ajuda"}`)
	require.Equal(t, http.StatusOK, first.Code)

	second := s.do(t, http.MethodPost, "/api/assistant/messages", `{"message":"ajuda"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestHandleDisambiguation(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/assistant/messages", `{"message":"criar"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[turnResponse](t, rec)
	require.NotNil(t, resp.Turn.Disambiguation)
	assert.True(t, resp.State.NeedsDisambiguation)

	rec = s.do(t, http.MethodPost, "/api/assistant/disambiguation", `{"choice":"criar cliente"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody[turnResponse](t, rec)
	assert.Equal(t, "create_client", resp.Turn.Intent)
	assert.False(t, resp.State.NeedsDisambiguation)
}

func TestHandleClearRouteAndPanel(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPut, "/api/assistant/route", `{"route":"/clients"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "clients", string(decodeBody[State](t, rec).Context.Tag))

	rec = s.do(t, http.MethodPut, "/api/assistant/panel", `{"open":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[State](t, rec).PanelOpen)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/assistant/messages", `{"message":"tipo"}`).Code)
	rec = s.do(t, http.MethodPost, "/api/assistant/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[State](t, rec)
	require.Len(t, st.Messages, 1)
	assert.Equal(t, WelcomeMessageID, st.Messages[0].ID)
}

func TestTourEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/tours/tour-criar-cliente/start", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "not available on the home page")

	rec = s.do(t, http.MethodPost, "/api/tours/nope/start", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/api/assistant/route", `{"route":"/clients"}`).Code)

	rec = s.do(t, http.MethodGet, "/api/tours/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tour-criar-cliente")
	assert.NotContains(t, rec.Body.String(), "tour-nova-operacao")

	rec = s.do(t, http.MethodPost, "/api/tours/tour-criar-cliente/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	started := decodeBody[tourStateResponse](t, rec)
	assert.True(t, started.State.IsActive)
	assert.Zero(t, started.State.StepIndex)

	rec = s.do(t, http.MethodPost, "/api/tours/tour-criar-cliente/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/tours/next", "")
	require.Equal(t, http.StatusOK, rec.Code)
	next := decodeBody[tourStateResponse](t, rec)
	assert.Equal(t, tour.OutcomeAdvanced, next.Outcome)
	assert.Equal(t, 1, next.State.StepIndex)

	rec = s.do(t, http.MethodPost, "/api/tours/prev", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeBody[tourStateResponse](t, rec).State.StepIndex)

	rec = s.do(t, http.MethodPost, "/api/tours/end", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[tourStateResponse](t, rec).State.IsActive)

	rec = s.do(t, http.MethodPost, "/api/tours/next", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSSEMessageQueue(t *testing.T) {
	q := NewSSEMessageQueue(2)
	for i := int64(1); i <= 3; i++ {
		q.Enqueue("v1", "tab", i, &Event{Type: EventTyping})
	}
	q.Enqueue("v2", "tab", 4, &Event{Type: EventIdle})

	missed := q.GetMissedMessages("v1", "tab", 0)
	require.Len(t, missed, 2, "oldest event evicted")
	assert.Equal(t, int64(2), missed[0].EventID)
	assert.Len(t, q.GetMissedMessages("v1", "tab", 2), 1)
	assert.Len(t, q.GetMissedMessages("v2", "tab", 0), 1, "tabs are isolated")

	q.Prune("v1", "tab")
	assert.Empty(t, q.GetMissedMessages("v1", "tab", 0))
	assert.Len(t, q.GetMissedMessages("v2", "tab", 0), 1)
}

func TestBroadcastWritesToTabConnections(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	conn := &SSEConnection{ID: 1, VisitorID: "v1", SessionID: "tab", Writer: rec, Flusher: rec, Done: make(chan struct{})}
	s.handler.connectionsMu.Lock()
	s.handler.sseConnections[sseSessionKey("v1", "tab")] = map[int64]*SSEConnection{1: conn}
	s.handler.connectionsMu.Unlock()

	s.handler.broadcast(&Event{Type: EventTyping, VisitorID: "v1", SessionID: "tab", Phase: PhaseTyping})
	s.handler.broadcast(&Event{Type: EventIdle, VisitorID: "v2", SessionID: "tab"})

	body := rec.Body.String()
	assert.Contains(t, body, "event: typing\n")
	assert.Contains(t, body, `"phase":"typing"`)
	assert.NotContains(t, body, "event: idle")
	assert.NotContains(t, body, "v1", "routing ids stay off the wire")
	assert.Equal(t, int64(1), conn.EventID)

	close(conn.Done)
	s.handler.broadcast(&Event{Type: EventIdle, VisitorID: "v1", SessionID: "tab"})
	assert.NotContains(t, rec.Body.String(), "event: idle", "closed connections are skipped")
}

func TestHandleStreamDeliversTurnEvents(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/assistant/stream", nil)
	require.NoError(t, err)
	req.Header.Set(identity.SessionHeaderName, "tab-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 128)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	waitForLine(t, lines, "event: connected")

	rec := s.do(t, http.MethodPost, "/api/assistant/messages", `{"message":"ajuda"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	waitForLine(t, lines, "event: processing")
	waitForLine(t, lines, "event: idle")
}

func TestHandleStreamReplaysAfterReconnect(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	open := func(ctx context.Context, lastEventID string) (<-chan string, func()) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/assistant/stream", nil)
		require.NoError(t, err)
		req.Header.Set(identity.SessionHeaderName, "tab-1")
		if lastEventID != "" {
			req.Header.Set("Last-Event-ID", lastEventID)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		lines := make(chan string, 128)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(resp.Body)
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()
		return lines, func() { resp.Body.Close() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	lines, closeBody := open(ctx, "")
	waitForLine(t, lines, "event: connected")
	rec := s.do(t, http.MethodPost, "/api/assistant/messages", `{"message":"ajuda"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	waitForLine(t, lines, "event: idle")

	cancel()
	closeBody()
	require.Eventually(t, func() bool {
		s.handler.connectionsMu.RLock()
		defer s.handler.connectionsMu.RUnlock()
		return len(s.handler.sseConnections) == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NotEmpty(t, s.handler.messageQueue.GetMissedMessages(testVisitor, "tab-1", 0),
		"closing the last stream keeps the tab queue")

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	replay, closeReplay := open(ctx2, "1")
	defer closeReplay()
	waitForLine(t, replay, "event: processing")
	waitForLine(t, replay, "event: idle")

	s.handler.ForgetSession(testVisitor, "tab-1")
	assert.Empty(t, s.handler.messageQueue.GetMissedMessages(testVisitor, "tab-1", 0))
}

func waitForLine(t *testing.T, lines <-chan string, want string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before %q", want)
			}
			if line == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("v1"))
	assert.True(t, rl.Allow("v1"))
	assert.False(t, rl.Allow("v1"))
	assert.True(t, rl.Allow("v2"), "budgets are per visitor")

	now = now.Add(time.Minute + time.Second)
	assert.True(t, rl.Allow("v1"), "window slid past old requests")

	now = now.Add(2 * time.Minute)
	rl.evict()
	rl.mu.Lock()
	assert.Empty(t, rl.requests)
	rl.mu.Unlock()
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	ch := make(chan *Event, 1)
	sink := ChannelSink(ch)

	sink.Publish(Event{Type: EventTyping})
	sink.Publish(Event{Type: EventIdle})

	require.Len(t, ch, 1)
	assert.Equal(t, EventTyping, (<-ch).Type)
}
