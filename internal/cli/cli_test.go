package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/guidebot/internal/agent"
	"github.com/ashureev/guidebot/internal/domain"
	"github.com/ashureev/guidebot/internal/tour"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	app := NewApp()
	app.configureLogging(io.Discard)
	require.NoError(t, app.load())
	return app
}

func runChat(t *testing.T, app *App, route, input string) (string, *chatSession) {
	t.Helper()
	var out bytes.Buffer
	s := app.newChatSession(agent.Config{}, route, &out, true)
	require.NoError(t, s.Run(context.Background(), strings.NewReader(input)))
	return out.String(), s
}

func TestChatAnswersOnPage(t *testing.T) {
	out, s := runChat(t, newTestApp(t), "/operations", "status das operações\n/quit\n")

	assert.Contains(t, out, "RASCUNHO")
	assert.Equal(t, agent.PhaseIdle, s.conv.State().Phase)
	assert.Len(t, s.conv.State().Messages, 3)
}

func TestChatAnswersClarifyingQuestionByNumber(t *testing.T) {
	out, s := runChat(t, newTestApp(t), "/", "criar\n1\n")

	assert.Contains(t, out, "O que você gostaria de criar")
	assert.Contains(t, out, "1. 👤 Criar Cliente")
	assert.Contains(t, out, "Perfeito")

	st := s.conv.State()
	assert.False(t, st.NeedsDisambiguation)
	assert.Equal(t, "criar cliente", st.Messages[2].Text)
}

func TestChatNumberWithoutQuestionIsAMessage(t *testing.T) {
	_, s := runChat(t, newTestApp(t), "/", "2\n")
	assert.Equal(t, "2", s.conv.State().Messages[1].Text)
}

func TestChatWalksLaunchedTour(t *testing.T) {
	out, s := runChat(t, newTestApp(t), "/clients", "Quero o tour cliente\n/next\n/prev\n/end\n")

	assert.Contains(t, out, "[Como criar um cliente 1/7]")
	assert.Contains(t, out, "Botão Novo Cliente")
	assert.Contains(t, out, "[Como criar um cliente 2/7]")
	assert.Contains(t, out, "Nome do Cliente")
	assert.Contains(t, out, "Tour encerrado.")
	assert.False(t, s.seq.State().IsActive)
}

func TestChatCommands(t *testing.T) {
	out, s := runChat(t, newTestApp(t), "/", "/route /clients\n/help\n/bogus\n/clear\n/next\n")

	assert.Contains(t, out, "página /clients (clients)")
	assert.Contains(t, out, "/route <path>")
	assert.Contains(t, out, "comando desconhecido")
	assert.Contains(t, out, tour.ErrNoActiveTour.Error())
	assert.Equal(t, 1, strings.Count(out, "Olá! Estou aqui para te ajudar com clientes!"))
	assert.Len(t, s.conv.State().Messages, 1)
}

func executeRoot(t *testing.T, app *App, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := app.CreateRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestToursList(t *testing.T) {
	app := newTestApp(t)

	out, err := executeRoot(t, app, "tours", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "tour-criar-cliente")
	assert.Contains(t, out, "tour-nova-operacao")

	out, err = executeRoot(t, app, "tours", "list", "--context", "clients")
	require.NoError(t, err)
	assert.Contains(t, out, "tour-criar-cliente")
	assert.NotContains(t, out, "tour-nova-operacao")

	out, err = executeRoot(t, app, "tours", "list", "--context", "global")
	require.NoError(t, err)
	assert.Contains(t, out, "no tours")

	_, err = executeRoot(t, app, "tours", "list", "--context", "billing")
	assert.Error(t, err)
}

func TestToursShow(t *testing.T) {
	app := newTestApp(t)

	out, err := executeRoot(t, app, "tours", "show", "tour-nova-operacao", "--plain")
	require.NoError(t, err)
	assert.Contains(t, out, "Como criar uma operação")
	assert.Contains(t, out, "Enviar Operação")
	assert.Contains(t, out, `[data-testid="submit-operation"]`)

	_, err = executeRoot(t, app, "tours", "show", "missing")
	assert.ErrorIs(t, err, tour.ErrTourNotFound)
}

type pageDriver struct {
	mu     sync.Mutex
	boxes  map[string]tour.Box
	clicks []string
}

func newPageDriver(t domain.Tour, skip ...string) *pageDriver {
	d := &pageDriver{boxes: make(map[string]tour.Box)}
	for i, s := range t.Steps {
		d.boxes[s.Locator] = tour.Box{Left: 100, Top: 100 + float64(i)*60, Width: 200, Height: 40}
	}
	for _, s := range skip {
		delete(d.boxes, s)
	}
	return d
}

func (d *pageDriver) Locate(_ context.Context, locator string) (tour.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	box, ok := d.boxes[locator]
	if !ok {
		return nil, tour.ErrElementNotFound
	}
	return &pageElement{d: d, locator: locator, box: box}, nil
}

func (d *pageDriver) Viewport(context.Context) (tour.Viewport, error) {
	return tour.Viewport{Width: 1280, Height: 800}, nil
}

func (d *pageDriver) Clicks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.clicks...)
}

type pageElement struct {
	d       *pageDriver
	locator string
	box     tour.Box
}

func (e *pageElement) Visible(context.Context) (bool, error) { return true, nil }

func (e *pageElement) BoundingBox(context.Context) (tour.Box, error) { return e.box, nil }

func (e *pageElement) ScrollIntoView(context.Context) error { return nil }

func (e *pageElement) Interact(_ context.Context, kind domain.Interaction) error {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	if kind == domain.InteractionClick {
		e.d.clicks = append(e.d.clicks, e.locator)
	}
	return nil
}

var fastPoll = tour.Config{PollInterval: 5 * time.Millisecond, PollTimeout: 40 * time.Millisecond}

func TestRunTourWalksEveryStep(t *testing.T) {
	app := newTestApp(t)
	tr, ok := app.Catalog.Tour("tour-nova-operacao")
	require.True(t, ok)
	d := newPageDriver(tr)

	var out bytes.Buffer
	require.NoError(t, app.runTour(context.Background(), &out, d, fastPoll, tr.ID, 0))

	for i, s := range tr.Steps {
		assert.Contains(t, out.String(), s.Title)
		assert.Contains(t, out.String(), "["+string(rune('1'+i))+"]")
	}
	assert.Contains(t, out.String(), "panel bottom")
	assert.Contains(t, out.String(), "tour completed")
	assert.Equal(t, []string{
		`[data-testid="nova-operacao-btn"]`,
		`[data-testid="select-client"]`,
		`[data-testid="operation-type"]`,
		`[data-testid="submit-operation"]`,
	}, d.Clicks())
}

func TestRunTourContinuesPastMissingTarget(t *testing.T) {
	app := newTestApp(t)
	tr, ok := app.Catalog.Tour("tour-nova-operacao")
	require.True(t, ok)
	d := newPageDriver(tr, `[data-testid="select-client"]`)

	var out bytes.Buffer
	require.NoError(t, app.runTour(context.Background(), &out, d, fastPoll, tr.ID, 0))

	assert.Contains(t, out.String(), "target not found")
	assert.Contains(t, out.String(), "tour completed")
	assert.NotContains(t, d.Clicks(), `[data-testid="select-client"]`)
}

func TestRunTourUnknown(t *testing.T) {
	app := newTestApp(t)
	err := app.runTour(context.Background(), io.Discard, newPageDriver(domain.Tour{}), fastPoll, "missing", 0)
	assert.ErrorIs(t, err, tour.ErrTourNotFound)
}

func callTool(t *testing.T, s *mcpServer, name string, args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	tool, ok := s.tools[name]
	require.True(t, ok, "tool %s not registered", name)

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := s.wrapTool(tool)(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return res, text.Text
}

func TestMCPAskAndChoose(t *testing.T) {
	s := newTestApp(t).newMCPServer()

	res, body := callTool(t, s, "ask_assistant", map[string]any{"message": "criar", "route": "/"})
	require.False(t, res.IsError, body)
	var asked struct {
		Phase          string `json:"phase"`
		Disambiguation *struct {
			Options []domain.Option `json:"options"`
		} `json:"disambiguation"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &asked))
	assert.Equal(t, string(agent.PhaseAwaitingDisambiguation), asked.Phase)
	require.NotNil(t, asked.Disambiguation)
	assert.Len(t, asked.Disambiguation.Options, 3)

	res, body = callTool(t, s, "choose_option", map[string]any{"option": "👤 Criar Cliente"})
	require.False(t, res.IsError, body)
	var chosen struct {
		Intent string `json:"intent"`
		Phase  string `json:"phase"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &chosen))
	assert.Equal(t, "create_client", chosen.Intent)
	assert.Equal(t, string(agent.PhaseIdle), chosen.Phase)
}

func TestMCPAskLaunchesTourInSession(t *testing.T) {
	s := newTestApp(t).newMCPServer()

	_, body := callTool(t, s, "ask_assistant", map[string]any{
		"message": "Quero o tour cliente",
		"route":   "/clients",
		"session": "tab-2",
	})
	var reply struct {
		TourID string `json:"tour_id"`
		Active string `json:"active_tour"`
		Ctx    string `json:"context"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &reply))
	assert.Equal(t, "tour-criar-cliente", reply.TourID)
	assert.Equal(t, "tour-criar-cliente", reply.Active)
	assert.Equal(t, "clients", reply.Ctx)

	seq, err := s.registry.Sequencer(context.Background(), mcpVisitorID, defaultMCPTab)
	require.NoError(t, err)
	assert.False(t, seq.State().IsActive, "other sessions are untouched")
}

func TestMCPAskRequiresMessage(t *testing.T) {
	s := newTestApp(t).newMCPServer()
	res, body := callTool(t, s, "ask_assistant", map[string]any{})
	assert.True(t, res.IsError)
	assert.Contains(t, body, agent.ErrEmptyMessage.Error())
}

func TestMCPTourTools(t *testing.T) {
	s := newTestApp(t).newMCPServer()

	_, body := callTool(t, s, "list_tours", map[string]any{"context": "operations"})
	var listed struct {
		Count int           `json:"count"`
		Tours []tourSummary `json:"tours"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &listed))
	require.Equal(t, 1, listed.Count)
	assert.Equal(t, "tour-nova-operacao", listed.Tours[0].ID)
	assert.Equal(t, 5, listed.Tours[0].Steps)

	_, body = callTool(t, s, "list_tours", nil)
	require.NoError(t, json.Unmarshal([]byte(body), &listed))
	assert.Equal(t, len(s.registry.Engine().Catalog.Tours), listed.Count)

	res, body := callTool(t, s, "list_tours", map[string]any{"context": "billing"})
	assert.True(t, res.IsError, body)

	_, body = callTool(t, s, "describe_tour", map[string]any{"id": "tour-criar-cliente"})
	var described domain.Tour
	require.NoError(t, json.Unmarshal([]byte(body), &described))
	assert.Len(t, described.Steps, 7)
	assert.Equal(t, domain.SideTop, described.Steps[6].Side)

	res, body = callTool(t, s, "describe_tour", map[string]any{"id": "nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, body, "tour not found")
}
