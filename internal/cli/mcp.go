package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ashureev/guidebot/internal/agent"
	"github.com/ashureev/guidebot/internal/domain"
	"github.com/ashureev/guidebot/internal/tour"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

const (
	mcpServerName    = "guidebot"
	mcpServerVersion = "0.1.0"
	mcpVisitorID     = "mcp"
	defaultMCPTab    = "default"
)

func (app *App) mcpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the assistant to MCP clients over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := app.newMCPServer()
			app.Logger.Info("mcp server listening on stdio", "tools", len(s.tools))
			return mcpserver.NewStdioServer(s.mcpServer).Listen(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}

// mcpTool is one assistant capability exposed to MCP clients.
type mcpTool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, args map[string]any) (any, error)
}

type mcpServer struct {
	registry  *agent.Registry
	tools     map[string]mcpTool
	mcpServer *mcpserver.MCPServer
}

func (app *App) newMCPServer() *mcpServer {
	engine := agent.NewEngine(app.KB, app.Catalog, agent.Config{})
	s := &mcpServer{
		registry: agent.NewRegistry(engine, nil, tour.DefaultConfig(), nil),
		tools:    make(map[string]mcpTool),
		mcpServer: mcpserver.NewMCPServer(
			mcpServerName,
			mcpServerVersion,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithRecovery(),
		),
	}
	s.registerTool(&askTool{registry: s.registry})
	s.registerTool(&chooseTool{registry: s.registry})
	s.registerTool(&listToursTool{app: app})
	s.registerTool(&describeTourTool{app: app})
	return s
}

func (s *mcpServer) registerTool(t mcpTool) {
	s.tools[t.Name()] = t

	schema, err := json.Marshal(t.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	s.mcpServer.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), s.wrapTool(t))
}

func (s *mcpServer) wrapTool(t mcpTool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		result, err := t.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", t.Name(), err))},
				IsError: true,
			}, nil
		}

		payload, err := json.Marshal(result)
		if err != nil {
			payload = []byte(fmt.Sprintf(`{"error":"tool %s returned a non-serializable payload"}`, t.Name()))
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
		}, nil
	}
}

func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func tabArg(args map[string]any) string {
	if tab := stringArg(args, "session"); tab != "" {
		return tab
	}
	return defaultMCPTab
}

// turnReply is what conversational tools return.
type turnReply struct {
	agent.TurnResult
	Phase   agent.Phase       `json:"phase"`
	Context domain.ContextTag `json:"context"`
	Tour    string            `json:"active_tour,omitempty"`
}

func newTurnReply(conv *agent.Conversation, res agent.TurnResult) turnReply {
	st := conv.State()
	reply := turnReply{
		TurnResult: res,
		Phase:      st.Phase,
		Context:    st.Context.Tag,
	}
	if st.TourRunState.ActiveTour != nil {
		reply.Tour = st.TourRunState.ActiveTour.ID
	}
	return reply
}

type askTool struct {
	registry *agent.Registry
}

func (t *askTool) Name() string { return "ask_assistant" }

func (t *askTool) Description() string {
	return "Send a message to the in-app assistant as if typed on the given page. " +
		"Returns the reply, the resolved intent and confidence, follow-up suggestions, " +
		"or a clarifying question with options to answer through choose_option."
}

func (t *askTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string", "description": "User message"},
			"route":   map[string]any{"type": "string", "description": "Page route, e.g. /clients or /operations"},
			"session": map[string]any{"type": "string", "description": "Conversation id; defaults to a shared one"},
		},
		"required": []string{"message"},
	}
}

func (t *askTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	message := stringArg(args, "message")
	if message == "" {
		return nil, agent.ErrEmptyMessage
	}
	conv, err := t.registry.Conversation(ctx, mcpVisitorID, tabArg(args))
	if err != nil {
		return nil, err
	}
	if route := stringArg(args, "route"); route != "" {
		conv.Navigate(route)
	}
	res, err := conv.SendMessage(ctx, message)
	if err != nil {
		return nil, err
	}
	return newTurnReply(conv, res), nil
}

type chooseTool struct {
	registry *agent.Registry
}

func (t *chooseTool) Name() string { return "choose_option" }

func (t *chooseTool) Description() string {
	return "Answer the assistant's pending clarifying question with one of its options, by action phrase or label."
}

func (t *chooseTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"option":  map[string]any{"type": "string", "description": "Option action phrase or label"},
			"session": map[string]any{"type": "string", "description": "Conversation id used with ask_assistant"},
		},
		"required": []string{"option"},
	}
}

func (t *chooseTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	option := stringArg(args, "option")
	if option == "" {
		return nil, fmt.Errorf("option is required")
	}
	conv, err := t.registry.Conversation(ctx, mcpVisitorID, tabArg(args))
	if err != nil {
		return nil, err
	}
	for _, o := range conv.State().DisambiguationOptions {
		if o.Label == option {
			option = o.ActionPhrase
			break
		}
	}
	res, err := conv.HandleDisambiguationChoice(ctx, option)
	if err != nil {
		return nil, err
	}
	return newTurnReply(conv, res), nil
}

type listToursTool struct {
	app *App
}

func (t *listToursTool) Name() string { return "list_tours" }

func (t *listToursTool) Description() string {
	return "List guided tours, optionally only those available under a page context (clients, operations, global)."
}

func (t *listToursTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"context": map[string]any{"type": "string", "enum": []string{"clients", "operations", "global"}},
		},
	}
}

type tourSummary struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Contexts    []domain.ContextTag `json:"contexts"`
	Steps       int                 `json:"steps"`
}

func (t *listToursTool) Execute(_ context.Context, args map[string]any) (any, error) {
	tours := t.app.Catalog.Tours
	if raw := stringArg(args, "context"); raw != "" {
		tag, err := domain.ParseContextTag(raw)
		if err != nil {
			return nil, err
		}
		tours = t.app.Catalog.ForContext(tag)
	}
	out := make([]tourSummary, 0, len(tours))
	for _, tr := range tours {
		out = append(out, tourSummary{
			ID:          tr.ID,
			Name:        tr.Name,
			Description: tr.Description,
			Contexts:    tr.Contexts,
			Steps:       len(tr.Steps),
		})
	}
	return map[string]any{"tours": out, "count": len(out)}, nil
}

type describeTourTool struct {
	app *App
}

func (t *describeTourTool) Name() string { return "describe_tour" }

func (t *describeTourTool) Description() string {
	return "Return every step of a tour: target locator, title, description, panel side and interaction."
}

func (t *describeTourTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string", "description": "Tour id from list_tours"},
		},
		"required": []string{"id"},
	}
}

func (t *describeTourTool) Execute(_ context.Context, args map[string]any) (any, error) {
	id := stringArg(args, "id")
	tr, ok := t.app.Catalog.Tour(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", tour.ErrTourNotFound, id)
	}
	return tr, nil
}
