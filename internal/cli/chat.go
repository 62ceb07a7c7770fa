package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ashureev/guidebot/internal/agent"
	"github.com/ashureev/guidebot/internal/domain"
	"github.com/ashureev/guidebot/internal/intent"
	"github.com/ashureev/guidebot/internal/tour"
	"github.com/spf13/cobra"
)

const chatHelp = `Commands:
  /route <path>   move to another page (/, /clients, /operations)
  /clear          clear the conversation
  /next /prev     move through a running tour
  /skip /end      leave a running tour
  /quit           exit
Answer a clarifying question with its number.`

func (app *App) chatCommand() *cobra.Command {
	var (
		route     string
		realistic bool
		plain     bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		Long: `Start an interactive conversation. Replies are rendered as markdown and
tours launched from the chat are walked step by step without a browser.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := agent.Config{}
			if realistic {
				cfg = agent.DefaultConfig()
			}
			s := app.newChatSession(cfg, route, cmd.OutOrStdout(), plain)
			return s.Run(cmd.Context(), cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&route, "route", "/", "page the conversation starts on")
	cmd.Flags().BoolVar(&realistic, "realistic", false, "simulate thinking and typing delays")
	cmd.Flags().BoolVar(&plain, "plain", false, "disable colors and markdown styling")
	return cmd
}

// chatSession is one terminal conversation with its own tour sequencer.
type chatSession struct {
	app  *App
	conv *agent.Conversation
	seq  *tour.Sequencer
	out  io.Writer
	md   *markdown
}

func (app *App) newChatSession(cfg agent.Config, route string, out io.Writer, plain bool) *chatSession {
	s := &chatSession{app: app, out: out, md: newMarkdown(plain)}
	engine := agent.NewEngine(app.KB, app.Catalog, cfg)
	s.seq = tour.NewSequencer(app.Catalog, tour.DefaultConfig())
	s.conv = engine.NewConversation("cli", "terminal", route,
		agent.WithTourLauncher(s.seq),
		agent.WithEventSink(agent.EventSinkFunc(s.onEvent)),
	)
	s.seq.SetNotifier(s.conv)
	return s
}

// Run reads lines from in until EOF or /quit.
func (s *chatSession) Run(ctx context.Context, in io.Reader) error {
	st := s.conv.State()
	s.printAssistant(st.Messages[0].Text)
	s.printSuggestions(st.Suggestions)
	fmt.Fprintln(s.out, mutedStyle.Render("Type /help for commands."))

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, userStyle.Render("você › "))
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		quit, err := s.handle(ctx, line)
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
}

func (s *chatSession) handle(ctx context.Context, line string) (bool, error) {
	if strings.HasPrefix(line, "/") {
		return s.command(ctx, line)
	}

	var (
		res agent.TurnResult
		err error
	)
	st := s.conv.State()
	if n, convErr := strconv.Atoi(line); convErr == nil && st.NeedsDisambiguation && n >= 1 && n <= len(st.DisambiguationOptions) {
		res, err = s.conv.HandleDisambiguationChoice(ctx, st.DisambiguationOptions[n-1].ActionPhrase)
	} else {
		res, err = s.conv.SendMessage(ctx, line)
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return true, nil
	default:
		fmt.Fprintln(s.out, mutedStyle.Render("erro: "+err.Error()))
		return false, nil
	}

	switch {
	case res.Disambiguation != nil:
		s.printDisambiguation(res.Disambiguation)
	case res.Reply != nil:
		s.printAssistant(res.Reply.Text)
		s.printSuggestions(res.Suggestions)
	}
	return false, nil
}

func (s *chatSession) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(s.out, chatHelp)
	case "/route":
		pc := s.conv.Navigate(strings.TrimSpace(arg))
		fmt.Fprintln(s.out, mutedStyle.Render(fmt.Sprintf("página %s (%s)", s.conv.State().SessionStats.CurrentPage, pc.Tag)))
	case "/clear":
		s.conv.ClearChat()
		st := s.conv.State()
		s.printAssistant(st.Messages[0].Text)
		s.printSuggestions(st.Suggestions)
	case "/next":
		if _, err := s.seq.Advance(ctx); err != nil {
			fmt.Fprintln(s.out, mutedStyle.Render(err.Error()))
		}
	case "/prev":
		if err := s.seq.Prev(); err != nil {
			fmt.Fprintln(s.out, mutedStyle.Render(err.Error()))
		}
	case "/skip":
		s.seq.Skip()
	case "/end":
		s.seq.End()
	default:
		fmt.Fprintln(s.out, mutedStyle.Render("comando desconhecido, use /help"))
	}
	return false, nil
}

// onEvent only renders tour progress; replies are printed from turn results.
func (s *chatSession) onEvent(ev agent.Event) {
	if ev.Type != agent.EventTour || ev.Tour == nil {
		return
	}
	switch ev.Tour.Type {
	case tour.EventStarted, tour.EventStep:
		t, ok := s.app.Catalog.Tour(ev.Tour.TourID)
		if !ok || ev.Tour.StepIndex >= len(t.Steps) {
			return
		}
		s.printStep(t, ev.Tour.StepIndex)
	case tour.EventTargetMissing:
		fmt.Fprintln(s.out, mutedStyle.Render("alvo não encontrado: "+ev.Tour.Message))
	case tour.EventEnded:
		fmt.Fprintln(s.out, tourStyle.Render("Tour encerrado."))
	}
}

func (s *chatSession) printStep(t domain.Tour, idx int) {
	step := t.Steps[idx]
	fmt.Fprintf(s.out, "%s %s\n", tourStyle.Render(fmt.Sprintf("[%s %d/%d]", t.Name, idx+1, len(t.Steps))), step.Title)
	fmt.Fprintln(s.out, "  "+step.Description)
	fmt.Fprintln(s.out, mutedStyle.Render("  alvo: "+step.Locator+"  (/next, /prev, /skip)"))
}

func (s *chatSession) printAssistant(text string) {
	fmt.Fprintln(s.out, assistantStyle.Render("assistente"))
	fmt.Fprint(s.out, s.md.Render(text))
}

func (s *chatSession) printSuggestions(items []string) {
	if chips := renderChips(items); chips != "" {
		fmt.Fprintln(s.out, chips)
	}
}

func (s *chatSession) printDisambiguation(d *intent.Disambiguation) {
	s.printAssistant(d.Text)
	for i, o := range d.Options {
		fmt.Fprintf(s.out, "  %d. %s\n", i+1, o.Label)
	}
}
