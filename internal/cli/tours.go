package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ashureev/guidebot/internal/browser"
	"github.com/ashureev/guidebot/internal/domain"
	"github.com/ashureev/guidebot/internal/tour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func (app *App) toursCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tours",
		Short: "Inspect and run guided tours",
	}
	cmd.AddCommand(app.toursListCommand())
	cmd.AddCommand(app.toursShowCommand())
	cmd.AddCommand(app.toursRunCommand())
	return cmd
}

func (app *App) toursListCommand() *cobra.Command {
	var contextFlag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tours, optionally only those available under a page context",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tours := app.Catalog.Tours
			if contextFlag != "" {
				tag, err := domain.ParseContextTag(contextFlag)
				if err != nil {
					return err
				}
				tours = app.Catalog.ForContext(tag)
			}
			writeTourTable(cmd.OutOrStdout(), tours)
			return nil
		},
	}
	cmd.Flags().StringVar(&contextFlag, "context", "", "clients, operations or global")
	return cmd
}

func writeTourTable(w io.Writer, tours []domain.Tour) {
	if len(tours) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no tours"))
		return
	}
	idCol := lipgloss.NewStyle().Width(22)
	nameCol := lipgloss.NewStyle().Width(28)
	fmt.Fprintln(w, headerStyle.Render(idCol.Render("ID")+nameCol.Render("NAME")+"STEPS  CONTEXTS"))
	for _, t := range tours {
		contexts := make([]string, 0, len(t.Contexts))
		for _, c := range t.Contexts {
			contexts = append(contexts, string(c))
		}
		fmt.Fprintf(w, "%s%s%-7d%s\n", idCol.Render(t.ID), nameCol.Render(t.Name), len(t.Steps), strings.Join(contexts, ","))
	}
}

func (app *App) toursShowCommand() *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "show <tour-id>",
		Short: "Describe a tour and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, ok := app.Catalog.Tour(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", tour.ErrTourNotFound, args[0])
			}
			fmt.Fprint(cmd.OutOrStdout(), newMarkdown(plain).Render(tourMarkdown(t)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "disable colors and markdown styling")
	return cmd
}

func tourMarkdown(t domain.Tour) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n\n", t.Name, t.Description)
	fmt.Fprintf(&b, "`%s` · %d steps\n\n", t.ID, len(t.Steps))
	for i, s := range t.Steps {
		fmt.Fprintf(&b, "%d. **%s** - %s  \n   `%s` (%s", i+1, s.Title, s.Description, s.Locator, s.Side)
		if s.Interaction != domain.InteractionNone {
			fmt.Fprintf(&b, ", %s", s.Interaction)
		}
		b.WriteString(")\n")
	}
	return b.String()
}

func (app *App) toursRunCommand() *cobra.Command {
	var (
		url         string
		debuggerURL string
		headless    bool
		stepPause   time.Duration
		timeout     time.Duration
	)
	poll := tour.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "run <tour-id>",
		Short: "Run a tour against a page in Chrome",
		Long: `Open the page in Chrome (or attach to one with --debugger-url) and walk
every step of the tour: wait for the target, measure it, place the panel
and perform the step's interaction.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			session, err := browser.Open(ctx, url, browser.Options{
				DebuggerURL: debuggerURL,
				Headless:    headless,
				Timeout:     timeout,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := session.Close(); err != nil {
					app.Logger.Warn("failed to close browser", "error", err)
				}
			}()
			return app.runTour(ctx, cmd.OutOrStdout(), session.Driver(), poll, args[0], stepPause)
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/", "page to open")
	cmd.Flags().StringVar(&debuggerURL, "debugger-url", "", "DevTools websocket URL of a running Chrome")
	cmd.Flags().BoolVar(&headless, "headless", true, "launch Chrome headless when not attaching")
	cmd.Flags().DurationVar(&stepPause, "step-pause", 0, "pause between steps")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-call browser timeout")
	cmd.Flags().DurationVar(&poll.PollInterval, "poll-interval", poll.PollInterval, "how often to look for a step target")
	cmd.Flags().DurationVar(&poll.PollTimeout, "poll-timeout", poll.PollTimeout, "how long to wait for a step target")
	return cmd
}

// runTour walks tourID to the end on driver, printing every highlight.
func (app *App) runTour(ctx context.Context, out io.Writer, driver tour.Driver, cfg tour.Config, tourID string, stepPause time.Duration) error {
	seq := tour.NewSequencer(app.Catalog, cfg, tour.WithDriver(driver))
	if err := seq.Start(ctx, tourID); err != nil {
		return err
	}

	for {
		hl, err := seq.Highlight(ctx)
		switch {
		case err == nil:
			fmt.Fprintf(out, "%s %s\n  target %.0fx%.0f at (%.0f,%.0f), panel %s at (%.0f,%.0f)\n",
				tourStyle.Render(fmt.Sprintf("[%d]", hl.StepIndex+1)), hl.Step.Title,
				hl.Target.Width, hl.Target.Height, hl.Target.Left, hl.Target.Top,
				hl.Placement.Side, hl.Placement.Left, hl.Placement.Top)
		case errors.Is(err, tour.ErrTargetNotFound):
			fmt.Fprintln(out, mutedStyle.Render("  target not found, continuing"))
		default:
			return err
		}

		if stepPause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(stepPause):
			}
		}

		outcome, err := seq.Advance(ctx)
		if err != nil {
			return err
		}
		if outcome == tour.OutcomeEnded {
			fmt.Fprintln(out, tourStyle.Render("tour completed"))
			return nil
		}
	}
}
