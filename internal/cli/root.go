// Package cli implements assistantctl: a terminal chat with the assistant, tour
// inspection and browser runs, and an MCP server exposing both to agents.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ashureev/guidebot/internal/knowledge"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// App holds the state shared by every subcommand.
type App struct {
	KnowledgePath string
	ToursPath     string
	LogLevel      string

	KB      *knowledge.Base
	Catalog *knowledge.Catalog
	Logger  *log.Logger
}

// NewApp creates an App with defaults.
func NewApp() *App {
	return &App{LogLevel: "warn"}
}

// CreateRootCommand builds the command tree.
func (app *App) CreateRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "assistantctl",
		Short: "Talk to the guide assistant and drive its tours from a terminal",
		Long: `assistantctl runs the assistant pipeline in process. It can chat in a
terminal, list and run guided tours against a real browser, and serve
the assistant to MCP clients over stdio.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app.configureLogging(cmd.ErrOrStderr())
			return app.load()
		},
	}

	rootCmd.PersistentFlags().StringVar(&app.KnowledgePath, "knowledge", os.Getenv("KNOWLEDGE_BASE_PATH"), "knowledge base YAML (embedded default when empty)")
	rootCmd.PersistentFlags().StringVar(&app.ToursPath, "tours", os.Getenv("TOURS_PATH"), "tour catalog YAML (embedded default when empty)")
	rootCmd.PersistentFlags().StringVar(&app.LogLevel, "log-level", app.LogLevel, "debug, info, warn or error")

	rootCmd.AddCommand(app.chatCommand())
	rootCmd.AddCommand(app.toursCommand())
	rootCmd.AddCommand(app.mcpCommand())
	return rootCmd
}

func (app *App) configureLogging(w io.Writer) {
	logger := log.NewWithOptions(w, log.Options{
		Prefix:          "assistantctl",
		ReportTimestamp: false,
	})
	switch strings.ToLower(app.LogLevel) {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "info":
		logger.SetLevel(log.InfoLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.WarnLevel)
	}
	app.Logger = logger
	// Library packages log through slog.
	slog.SetDefault(slog.New(logger))
}

func (app *App) load() error {
	if app.KB != nil && app.Catalog != nil {
		return nil
	}
	kb, err := knowledge.Load(app.KnowledgePath)
	if err != nil {
		return fmt.Errorf("load knowledge base: %w", err)
	}
	catalog, err := knowledge.LoadCatalog(app.ToursPath)
	if err != nil {
		return fmt.Errorf("load tour catalog: %w", err)
	}
	app.KB, app.Catalog = kb, catalog
	app.Logger.Debug("knowledge loaded", "patterns", len(kb.Matching.Patterns), "tours", len(catalog.Tours))
	return nil
}
