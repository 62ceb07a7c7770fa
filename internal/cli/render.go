package cli

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	chipStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Border(lipgloss.RoundedBorder()).Padding(0, 1)
	headerStyle    = lipgloss.NewStyle().Bold(true).Underline(true)
	tourStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
)

// markdown renders assistant replies. Plain text is used when the renderer fails.
type markdown struct {
	renderer *glamour.TermRenderer
}

func newMarkdown(plain bool) *markdown {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(80)}
	if plain {
		opts = append(opts, glamour.WithStandardStyle("notty"))
	} else {
		opts = append(opts, glamour.WithAutoStyle())
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return &markdown{}
	}
	return &markdown{renderer: r}
}

func (m *markdown) Render(text string) string {
	if m.renderer == nil || strings.TrimSpace(text) == "" {
		return text + "\n"
	}
	out, err := m.renderer.Render(text)
	if err != nil {
		return text + "\n"
	}
	return out
}

func renderChips(items []string) string {
	if len(items) == 0 {
		return ""
	}
	chips := make([]string, 0, len(items))
	for _, it := range items {
		chips = append(chips, chipStyle.Render(it))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, chips...)
}
