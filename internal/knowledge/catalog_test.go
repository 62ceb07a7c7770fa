package knowledge

import (
	"testing"

	"github.com/ashureev/guidebot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultCatalog(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)

	create, ok := c.Tour("tour-criar-cliente")
	require.True(t, ok)
	assert.Len(t, create.Steps, 7)
	assert.Equal(t, domain.SideTop, create.Steps[6].Side)
	assert.Equal(t, domain.InteractionClick, create.Steps[0].Interaction)

	op, ok := c.Tour("tour-nova-operacao")
	require.True(t, ok)
	assert.Len(t, op.Steps, 5)

	_, ok = c.Tour("missing")
	assert.False(t, ok)
}

func TestCatalogDetect(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)

	tests := []struct {
		name    string
		message string
		tag     domain.ContextTag
		want    string
	}{
		{"client phrase on clients page", "Tour cliente por favor", domain.ContextClients, "tour-criar-cliente"},
		{"client phrase off page", "tour cliente", domain.ContextOperations, ""},
		{"operation phrase", "como preencher formulário?", domain.ContextOperations, "tour-nova-operacao"},
		{"full tour on clients", "Tour completo", domain.ContextClients, "tour-criar-cliente"},
		{"full tour on operations", "quero o passo a passo", domain.ContextOperations, "tour-nova-operacao"},
		{"full tour on dashboard", "tour completo", domain.ContextGlobal, ""},
		{"no phrase", "status das operações", domain.ContextOperations, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tour, ok := c.Detect(tt.message, tt.tag)
			if tt.want == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, tour.ID)
		})
	}
}

func TestCatalogForContext(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)

	assert.Len(t, c.ForContext(domain.ContextClients), 1)
	assert.Empty(t, c.ForContext(domain.ContextGlobal))
}

func TestParseCatalogRejectsUnknownTour(t *testing.T) {
	_, err := ParseCatalog([]byte(`
tours:
  - id: a
    contexts: [clients]
    steps: [{id: s1, locator: "#a", side: top}]
launch_commands:
  - phrases: [go]
    tour: b
    contexts: [clients]
`))
	assert.Error(t, err)
}

func TestParseCatalogRejectsEmptyTour(t *testing.T) {
	_, err := ParseCatalog([]byte(`
tours:
  - id: a
    contexts: [clients]
`))
	assert.Error(t, err)
}

func TestParseCatalogRejectsCommandOutsideTourContexts(t *testing.T) {
	_, err := ParseCatalog([]byte(`
tours:
  - id: a
    contexts: [clients]
    steps: [{id: s1, locator: "#a", side: top}]
launch_commands:
  - phrases: [go]
    tour: a
    contexts: [clients, operations]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not run in")
}

func TestCatalogDetectChecksTourContexts(t *testing.T) {
	c, err := ParseCatalog([]byte(`
tours:
  - id: a
    contexts: [clients]
    steps: [{id: s1, locator: "#a", side: top}]
launch_commands:
  - phrases: [go]
    tour: a
    contexts: [clients]
`))
	require.NoError(t, err)

	// A command widened after loading must still respect the tour's own contexts.
	c.Commands[0].Contexts = append(c.Commands[0].Contexts, domain.ContextOperations)

	_, ok := c.Detect("go", domain.ContextOperations)
	assert.False(t, ok)
	tour, ok := c.Detect("go", domain.ContextClients)
	require.True(t, ok)
	assert.Equal(t, "a", tour.ID)
}
